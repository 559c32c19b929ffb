package cache

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// Key derives the deterministic cache key for one file in one guild's
// repository under one schema version. NUL separators keep adjacent
// components from colliding across boundary shifts.
func Key(guildID, schemaVersion, path string) string {
	h := sha256.New()
	h.Write([]byte(guildID))
	h.Write([]byte{0})
	h.Write([]byte(schemaVersion))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return base58.Encode(h.Sum(nil))
}

// HashContent returns the base58 digest stored alongside cached content
// so corruption in the persistent tier is detectable on read
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return base58.Encode(sum[:])
}
