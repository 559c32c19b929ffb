package prompt

import (
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/grimoire/errors"
)

const (
	minFreshTTLMinutes = 1
	maxFreshTTLMinutes = 60
)

// RepoManifest is the optional .grimoire/config.toml a guild may keep
// in its prompt repository
type RepoManifest struct {
	// FreshTTLMinutes overrides how long fetched prompts stay fresh,
	// clamped to [1, 60]
	FreshTTLMinutes int    `toml:"fresh_ttl_minutes"`
	Description     string `toml:"description"`
}

// ParseManifest reads a repo manifest. Unknown keys are tolerated so
// guilds can annotate their manifests freely.
func ParseManifest(data []byte) (*RepoManifest, error) {
	var m RepoManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parsing repo manifest")
	}
	return &m, nil
}

// FreshTTL returns the manifest's freshness window clamped to its
// allowed range, or fallback when the manifest leaves it unset
func (m *RepoManifest) FreshTTL(fallback time.Duration) time.Duration {
	if m == nil || m.FreshTTLMinutes == 0 {
		return fallback
	}
	minutes := m.FreshTTLMinutes
	if minutes < minFreshTTLMinutes {
		minutes = minFreshTTLMinutes
	}
	if minutes > maxFreshTTLMinutes {
		minutes = maxFreshTTLMinutes
	}
	return time.Duration(minutes) * time.Minute
}
