// Package guild holds per-guild prompt repository configuration: where a
// guild's prompts live, how to authenticate, which schema the repository
// follows, and the config version stamp that invalidates in-flight
// refreshes when any of it changes.
package guild

import (
	"strings"
	"time"
)

// OldestSchema is the fallback when a repository's schema marker is
// absent or names a version this build does not know
const OldestSchema = "v1"

// SchemaMarkerPath is where the schema token lives inside a prompt repository
const SchemaMarkerPath = ".grimoire/schema"

// RoutesPath is where the routing table lives inside a prompt repository
const RoutesPath = ".grimoire/routes"

// ManifestPath is where the optional repository manifest lives
const ManifestPath = ".grimoire/config.toml"

var supportedSchemas = map[string]bool{
	"v1": true,
}

// ClampSchema normalizes a raw schema marker and reports whether it was
// recognized. Unrecognized or empty markers clamp to the oldest
// supported version; callers log the downgrade.
func ClampSchema(raw string) (string, bool) {
	token := strings.ToLower(strings.TrimSpace(raw))
	if supportedSchemas[token] {
		return token, true
	}
	return OldestSchema, false
}

// RepoConfig is one guild's prompt repository configuration
type RepoConfig struct {
	GuildID string
	Owner   string
	Repo    string
	// SourceURL is the contents-API base for the repository,
	// {host}/{owner}/{repo}
	SourceURL string
	Branch    string
	Enabled   bool
	// CredentialRef names the secret, never the secret itself
	CredentialRef string
	SchemaVersion string
	// ConfigVersion increments on every mutation; refreshes stamped
	// with an older version discard their result
	ConfigVersion    int64
	LastSyncAt       *time.Time
	LastSyncStatus   string
	ValidationErrors []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
