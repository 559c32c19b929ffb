// Package metrics carries resolution observability: one structured
// event per resolve call, fanned out to logs, a ring-capped sqlite
// table for diagnostics, and any live subscribers.
package metrics

import (
	"time"

	"github.com/google/uuid"
)

// ResolutionEvent records where one resolve call got its content
type ResolutionEvent struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Category string `json:"category"`
	// Source is the fallback level that won: custom_fresh,
	// custom_stale, category_default, or global_fallback
	Source string `json:"source"`
	// Path is the repository path that served (or would have served)
	// the content; empty for built-in sources
	Path string `json:"path,omitempty"`
	// Reason explains why higher levels were skipped
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewEvent stamps a resolution event with identity and time
func NewEvent(guildID, category, source, path, reason string, duration time.Duration) ResolutionEvent {
	return ResolutionEvent{
		ID:         uuid.NewString(),
		GuildID:    guildID,
		Category:   category,
		Source:     source,
		Path:       path,
		Reason:     reason,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
}
