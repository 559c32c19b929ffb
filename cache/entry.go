package cache

import (
	"fmt"
	"time"
)

// Freshness positions an entry against its freshness windows at a
// given instant. Expired entries are indistinguishable from misses to
// callers; they may never be served, even as a stale fallback.
type Freshness int

const (
	// Fresh: now is before fresh_until
	Fresh Freshness = iota
	// Stale: fresh_until has passed but stale_until has not
	Stale
	// Expired: stale_until has passed
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// Entry is one cached prompt file. Timestamps are fixed at write time;
// freshness is always derived from them, never stored.
type Entry struct {
	Key           string
	GuildID       string
	Path          string
	Content       string
	ContentHash   string
	ConfigVersion int64
	FetchedAt     time.Time
	FreshUntil    time.Time
	StaleUntil    time.Time
}

// NewEntry stamps content fetched now with its freshness windows.
// StaleUntil is clamped to never precede FreshUntil, so a repo manifest
// asking for a freshness window longer than the stale grace cannot
// produce an entry that expires while still fresh.
func NewEntry(key, guildID, path, content string, configVersion int64, now time.Time, freshTTL, staleGrace time.Duration) *Entry {
	now = now.UTC()
	freshUntil := now.Add(freshTTL)
	staleUntil := now.Add(staleGrace)
	if staleUntil.Before(freshUntil) {
		staleUntil = freshUntil
	}
	return &Entry{
		Key:           key,
		GuildID:       guildID,
		Path:          path,
		Content:       content,
		ContentHash:   HashContent(content),
		ConfigVersion: configVersion,
		FetchedAt:     now,
		FreshUntil:    freshUntil,
		StaleUntil:    staleUntil,
	}
}

// FreshnessAt positions the entry relative to now
func (e *Entry) FreshnessAt(now time.Time) Freshness {
	if now.Before(e.FreshUntil) {
		return Fresh
	}
	if now.Before(e.StaleUntil) {
		return Stale
	}
	return Expired
}

// Age is the time elapsed since the content was fetched
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}
