// Package cache is the two-tier prompt cache: a bounded in-process tier
// for hot entries in front of a sqlite tier that survives restarts.
// Freshness is derived from per-entry timestamps at read time, so the
// tiers can never disagree about whether content is servable. Misses
// for the same key coalesce into a single upstream fill.
package cache

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/logger"
)

const lockStripes = 64

// maxFillBudget bounds a detached fill once the triggering caller has
// gone away; waiters joined to the same flight still share its result
const maxFillBudget = 30 * time.Second

// Config sizes the store and sets the default freshness windows
type Config struct {
	// FreshTTL is the default freshness window and the in-process
	// tier's residency TTL
	FreshTTL time.Duration
	// StaleGrace is the window from fetch after which an entry is
	// hard-expired and treated as a miss
	StaleGrace time.Duration
	// MemoryCapacity bounds the in-process tier; least recently used
	// entries are evicted past it
	MemoryCapacity uint64
}

// DefaultConfig returns the stock windows: 15 minutes fresh, one hour
// to hard expiry, 4096 resident entries.
func DefaultConfig() Config {
	return Config{
		FreshTTL:       15 * time.Minute,
		StaleGrace:     time.Hour,
		MemoryCapacity: 4096,
	}
}

// ConfigFromApp maps the loaded application config onto cache windows
func ConfigFromApp(c *config.Config) Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	if c.Cache.FreshTTLMinutes > 0 {
		cfg.FreshTTL = time.Duration(c.Cache.FreshTTLMinutes) * time.Minute
	}
	if c.Cache.StaleGraceMinutes > 0 {
		cfg.StaleGrace = time.Duration(c.Cache.StaleGraceMinutes) * time.Minute
	}
	if c.Cache.MemoryCapacity > 0 {
		cfg.MemoryCapacity = uint64(c.Cache.MemoryCapacity)
	}
	return cfg
}

// FillFunc produces the entry for a missing key, usually by fetching
// and validating upstream content
type FillFunc func(ctx context.Context) (*Entry, error)

// Store is the two-tier cache. Reads off the in-process tier do no I/O;
// writes serialize per key stripe so unrelated guilds never contend.
type Store struct {
	cfg     Config
	memory  *ttlcache.Cache[string, *Entry]
	persist *persistentTier
	flight  singleflight.Group
	locks   [lockStripes]sync.Mutex
}

// New builds the store over an opened database and starts the
// in-process tier's eviction loop. Close stops it.
func New(db *sql.DB, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.FreshTTL <= 0 {
		cfg.FreshTTL = def.FreshTTL
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = def.StaleGrace
	}
	if cfg.MemoryCapacity == 0 {
		cfg.MemoryCapacity = def.MemoryCapacity
	}

	memory := ttlcache.New[string, *Entry](
		ttlcache.WithTTL[string, *Entry](cfg.FreshTTL),
		ttlcache.WithCapacity[string, *Entry](cfg.MemoryCapacity),
	)
	go memory.Start()

	return &Store{
		cfg:     cfg,
		memory:  memory,
		persist: &persistentTier{db: db},
	}
}

// FreshTTL is the default freshness window for new entries
func (s *Store) FreshTTL() time.Duration { return s.cfg.FreshTTL }

// StaleGrace is the window from fetch to hard expiry
func (s *Store) StaleGrace() time.Duration { return s.cfg.StaleGrace }

// Get returns the entry and its freshness, or a miss. Expired entries
// are reaped on sight and reported as misses. A persistent-tier hit
// repopulates the in-process tier.
func (s *Store) Get(ctx context.Context, key string) (*Entry, Freshness, bool) {
	now := time.Now()

	if item := s.memory.Get(key); item != nil {
		e := item.Value()
		if fr := e.FreshnessAt(now); fr != Expired {
			return e, fr, true
		}
		s.memory.Delete(key)
		s.persist.remove(ctx, key)
		return nil, Expired, false
	}

	e, ok := s.persist.get(ctx, key)
	if !ok {
		return nil, Expired, false
	}
	fr := e.FreshnessAt(now)
	if fr == Expired {
		s.persist.remove(ctx, key)
		return nil, Expired, false
	}

	s.memory.Set(key, e, ttlcache.DefaultTTL)
	logger.CacheDebugw("rehydrated from persistent tier",
		logger.FieldCacheKey, e.Key,
		logger.FieldGuildID, e.GuildID,
		logger.FieldPath, e.Path,
	)
	return e, fr, true
}

// Put writes the entry through both tiers
func (s *Store) Put(ctx context.Context, e *Entry) error {
	lock := &s.locks[stripe(e.Key)]
	lock.Lock()
	defer lock.Unlock()

	if err := s.persist.put(ctx, e); err != nil {
		return err
	}
	s.memory.Set(e.Key, e, ttlcache.DefaultTTL)
	return nil
}

// Fill resolves a miss. Concurrent calls for the same key share one
// fill: exactly one runs, every waiter receives its entry or its error.
// The fill itself runs detached from the triggering caller's lifetime
// so one impatient caller cannot fail the rest.
func (s *Store) Fill(ctx context.Context, key string, fill FillFunc) (*Entry, error) {
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), maxFillBudget)
		defer cancel()

		// a flight that queued behind a completed fill can serve its result
		if e, fr, ok := s.Get(fillCtx, key); ok && fr == Fresh {
			return e, nil
		}

		e, err := fill(fillCtx)
		if err != nil {
			return nil, err
		}
		if err := s.Put(fillCtx, e); err != nil {
			// content in hand beats a write error; serve it and log
			logger.Warnw("cache write failed after fill",
				logger.FieldCacheKey, key,
				logger.FieldError, err.Error(),
			)
		}
		return e, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvalidateGuild drops every entry belonging to the guild from both
// tiers and reports how many persistent rows went
func (s *Store) InvalidateGuild(ctx context.Context, guildID string) (int64, error) {
	var keys []string
	s.memory.Range(func(item *ttlcache.Item[string, *Entry]) bool {
		if item.Value().GuildID == guildID {
			keys = append(keys, item.Key())
		}
		return true
	})
	for _, key := range keys {
		s.memory.Delete(key)
	}

	n, err := s.persist.deleteGuild(ctx, guildID)
	if err != nil {
		return 0, err
	}
	logger.CacheDebugw("invalidated guild",
		logger.FieldGuildID, guildID,
		logger.FieldCount, n,
	)
	return n, nil
}

// DeleteKey drops one entry from both tiers
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	s.memory.Delete(key)
	return s.persist.deleteKey(ctx, key)
}

// PurgeExpired reaps hard-expired persistent rows
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.persist.purgeExpired(ctx, now)
}

// MemoryLen reports the in-process tier's population
func (s *Store) MemoryLen() int {
	return s.memory.Len()
}

// PersistentCount reports the persistent tier's population
func (s *Store) PersistentCount(ctx context.Context) (int64, error) {
	return s.persist.count(ctx)
}

// Close stops the in-process tier's eviction loop
func (s *Store) Close() {
	s.memory.Stop()
}

func stripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}
