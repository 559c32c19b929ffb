package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/grimoire/errors"
	grimtest "github.com/teranos/grimoire/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn := grimtest.CreateMigratedTestDB(t)
	store := New(conn, DefaultConfig())
	t.Cleanup(store.Close)
	return store
}

func entryAt(key, guildID, content string, fetchedAt time.Time, freshFor, staleFor time.Duration) *Entry {
	return &Entry{
		Key:         key,
		GuildID:     guildID,
		Path:        "prompts/system.md",
		Content:     content,
		ContentHash: HashContent(content),
		FetchedAt:   fetchedAt.UTC(),
		FreshUntil:  fetchedAt.Add(freshFor).UTC(),
		StaleUntil:  fetchedAt.Add(staleFor).UTC(),
	}
}

func TestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := Key("guild-1", "v1", "support/system.md")
	e := NewEntry(key, "guild-1", "support/system.md", "You are support.", 1,
		time.Now(), store.FreshTTL(), store.StaleGrace())
	require.NoError(t, store.Put(ctx, e))

	got, fr, ok := store.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, Fresh, fr)
	assert.Equal(t, "You are support.", got.Content)
	assert.Equal(t, e.ContentHash, got.ContentHash)
}

func TestGetMissOnUnknownKey(t *testing.T) {
	store := newTestStore(t)

	_, _, ok := store.Get(context.Background(), Key("g", "v1", "nothing.md"))
	assert.False(t, ok)
}

func TestPersistentTierSurvivesRestart(t *testing.T) {
	conn := grimtest.CreateMigratedTestDB(t)
	ctx := context.Background()

	first := New(conn, DefaultConfig())
	key := Key("guild-1", "v1", "chat/system.md")
	e := NewEntry(key, "guild-1", "chat/system.md", "persisted", 1,
		time.Now(), 15*time.Minute, time.Hour)
	require.NoError(t, first.Put(ctx, e))
	first.Close()

	// a new store has a cold in-process tier; the hit must come off
	// disk and repopulate memory
	second := New(conn, DefaultConfig())
	t.Cleanup(second.Close)
	require.Equal(t, 0, second.MemoryLen())

	got, fr, ok := second.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, Fresh, fr)
	assert.Equal(t, "persisted", got.Content)
	assert.Equal(t, 1, second.MemoryLen())
}

func TestStaleEntryStillServed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := Key("guild-1", "v1", "p.md")
	stale := entryAt(key, "guild-1", "aged content", time.Now().Add(-20*time.Minute),
		15*time.Minute, time.Hour)
	require.NoError(t, store.Put(ctx, stale))

	got, fr, ok := store.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, Stale, fr)
	assert.Equal(t, "aged content", got.Content)
}

func TestExpiredEntryIsMissAndReaped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := Key("guild-1", "v1", "p.md")
	dead := entryAt(key, "guild-1", "too old", time.Now().Add(-2*time.Hour),
		15*time.Minute, time.Hour)
	require.NoError(t, store.Put(ctx, dead))

	_, _, ok := store.Get(ctx, key)
	assert.False(t, ok)

	n, err := store.PersistentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "expired row reaped on read")
}

func TestCorruptPersistentRowIsMiss(t *testing.T) {
	conn := grimtest.CreateMigratedTestDB(t)
	ctx := context.Background()

	first := New(conn, DefaultConfig())
	key := Key("guild-1", "v1", "p.md")
	e := NewEntry(key, "guild-1", "p.md", "original", 1, time.Now(), 15*time.Minute, time.Hour)
	require.NoError(t, first.Put(ctx, e))
	first.Close()

	_, err := conn.Exec(`UPDATE prompt_cache SET content = 'tampered' WHERE cache_key = ?`, key)
	require.NoError(t, err)

	second := New(conn, DefaultConfig())
	t.Cleanup(second.Close)

	_, _, ok := second.Get(ctx, key)
	assert.False(t, ok, "hash mismatch must read as a miss")

	n, err := second.PersistentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "corrupt row dropped")
}

func TestFillCoalescesConcurrentMisses(t *testing.T) {
	store := newTestStore(t)
	key := Key("guild-1", "v1", "p.md")

	var fills atomic.Int32
	fill := func(ctx context.Context) (*Entry, error) {
		fills.Add(1)
		time.Sleep(30 * time.Millisecond)
		return NewEntry(key, "guild-1", "p.md", "fetched once", 1,
			time.Now(), 15*time.Minute, time.Hour), nil
	}

	const callers = 25
	var wg sync.WaitGroup
	results := make([]*Entry, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Fill(context.Background(), key, fill)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fills.Load(), "concurrent misses share one fill")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "fetched once", results[i].Content)
	}

	// and the shared result landed in the cache
	got, fr, ok := store.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, Fresh, fr)
	assert.Equal(t, "fetched once", got.Content)
}

func TestFillErrorSharedAndNothingCached(t *testing.T) {
	store := newTestStore(t)
	key := Key("guild-1", "v1", "p.md")

	boom := errors.New("upstream unavailable")
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Fill(context.Background(), key, func(ctx context.Context) (*Entry, error) {
				time.Sleep(10 * time.Millisecond)
				return nil, boom
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
	}
	_, _, ok := store.Get(context.Background(), key)
	assert.False(t, ok)
}

func TestFillSkipsWhenAlreadyFresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := Key("guild-1", "v1", "p.md")

	e := NewEntry(key, "guild-1", "p.md", "already here", 1, time.Now(), 15*time.Minute, time.Hour)
	require.NoError(t, store.Put(ctx, e))

	var fills atomic.Int32
	got, err := store.Fill(ctx, key, func(ctx context.Context) (*Entry, error) {
		fills.Add(1)
		return nil, errors.New("should not run")
	})
	require.NoError(t, err)
	assert.Equal(t, "already here", got.Content)
	assert.Equal(t, int32(0), fills.Load())
}

func TestFillDetachesFromImpatientCaller(t *testing.T) {
	store := newTestStore(t)
	key := Key("guild-1", "v1", "p.md")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := store.Fill(ctx, key, func(ctx context.Context) (*Entry, error) {
		time.Sleep(80 * time.Millisecond)
		return NewEntry(key, "guild-1", "p.md", "late arrival", 1,
			time.Now(), 15*time.Minute, time.Hour), nil
	})
	require.ErrorIs(t, err, context.Canceled)

	// the fill keeps running and lands in the cache anyway
	assert.Eventually(t, func() bool {
		_, _, ok := store.Get(context.Background(), key)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidateGuildScopedToGuild(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, g := range []string{"guild-a", "guild-b"} {
		for _, p := range []string{"chat/system.md", "support/system.md"} {
			e := NewEntry(Key(g, "v1", p), g, p, "content for "+g, 1,
				time.Now(), 15*time.Minute, time.Hour)
			require.NoError(t, store.Put(ctx, e))
		}
	}

	n, err := store.InvalidateGuild(ctx, "guild-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, _, ok := store.Get(ctx, Key("guild-a", "v1", "chat/system.md"))
	assert.False(t, ok)
	_, fr, ok := store.Get(ctx, Key("guild-b", "v1", "chat/system.md"))
	require.True(t, ok)
	assert.Equal(t, Fresh, fr)
}

func TestMemoryCapacityEviction(t *testing.T) {
	conn := grimtest.CreateMigratedTestDB(t)
	cfg := DefaultConfig()
	cfg.MemoryCapacity = 2
	store := New(conn, cfg)
	t.Cleanup(store.Close)
	ctx := context.Background()

	for _, p := range []string{"a.md", "b.md", "c.md"} {
		e := NewEntry(Key("g", "v1", p), "g", p, "body "+p, 1,
			time.Now(), 15*time.Minute, time.Hour)
		require.NoError(t, store.Put(ctx, e))
	}

	assert.LessOrEqual(t, store.MemoryLen(), 2)

	// evicted entries still come back from the persistent tier
	got, _, ok := store.Get(ctx, Key("g", "v1", "a.md"))
	require.True(t, ok)
	assert.Equal(t, "body a.md", got.Content)
}

func TestPurgeExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	live := entryAt(Key("g", "v1", "live.md"), "g", "live", now, 15*time.Minute, time.Hour)
	dead := entryAt(Key("g", "v1", "dead.md"), "g", "dead", now.Add(-3*time.Hour), 15*time.Minute, time.Hour)
	require.NoError(t, store.Put(ctx, live))
	require.NoError(t, store.Put(ctx, dead))

	n, err := store.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := store.PersistentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}
