package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/logger"
)

// persistentTier stores entries in the prompt_cache table so cached
// content survives process restarts
type persistentTier struct {
	db *sql.DB
}

func (p *persistentTier) get(ctx context.Context, key string) (*Entry, bool) {
	row := p.db.QueryRowContext(ctx, `
		SELECT cache_key, guild_id, path, content, content_hash,
		       config_version, fetched_at, fresh_until, stale_until
		FROM prompt_cache
		WHERE cache_key = ?`, key)

	var e Entry
	err := row.Scan(&e.Key, &e.GuildID, &e.Path, &e.Content, &e.ContentHash,
		&e.ConfigVersion, &e.FetchedAt, &e.FreshUntil, &e.StaleUntil)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		logger.Warnw("unreadable cache row treated as miss",
			logger.FieldCacheKey, key,
			logger.FieldError, err.Error(),
		)
		p.remove(ctx, key)
		return nil, false
	}

	if HashContent(e.Content) != e.ContentHash {
		logger.Warnw("cache row failed integrity check",
			logger.FieldCacheKey, key,
			logger.FieldGuildID, e.GuildID,
			logger.FieldPath, e.Path,
		)
		p.remove(ctx, key)
		return nil, false
	}

	return &e, true
}

func (p *persistentTier) put(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO prompt_cache
			(cache_key, guild_id, path, content, content_hash,
			 config_version, fetched_at, fresh_until, stale_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			guild_id = excluded.guild_id,
			path = excluded.path,
			content = excluded.content,
			content_hash = excluded.content_hash,
			config_version = excluded.config_version,
			fetched_at = excluded.fetched_at,
			fresh_until = excluded.fresh_until,
			stale_until = excluded.stale_until`,
		e.Key, e.GuildID, e.Path, e.Content, e.ContentHash,
		e.ConfigVersion, e.FetchedAt, e.FreshUntil, e.StaleUntil)
	if err != nil {
		return errors.Wrap(err, "writing cache entry")
	}
	return nil
}

// remove drops a single row; failures are logged, not returned, since
// removal here is always advisory cleanup on the read path
func (p *persistentTier) remove(ctx context.Context, key string) {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM prompt_cache WHERE cache_key = ?`, key); err != nil {
		logger.Warnw("failed to drop cache row",
			logger.FieldCacheKey, key,
			logger.FieldError, err.Error(),
		)
	}
}

func (p *persistentTier) deleteKey(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM prompt_cache WHERE cache_key = ?`, key)
	if err != nil {
		return errors.Wrap(err, "deleting cache entry")
	}
	return nil
}

func (p *persistentTier) deleteGuild(ctx context.Context, guildID string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM prompt_cache WHERE guild_id = ?`, guildID)
	if err != nil {
		return 0, errors.Wrapf(err, "invalidating cache for guild %s", guildID)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// purgeExpired reaps rows past their stale window. Expired rows are
// already invisible to reads; this just bounds table growth.
func (p *persistentTier) purgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM prompt_cache WHERE stale_until <= ?`, now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "purging expired cache entries")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *persistentTier) count(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompt_cache`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "counting cache entries")
	}
	return n, nil
}
