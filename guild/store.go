package guild

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/logger"
	"github.com/teranos/grimoire/sym"
)

// Store persists RepoConfigs in the guild_repos table
type Store struct {
	db *sql.DB
}

// NewStore creates a guild repository config store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const repoColumns = `guild_id, owner, repo, source_url, branch, enabled,
	credential_ref, schema_version, config_version,
	last_sync_at, last_sync_status, validation_errors,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRepo(row rowScanner) (*RepoConfig, error) {
	var (
		rc         RepoConfig
		enabled    int
		lastSyncAt sql.NullTime
		rawErrors  string
	)
	err := row.Scan(&rc.GuildID, &rc.Owner, &rc.Repo, &rc.SourceURL, &rc.Branch,
		&enabled, &rc.CredentialRef, &rc.SchemaVersion, &rc.ConfigVersion,
		&lastSyncAt, &rc.LastSyncStatus, &rawErrors,
		&rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rc.Enabled = enabled != 0
	if lastSyncAt.Valid {
		at := lastSyncAt.Time
		rc.LastSyncAt = &at
	}
	if rawErrors != "" {
		if err := json.Unmarshal([]byte(rawErrors), &rc.ValidationErrors); err != nil {
			// a broken column must not make the whole config unreadable
			logger.Warnw("unreadable validation_errors column",
				logger.FieldGuildID, rc.GuildID,
				logger.FieldError, err.Error(),
			)
			rc.ValidationErrors = nil
		}
	}
	return &rc, nil
}

// Get loads one guild's config. Returns ErrNotFound when the guild has
// never been configured.
func (s *Store) Get(ctx context.Context, guildID string) (*RepoConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+repoColumns+` FROM guild_repos WHERE guild_id = ?`, guildID)

	rc, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "guild %s", guildID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading guild %s", guildID)
	}
	return rc, nil
}

// List returns every configured guild ordered by ID
func (s *Store) List(ctx context.Context) ([]*RepoConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+repoColumns+` FROM guild_repos ORDER BY guild_id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing guilds")
	}
	defer rows.Close()

	var configs []*RepoConfig
	for rows.Next() {
		rc, err := scanRepo(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning guild row")
		}
		configs = append(configs, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating guild rows")
	}
	return configs, nil
}

// Upsert creates or replaces a guild's config and returns the resulting
// config version. Updates bump the version so in-flight refreshes
// stamped with the old one discard their result.
func (s *Store) Upsert(ctx context.Context, rc *RepoConfig) (int64, error) {
	if rc.GuildID == "" {
		return 0, errors.Wrap(errors.ErrInvalidRequest, "guild ID required")
	}
	if rc.SourceURL == "" {
		return 0, errors.Wrap(errors.ErrInvalidRequest, "source URL required")
	}
	branch := rc.Branch
	if branch == "" {
		branch = "main"
	}
	schema := rc.SchemaVersion
	if schema == "" {
		schema = OldestSchema
	}

	rawErrors, err := json.Marshal(valueOrEmpty(rc.ValidationErrors))
	if err != nil {
		return 0, errors.Wrap(err, "encoding validation errors")
	}

	enabled := 0
	if rc.Enabled {
		enabled = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guild_repos
			(guild_id, owner, repo, source_url, branch, enabled,
			 credential_ref, schema_version, config_version,
			 last_sync_status, validation_errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, '', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(guild_id) DO UPDATE SET
			owner = excluded.owner,
			repo = excluded.repo,
			source_url = excluded.source_url,
			branch = excluded.branch,
			enabled = excluded.enabled,
			credential_ref = excluded.credential_ref,
			schema_version = excluded.schema_version,
			validation_errors = excluded.validation_errors,
			config_version = guild_repos.config_version + 1,
			updated_at = CURRENT_TIMESTAMP`,
		rc.GuildID, rc.Owner, rc.Repo, rc.SourceURL, branch, enabled,
		rc.CredentialRef, schema, string(rawErrors))
	if err != nil {
		return 0, errors.Wrapf(err, "upserting guild %s", rc.GuildID)
	}

	version, err := s.ConfigVersion(ctx, rc.GuildID)
	if err != nil {
		return 0, err
	}
	logger.Infow(sym.Guild+" guild config saved",
		logger.FieldGuildID, rc.GuildID,
		"config_version", version,
	)
	return version, nil
}

// SetEnabled toggles a guild and bumps its config version
func (s *Store) SetEnabled(ctx context.Context, guildID string, enabled bool) (int64, error) {
	val := 0
	if enabled {
		val = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE guild_repos
		SET enabled = ?, config_version = config_version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE guild_id = ?`, val, guildID)
	if err != nil {
		return 0, errors.Wrapf(err, "toggling guild %s", guildID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, errors.Wrapf(errors.ErrNotFound, "guild %s", guildID)
	}
	return s.ConfigVersion(ctx, guildID)
}

// SetSchemaVersion records the schema token read from the repository's
// marker file. A schema change re-keys the whole cache, so the config
// version bumps with it.
func (s *Store) SetSchemaVersion(ctx context.Context, guildID, schema string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE guild_repos
		SET schema_version = ?, config_version = config_version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE guild_id = ? AND schema_version <> ?`, schema, guildID, schema)
	if err != nil {
		return 0, errors.Wrapf(err, "updating schema for guild %s", guildID)
	}
	// Zero rows means the schema was already current; the version stands.
	return s.ConfigVersion(ctx, guildID)
}

// UpdateSyncStatus records the result of the latest repository sync
// without bumping the config version; sync outcomes do not re-key caches
func (s *Store) UpdateSyncStatus(ctx context.Context, guildID, status string, validationErrors []string) error {
	rawErrors, err := json.Marshal(valueOrEmpty(validationErrors))
	if err != nil {
		return errors.Wrap(err, "encoding validation errors")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE guild_repos
		SET last_sync_at = ?, last_sync_status = ?, validation_errors = ?, updated_at = CURRENT_TIMESTAMP
		WHERE guild_id = ?`, time.Now().UTC(), status, string(rawErrors), guildID)
	if err != nil {
		return errors.Wrapf(err, "recording sync status for guild %s", guildID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "guild %s", guildID)
	}
	return nil
}

// Remove deletes a guild's config entirely
func (s *Store) Remove(ctx context.Context, guildID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guild_repos WHERE guild_id = ?`, guildID)
	if err != nil {
		return errors.Wrapf(err, "removing guild %s", guildID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "guild %s", guildID)
	}
	logger.Infow(sym.Guild+" guild config removed", logger.FieldGuildID, guildID)
	return nil
}

// ConfigVersion reads the current version stamp. Refresh workers call
// this before applying results, so it stays a single indexed lookup.
func (s *Store) ConfigVersion(ctx context.Context, guildID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT config_version FROM guild_repos WHERE guild_id = ?`, guildID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, errors.Wrapf(errors.ErrNotFound, "guild %s", guildID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading config version for guild %s", guildID)
	}
	return version, nil
}

func valueOrEmpty(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}
