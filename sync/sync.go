// Package sync warms a guild's prompt cache from one shallow clone of its
// repository instead of file-by-file contents-API fetches. It is the bulk
// path behind `grimoire sync` and the admin refresh endpoint: clone, read
// the schema marker, drop the guild's stale cache, then validate and seed
// every prompt file plus the control files, a bounded worker group at a
// time. The resolver keeps serving throughout; a failed sync leaves it on
// the fetch-per-file path it already uses.
package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/grimoire/cache"
	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/guild"
	"github.com/teranos/grimoire/logger"
	"github.com/teranos/grimoire/prompt"
	"github.com/teranos/grimoire/validate"
)

// Sync status values written to guild_repos.last_sync_status.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// maxSeedFiles caps how many files one sync will take from a repository.
// A prompt repo is dozens of files; thousands means something hostile or
// misconfigured.
const maxSeedFiles = 1024

const defaultWorkers = 8

// GuildStore is the slice of guild.Store a sync run needs.
type GuildStore interface {
	Get(ctx context.Context, guildID string) (*guild.RepoConfig, error)
	SetSchemaVersion(ctx context.Context, guildID, schema string) (int64, error)
	UpdateSyncStatus(ctx context.Context, guildID, status string, validationErrors []string) error
}

// SkippedFile is one file a sync refused to seed, with the reason.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarizes one sync run for the CLI and the admin surface.
type Report struct {
	GuildID       string        `json:"guild_id"`
	Branch        string        `json:"branch"`
	Commit        string        `json:"commit,omitempty"`
	SchemaVersion string        `json:"schema_version"`
	RoutesPresent bool          `json:"routes_present"`
	Seeded        int           `json:"seeded"`
	Skipped       []SkippedFile `json:"skipped,omitempty"`
	Status        string        `json:"status"`
	Duration      time.Duration `json:"duration"`
}

// Syncer performs bulk warms. Safe for concurrent use; each Run works in
// its own temp directory.
type Syncer struct {
	guilds  GuildStore
	secrets guild.SecretStore
	store   *cache.Store
	workers int
}

func New(guilds GuildStore, secrets guild.SecretStore, store *cache.Store, workers int) *Syncer {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Syncer{guilds: guilds, secrets: secrets, store: store, workers: workers}
}

// Run clones the guild's repository and seeds its cache. The returned
// error covers infrastructure failures (unknown guild, clone, storage);
// per-file validation failures land in Report.Skipped and a partial
// status instead.
func (s *Syncer) Run(ctx context.Context, guildID string) (*Report, error) {
	start := time.Now()

	rc, err := s.guilds.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}

	credential := ""
	if rc.CredentialRef != "" {
		credential, err = s.secrets.Resolve(rc.CredentialRef)
		if err != nil {
			s.markFailed(ctx, guildID, err)
			return nil, errors.Wrap(err, "resolving credential")
		}
	}

	w, err := clone(ctx, rc, credential)
	if err != nil {
		s.markFailed(ctx, guildID, err)
		return nil, err
	}
	defer w.Cleanup()

	if err := s.applySchemaMarker(ctx, rc, w); err != nil {
		s.markFailed(ctx, guildID, err)
		return nil, err
	}

	// Start clean: entries for files no longer in the repo must not
	// outlive the sync. Concurrent resolves fall back to per-file
	// fetches until seeding lands.
	if _, err := s.store.InvalidateGuild(ctx, guildID); err != nil {
		logger.Warnw("Cache invalidation before sync failed",
			logger.FieldGuildID, guildID,
			logger.FieldError, err)
	}

	report := &Report{
		GuildID:       guildID,
		Branch:        rc.Branch,
		Commit:        w.head,
		SchemaVersion: rc.SchemaVersion,
	}

	if err := s.seed(ctx, rc, w, report); err != nil {
		s.markFailed(ctx, guildID, err)
		return nil, err
	}

	report.Status = StatusOK
	if len(report.Skipped) > 0 {
		report.Status = StatusPartial
	}
	report.Duration = time.Since(start)

	if err := s.guilds.UpdateSyncStatus(ctx, guildID, report.Status, skipReasons(report.Skipped)); err != nil {
		logger.Warnw("Failed to record sync status",
			logger.FieldGuildID, guildID,
			logger.FieldError, err)
	}

	logger.RefreshInfow("Sync finished",
		logger.FieldGuildID, guildID,
		logger.FieldStatus, report.Status,
		"seeded", report.Seeded,
		"skipped", len(report.Skipped),
		logger.FieldDurationMS, report.Duration.Milliseconds())

	return report, nil
}

// applySchemaMarker reads .grimoire/schema from the worktree and records
// a changed token in the guild config, which bumps the config version
// and moves every cache key for the guild.
func (s *Syncer) applySchemaMarker(ctx context.Context, rc *guild.RepoConfig, w *worktree) error {
	token := guild.OldestSchema

	raw, err := os.ReadFile(filepath.Join(w.dir, filepath.FromSlash(guild.SchemaMarkerPath)))
	switch {
	case os.IsNotExist(err):
		logger.Debugw("No schema marker, assuming oldest supported",
			logger.FieldGuildID, rc.GuildID,
			logger.FieldSchema, token)
	case err != nil:
		return errors.Wrap(err, "reading schema marker")
	default:
		var recognized bool
		token, recognized = guild.ClampSchema(string(raw))
		if !recognized {
			logger.Warnw("Unrecognized schema marker, clamping to oldest supported",
				logger.FieldGuildID, rc.GuildID,
				"marker", strings.TrimSpace(string(raw)),
				logger.FieldSchema, token)
		}
	}

	if token == rc.SchemaVersion {
		return nil
	}

	version, err := s.guilds.SetSchemaVersion(ctx, rc.GuildID, token)
	if err != nil {
		return errors.Wrap(err, "recording schema version")
	}
	rc.SchemaVersion = token
	rc.ConfigVersion = version
	return nil
}

type seedResult struct {
	seeded  bool
	skipped *SkippedFile
}

// seed validates and caches every collected file with a bounded worker
// group. Validation failures skip the file; storage failures abort the
// whole run.
func (s *Syncer) seed(ctx context.Context, rc *guild.RepoConfig, w *worktree, report *Report) error {
	paths, truncated, err := collectPaths(w.dir)
	if err != nil {
		return err
	}
	if truncated {
		report.Skipped = append(report.Skipped, SkippedFile{
			Path:   "...",
			Reason: "repository exceeds the seedable file limit",
		})
	}

	freshTTL := s.manifestTTL(w)
	fetchedAt := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	results := make([]seedResult, len(paths))

	for i, rel := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			content, reason := readSeedFile(w.dir, rel)
			if reason == "" {
				if err := checkFile(rel, content); err != nil {
					reason = err.Error()
				}
			}
			if reason != "" {
				results[i] = seedResult{skipped: &SkippedFile{Path: rel, Reason: reason}}
				return nil
			}

			key := cache.Key(rc.GuildID, rc.SchemaVersion, rel)
			entry := cache.NewEntry(key, rc.GuildID, rel, content, rc.ConfigVersion,
				fetchedAt, freshTTL, s.store.StaleGrace())
			if err := s.store.Put(gctx, entry); err != nil {
				return errors.Wrapf(err, "seeding %s", rel)
			}

			results[i] = seedResult{seeded: true}
			if rel == guild.RoutesPath {
				report.RoutesPresent = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		if res.seeded {
			report.Seeded++
		}
		if res.skipped != nil {
			report.Skipped = append(report.Skipped, *res.skipped)
		}
	}

	if !report.RoutesPresent {
		logger.Warnw("Repository has no routing file; custom prompts stay unreachable",
			logger.FieldGuildID, rc.GuildID,
			logger.FieldPath, guild.RoutesPath)
	}
	return nil
}

// manifestTTL reads the repo manifest straight from the worktree. The
// manifest governs how long seeded entries stay fresh, same as on the
// fetch path.
func (s *Syncer) manifestTTL(w *worktree) time.Duration {
	def := s.store.FreshTTL()

	raw, err := os.ReadFile(filepath.Join(w.dir, filepath.FromSlash(guild.ManifestPath)))
	if err != nil {
		return def
	}
	manifest, err := prompt.ParseManifest(raw)
	if err != nil {
		return def
	}
	return manifest.FreshTTL(def)
}

func (s *Syncer) markFailed(ctx context.Context, guildID string, cause error) {
	if err := s.guilds.UpdateSyncStatus(ctx, guildID, StatusFailed, []string{cause.Error()}); err != nil {
		logger.Warnw("Failed to record sync failure",
			logger.FieldGuildID, guildID,
			logger.FieldError, err)
	}
}

// collectPaths lists seedable repository paths: every .md file outside
// .grimoire/, plus the routing table and repo manifest when present.
// Paths come back slash-separated, matching cache keys and routes.
func collectPaths(root string) (paths []string, truncated bool, err error) {
	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if len(paths) >= maxSeedFiles {
			truncated = true
			return filepath.SkipAll
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch {
		case rel == guild.RoutesPath, rel == guild.ManifestPath:
			paths = append(paths, rel)
		case strings.HasPrefix(rel, ".grimoire/"):
			// Control directory: everything else in it is not servable
			// content.
		case strings.HasSuffix(rel, ".md"):
			paths = append(paths, rel)
		}
		return nil
	})
	if walkErr != nil {
		return nil, false, errors.Wrap(walkErr, "walking worktree")
	}
	return paths, truncated, nil
}

// readSeedFile reads one candidate, refusing oversized files before
// buffering them.
func readSeedFile(root, rel string) (content, skipReason string) {
	full := filepath.Join(root, filepath.FromSlash(rel))

	info, err := os.Stat(full)
	if err != nil {
		return "", "unreadable: " + err.Error()
	}
	if info.Size() > validate.MaxContentBytes {
		return "", "content exceeds size limit"
	}

	raw, err := os.ReadFile(full)
	if err != nil {
		return "", "unreadable: " + err.Error()
	}
	return string(raw), ""
}

// checkFile applies the same gate as the fetch path: structural checks
// for control files, the full validator plus a frontmatter parse for
// prompt content.
func checkFile(rel, content string) error {
	if rel == guild.RoutesPath || rel == guild.ManifestPath {
		if res := validate.ControlFile(content, rel); !res.Valid {
			return errors.Newf("validation failed: %s", res.Reason)
		}
		return nil
	}

	if res := validate.Content(content, rel); !res.Valid {
		return errors.Newf("validation failed: %s", res.Reason)
	}
	if _, err := prompt.ParseDocument(content); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}

func skipReasons(skipped []SkippedFile) []string {
	if len(skipped) == 0 {
		return nil
	}
	reasons := make([]string, 0, len(skipped))
	for _, sf := range skipped {
		reasons = append(reasons, sf.Path+": "+sf.Reason)
	}
	return reasons
}
