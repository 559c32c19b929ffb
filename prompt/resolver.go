// Package prompt resolves externally-hosted prompt templates through a
// four-level fallback chain. Resolution is total: every call returns a
// usable prompt, and every failure is absorbed by falling through to the
// next level. The levels, in order:
//
//  1. custom_fresh      — guild repository content, fresh in cache or
//     fetched on demand
//  2. custom_stale      — stale cached content no older than an hour,
//     served while a background refresh runs
//  3. category_default  — embedded default for a known category
//  4. global_fallback   — compiled-in literal, cannot fail
//
// Stale observers never block: they get the stale entry immediately and a
// coalesced refresh is scheduled. Cache misses block, but concurrent
// misses on the same key share a single fetch.
package prompt

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/grimoire/cache"
	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/fetch"
	"github.com/teranos/grimoire/guild"
	"github.com/teranos/grimoire/logger"
	"github.com/teranos/grimoire/metrics"
	"github.com/teranos/grimoire/routes"
	"github.com/teranos/grimoire/validate"
)

// Source identifies the fallback level that produced a prompt.
type Source string

const (
	SourceCustomFresh     Source = "custom_fresh"
	SourceCustomStale     Source = "custom_stale"
	SourceCategoryDefault Source = "category_default"
	SourceGlobalFallback  Source = "global_fallback"
)

// staleMaxAge is the absolute serving limit for stale content, measured
// from fetched_at. Past it a stale entry is no better than a miss at
// level 2, whatever the configured grace window says.
const staleMaxAge = time.Hour

// ResolvedPrompt is the total result of a resolve call. Content is always
// non-empty; Source says which level produced it and Reason records why
// the levels above it were skipped.
type ResolvedPrompt struct {
	Content  string `json:"content"`
	Source   Source `json:"source"`
	GuildID  string `json:"guild_id"`
	Category string `json:"category"`
	// Path is the repository path the content came from, empty for
	// built-in levels
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ConfigStore supplies guild repository configuration. *guild.Store
// satisfies it; tests substitute fakes.
type ConfigStore interface {
	Get(ctx context.Context, guildID string) (*guild.RepoConfig, error)
	ConfigVersion(ctx context.Context, guildID string) (int64, error)
}

// Fetcher retrieves a single repository file. *fetch.Fetcher satisfies it.
type Fetcher interface {
	File(ctx context.Context, req fetch.Request) fetch.Outcome
}

// Scheduler accepts background refresh work keyed for coalescing.
// *refresh.Pool satisfies it.
type Scheduler interface {
	Schedule(key string, run func(ctx context.Context)) bool
}

// Resolver walks the fallback chain. All dependencies are injected; the
// resolver owns no goroutines and no storage of its own.
type Resolver struct {
	guilds   ConfigStore
	secrets  guild.SecretStore
	fetcher  Fetcher
	cache    *cache.Store
	pool     Scheduler
	defaults *Defaults
	emitter  metrics.Emitter
}

func NewResolver(guilds ConfigStore, secrets guild.SecretStore, fetcher Fetcher, cacheStore *cache.Store, pool Scheduler, defaults *Defaults, emitter metrics.Emitter) *Resolver {
	return &Resolver{
		guilds:   guilds,
		secrets:  secrets,
		fetcher:  fetcher,
		cache:    cacheStore,
		pool:     pool,
		defaults: defaults,
		emitter:  emitter,
	}
}

// Resolve returns the prompt for a guild and category. It never returns
// an error: every failure mode falls through the chain and the worst
// case is the global fallback. vars fill {{placeholder}} slots in the
// winning template and single-brace slots in routing patterns; a
// "category" variable is injected when the caller did not set one.
func (r *Resolver) Resolve(ctx context.Context, guildID, category string, vars map[string]string) ResolvedPrompt {
	start := time.Now()
	merged := mergeVars(category, vars)

	resolved := r.chain(ctx, guildID, category, merged)
	resolved.Content = Substitute(resolved.Content, merged)

	r.emitter.Emit(metrics.NewEvent(guildID, category, string(resolved.Source), resolved.Path, resolved.Reason, time.Since(start)))
	return resolved
}

// chain walks levels 1 through 4 and returns the first hit. reasons
// accumulates one entry per skipped level so the final event explains
// the whole walk.
func (r *Resolver) chain(ctx context.Context, guildID, category string, vars map[string]string) ResolvedPrompt {
	var reasons []string

	rc := r.guildConfig(ctx, guildID, &reasons)
	if rc != nil {
		if resolved, ok := r.custom(ctx, rc, category, vars, &reasons); ok {
			return resolved
		}
	}

	return r.builtin(guildID, category, reasons)
}

// guildConfig loads the repository config, normalizing every "level 1
// cannot run" case to nil with a recorded reason.
func (r *Resolver) guildConfig(ctx context.Context, guildID string, reasons *[]string) *guild.RepoConfig {
	rc, err := r.guilds.Get(ctx, guildID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		*reasons = append(*reasons, "no repository configured")
		return nil
	case err != nil:
		logger.Warnw("Guild config unreadable, skipping custom levels",
			logger.FieldGuildID, guildID,
			logger.FieldError, err)
		*reasons = append(*reasons, "config unreadable")
		return nil
	case !rc.Enabled:
		*reasons = append(*reasons, "repository disabled")
		return nil
	}
	return rc
}

// custom runs levels 1 and 2: route the category to a repository path,
// then serve from cache or fetch. ok=false means both levels failed and
// the chain should continue to the built-ins.
func (r *Resolver) custom(ctx context.Context, rc *guild.RepoConfig, category string, vars map[string]string, reasons *[]string) (ResolvedPrompt, bool) {
	table := r.routeTable(ctx, rc, reasons)
	if table == nil {
		return ResolvedPrompt{}, false
	}

	path, ok := table.Resolve(vars)
	if !ok {
		*reasons = append(*reasons, "no route matched")
		return ResolvedPrompt{}, false
	}

	key := cache.Key(rc.GuildID, rc.SchemaVersion, path)
	entry, freshness, found := r.cache.Get(ctx, key)

	if found && freshness == cache.Fresh {
		return r.serve(rc, category, path, entry, SourceCustomFresh, *reasons), true
	}

	if found && freshness == cache.Stale {
		r.scheduleRefresh(rc, path, key)
		if entry.Age(time.Now()) <= staleMaxAge {
			*reasons = append(*reasons, "fresh window elapsed, refresh scheduled")
			return r.serve(rc, category, path, entry, SourceCustomStale, *reasons), true
		}
		*reasons = append(*reasons, "stale content past the one-hour serving limit")
		return ResolvedPrompt{}, false
	}

	entry, err := r.cache.Fill(ctx, key, r.fill(rc, path, key))
	if err != nil {
		*reasons = append(*reasons, err.Error())
		return ResolvedPrompt{}, false
	}
	return r.serve(rc, category, path, entry, SourceCustomFresh, *reasons), true
}

// builtin runs levels 3 and 4.
func (r *Resolver) builtin(guildID, category string, reasons []string) ResolvedPrompt {
	if body, ok := r.defaults.Category(category); ok {
		logger.FallbackInfow("Serving category default",
			logger.FieldGuildID, guildID,
			logger.FieldCategory, category,
			logger.FieldReason, joinReasons(reasons))
		return ResolvedPrompt{
			Content:  body,
			Source:   SourceCategoryDefault,
			GuildID:  guildID,
			Category: category,
			Reason:   joinReasons(reasons),
		}
	}

	reasons = append(reasons, "unknown category")
	logger.FallbackInfow("Serving global fallback",
		logger.FieldGuildID, guildID,
		logger.FieldCategory, category,
		logger.FieldReason, joinReasons(reasons))
	return ResolvedPrompt{
		Content:  GlobalFallback,
		Source:   SourceGlobalFallback,
		GuildID:  guildID,
		Category: category,
		Reason:   joinReasons(reasons),
	}
}

// serve turns a cache entry into a ResolvedPrompt, stripping frontmatter.
// Entries were validated at fill time, so a parse failure here means the
// file had no frontmatter worth keeping; the raw content serves as-is.
func (r *Resolver) serve(rc *guild.RepoConfig, category, path string, entry *cache.Entry, source Source, reasons []string) ResolvedPrompt {
	body := entry.Content
	if doc, err := ParseDocument(entry.Content); err == nil {
		body = doc.Body
	}

	logger.ResolveInfow("Resolved custom prompt",
		logger.FieldGuildID, rc.GuildID,
		logger.FieldCategory, category,
		logger.FieldPath, path,
		logger.FieldSource, string(source))

	return ResolvedPrompt{
		Content:  body,
		Source:   source,
		GuildID:  rc.GuildID,
		Category: category,
		Path:     path,
		Reason:   joinReasons(reasons),
	}
}

// routeTable loads and parses the guild's routing file through the same
// cache-or-fetch machinery as prompt content.
func (r *Resolver) routeTable(ctx context.Context, rc *guild.RepoConfig, reasons *[]string) *routes.Table {
	content, ok := r.material(ctx, rc, guild.RoutesPath, reasons)
	if !ok {
		return nil
	}

	table, err := routes.Parse(content)
	if err != nil {
		*reasons = append(*reasons, "routing file invalid")
		logger.Warnw("Routing file failed to parse",
			logger.FieldGuildID, rc.GuildID,
			logger.FieldError, err)
		return nil
	}
	return table
}

// material fetches a repository file through the cache with the same
// fresh/stale/miss handling as prompt content. Used for the routing file
// and the repo manifest.
func (r *Resolver) material(ctx context.Context, rc *guild.RepoConfig, path string, reasons *[]string) (string, bool) {
	key := cache.Key(rc.GuildID, rc.SchemaVersion, path)
	entry, freshness, found := r.cache.Get(ctx, key)

	if found {
		if freshness == cache.Stale {
			r.scheduleRefresh(rc, path, key)
			if entry.Age(time.Now()) > staleMaxAge {
				*reasons = append(*reasons, path+" past the one-hour serving limit")
				return "", false
			}
		}
		return entry.Content, true
	}

	entry, err := r.cache.Fill(ctx, key, r.fill(rc, path, key))
	if err != nil {
		*reasons = append(*reasons, path+": "+err.Error())
		return "", false
	}
	return entry.Content, true
}

// fill builds the FillFunc for one repository file: fetch, validate,
// construct the entry. The returned error doubles as
// the skip reason recorded for the level.
func (r *Resolver) fill(rc *guild.RepoConfig, path, key string) cache.FillFunc {
	return func(ctx context.Context) (*cache.Entry, error) {
		out := r.fetchFile(ctx, rc, path)
		if out.Kind != fetch.KindSuccess {
			return nil, errors.Newf("fetch failed: %s", out.Kind)
		}

		if err := checkContent(out.Content, path); err != nil {
			return nil, err
		}

		freshTTL := r.freshTTLFor(ctx, rc, path)
		return cache.NewEntry(key, rc.GuildID, path, out.Content, rc.ConfigVersion, time.Now(), freshTTL, r.cache.StaleGrace()), nil
	}
}

// checkContent applies the validation appropriate to the path: control
// files get structural checks, prompt files additionally get the denylist
// and a frontmatter parse.
func checkContent(content, path string) error {
	if isControlPath(path) {
		if res := validate.ControlFile(content, path); !res.Valid {
			return errors.Newf("validation failed: %s", res.Reason)
		}
		return nil
	}

	if res := validate.Content(content, path); !res.Valid {
		return errors.Newf("validation failed: %s", res.Reason)
	}
	if _, err := ParseDocument(content); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}

// fetchFile resolves the credential reference and performs the remote
// fetch. A broken credential reference degrades to an anonymous request;
// private repositories surface that as an auth failure downstream.
func (r *Resolver) fetchFile(ctx context.Context, rc *guild.RepoConfig, path string) fetch.Outcome {
	credential := ""
	if rc.CredentialRef != "" {
		secret, err := r.secrets.Resolve(rc.CredentialRef)
		if err != nil {
			logger.Warnw("Credential reference unresolvable, fetching anonymously",
				logger.FieldGuildID, rc.GuildID,
				logger.FieldError, err)
		} else {
			credential = secret
		}
	}

	return r.fetcher.File(ctx, fetch.Request{
		GuildID:    rc.GuildID,
		SourceURL:  rc.SourceURL,
		Branch:     rc.Branch,
		Path:       path,
		Credential: credential,
	})
}

// freshTTLFor returns the fresh window for a file, honoring the repo
// manifest when one is cached. The manifest itself always uses the
// default window, and a manifest miss never adds a fetch to the
// caller's critical path: the default applies now and a background
// refresh warms the manifest for later calls.
func (r *Resolver) freshTTLFor(ctx context.Context, rc *guild.RepoConfig, path string) time.Duration {
	def := r.cache.FreshTTL()
	if path == guild.ManifestPath {
		return def
	}

	key := cache.Key(rc.GuildID, rc.SchemaVersion, guild.ManifestPath)
	entry, _, found := r.cache.Get(ctx, key)
	if !found {
		r.scheduleRefresh(rc, guild.ManifestPath, key)
		return def
	}

	manifest, err := ParseManifest([]byte(entry.Content))
	if err != nil {
		return def
	}
	return manifest.FreshTTL(def)
}

// scheduleRefresh queues a background refetch for one key. The config
// version is captured now; if the guild's config changes before the
// refresh lands, its result is discarded.
func (r *Resolver) scheduleRefresh(rc *guild.RepoConfig, path, key string) {
	snapshot := *rc
	stamp := rc.ConfigVersion
	r.pool.Schedule(key, func(ctx context.Context) {
		r.refresh(ctx, &snapshot, path, key, stamp)
	})
}

// refresh is the background task body: fetch, validate, re-check the
// config version stamp, then write the cache. Any failure leaves the
// existing entry untouched.
func (r *Resolver) refresh(ctx context.Context, rc *guild.RepoConfig, path, key string, stamp int64) {
	out := r.fetchFile(ctx, rc, path)
	if out.Kind != fetch.KindSuccess {
		// Most repos carry no manifest; a missing control file is
		// routine, not an incident.
		if out.Kind == fetch.KindNotFound && isControlPath(path) {
			logger.Debugw("Background refresh found no file",
				logger.FieldGuildID, rc.GuildID,
				logger.FieldPath, path)
			return
		}
		logger.RefreshWarnw("Background refresh failed",
			logger.FieldGuildID, rc.GuildID,
			logger.FieldPath, path,
			logger.FieldOutcome, out.Kind.String())
		return
	}

	if err := checkContent(out.Content, path); err != nil {
		logger.RefreshWarnw("Refreshed content rejected",
			logger.FieldGuildID, rc.GuildID,
			logger.FieldPath, path,
			logger.FieldError, err)
		return
	}

	current, err := r.guilds.ConfigVersion(ctx, rc.GuildID)
	if err != nil {
		logger.RefreshWarnw("Config version unreadable, discarding refresh",
			logger.FieldGuildID, rc.GuildID,
			logger.FieldPath, path,
			logger.FieldError, err)
		return
	}
	if current != stamp {
		logger.RefreshInfow("Config changed mid-flight, discarding refresh",
			logger.FieldGuildID, rc.GuildID,
			logger.FieldPath, path,
			"stamped_version", stamp,
			"current_version", current)
		return
	}

	freshTTL := r.freshTTLFor(ctx, rc, path)
	entry := cache.NewEntry(key, rc.GuildID, path, out.Content, current, time.Now(), freshTTL, r.cache.StaleGrace())
	if err := r.cache.Put(ctx, entry); err != nil {
		logger.RefreshWarnw("Refreshed entry failed to persist",
			logger.FieldGuildID, rc.GuildID,
			logger.FieldPath, path,
			logger.FieldError, err)
		return
	}

	logger.RefreshInfow("Refreshed cached content",
		logger.FieldGuildID, rc.GuildID,
		logger.FieldPath, path,
		logger.FieldHash, entry.ContentHash)
}

// Invalidate drops every cached entry for a guild. Called on config
// changes and manual refresh requests; the next resolve refetches.
func (r *Resolver) Invalidate(ctx context.Context, guildID string) (int64, error) {
	return r.cache.InvalidateGuild(ctx, guildID)
}

func mergeVars(category string, vars map[string]string) map[string]string {
	merged := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		merged[k] = v
	}
	if _, ok := merged["category"]; !ok {
		merged["category"] = category
	}
	return merged
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return strings.Join(reasons, "; ")
}

// isControlPath reports whether a repository path is control-plane
// material rather than prompt content.
func isControlPath(path string) bool {
	switch path {
	case guild.RoutesPath, guild.ManifestPath, guild.SchemaMarkerPath:
		return true
	}
	return false
}
