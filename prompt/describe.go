package prompt

import (
	"context"
	"time"

	"github.com/teranos/grimoire/cache"
	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/guild"
	"github.com/teranos/grimoire/routes"
)

// Diagnostic reports which fallback level a resolve would use right now.
// It is computed from config and cache state alone: no fetches, no
// refresh scheduling, no metrics. When content is not cached the answer
// is the pessimistic floor — the level a resolve would land on if every
// fetch failed — with the reason noting what a live fetch could change.
type Diagnostic struct {
	GuildID       string `json:"guild_id"`
	Category      string `json:"category"`
	ConfigPresent bool   `json:"config_present"`
	Enabled       bool   `json:"enabled"`
	SchemaVersion string `json:"schema_version,omitempty"`
	// RoutePath is the repository path the routing table maps this
	// category to, when a cached routing file produced one
	RoutePath  string `json:"route_path,omitempty"`
	CacheKey   string `json:"cache_key,omitempty"`
	CacheState string `json:"cache_state,omitempty"`
	WouldUse   Source `json:"would_use"`
	Reason     string `json:"reason"`
	// Variables lists placeholders the winning template expects:
	// frontmatter declarations first, then discovered {{slots}}
	Variables []string `json:"variables,omitempty"`
}

// Describe explains a resolve without performing one.
func (r *Resolver) Describe(ctx context.Context, guildID, category string, vars map[string]string) Diagnostic {
	d := Diagnostic{GuildID: guildID, Category: category}
	merged := mergeVars(category, vars)
	var reasons []string

	rc, err := r.guilds.Get(ctx, guildID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		reasons = append(reasons, "no repository configured")
		return r.builtinDiag(d, category, reasons)
	case err != nil:
		reasons = append(reasons, "config unreadable")
		return r.builtinDiag(d, category, reasons)
	}

	d.ConfigPresent = true
	d.Enabled = rc.Enabled
	d.SchemaVersion = rc.SchemaVersion
	if !rc.Enabled {
		reasons = append(reasons, "repository disabled")
		return r.builtinDiag(d, category, reasons)
	}

	table, ok := r.cachedRoutes(ctx, rc, &reasons)
	if !ok {
		return r.builtinDiag(d, category, reasons)
	}

	path, ok := table.Resolve(merged)
	if !ok {
		reasons = append(reasons, "no route matched")
		return r.builtinDiag(d, category, reasons)
	}
	d.RoutePath = path
	d.CacheKey = cache.Key(rc.GuildID, rc.SchemaVersion, path)

	entry, freshness, found := r.cache.Get(ctx, d.CacheKey)
	if !found {
		d.CacheState = "missing"
		reasons = append(reasons, "content not cached; a live resolve would fetch it")
		return r.builtinDiag(d, category, reasons)
	}

	d.CacheState = freshness.String()
	switch {
	case freshness == cache.Fresh:
		d.WouldUse = SourceCustomFresh
		reasons = append(reasons, "cache fresh")
	case entry.Age(time.Now()) <= staleMaxAge:
		d.WouldUse = SourceCustomStale
		reasons = append(reasons, "fresh window elapsed, a resolve would serve stale and refresh")
	default:
		reasons = append(reasons, "stale content past the one-hour serving limit")
		return r.builtinDiag(d, category, reasons)
	}

	d.Reason = joinReasons(reasons)
	d.Variables = templateVariables(entry.Content)
	return d
}

// cachedRoutes loads the routing table from cache only. A missing or
// unusable routing file ends level 1 for diagnostic purposes even though
// a live resolve might fetch a working one.
func (r *Resolver) cachedRoutes(ctx context.Context, rc *guild.RepoConfig, reasons *[]string) (*routes.Table, bool) {
	key := cache.Key(rc.GuildID, rc.SchemaVersion, guild.RoutesPath)
	entry, freshness, found := r.cache.Get(ctx, key)
	if !found {
		*reasons = append(*reasons, "routing file not cached; a live resolve would fetch it")
		return nil, false
	}
	if freshness == cache.Stale && entry.Age(time.Now()) > staleMaxAge {
		*reasons = append(*reasons, "routing file past the one-hour serving limit")
		return nil, false
	}

	table, err := routes.Parse(entry.Content)
	if err != nil {
		*reasons = append(*reasons, "routing file invalid")
		return nil, false
	}
	return table, true
}

// builtinDiag fills in the level 3/4 verdict.
func (r *Resolver) builtinDiag(d Diagnostic, category string, reasons []string) Diagnostic {
	if body, ok := r.defaults.Category(category); ok {
		d.WouldUse = SourceCategoryDefault
		d.Reason = joinReasons(reasons)
		d.Variables = Placeholders(body)
		return d
	}

	reasons = append(reasons, "unknown category")
	d.WouldUse = SourceGlobalFallback
	d.Reason = joinReasons(reasons)
	return d
}

// templateVariables merges frontmatter-declared variables with
// placeholders discovered in the body, declared first.
func templateVariables(content string) []string {
	doc, err := ParseDocument(content)
	if err != nil {
		return Placeholders(content)
	}

	seen := make(map[string]struct{}, len(doc.Meta.Variables))
	out := make([]string, 0, len(doc.Meta.Variables))
	for _, v := range doc.Meta.Variables {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range Placeholders(doc.Body) {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
