package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/grimoire/cache"
	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/fetch"
	"github.com/teranos/grimoire/guild"
	grimtest "github.com/teranos/grimoire/internal/testing"
	"github.com/teranos/grimoire/metrics"
	"github.com/teranos/grimoire/prompt"
	"github.com/teranos/grimoire/sync"
)

type memConfigStore struct {
	mu      gosync.Mutex
	configs map[string]*guild.RepoConfig
}

func (m *memConfigStore) Get(ctx context.Context, guildID string) (*guild.RepoConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.configs[guildID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "guild %s", guildID)
	}
	cp := *rc
	return &cp, nil
}

func (m *memConfigStore) ConfigVersion(ctx context.Context, guildID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.configs[guildID]
	if !ok {
		return 0, errors.Wrapf(errors.ErrNotFound, "guild %s", guildID)
	}
	return rc.ConfigVersion, nil
}

// nullFetcher answers every fetch with not-found. The endpoints under
// test never fetch; describe is cache-only and refresh only invalidates.
type nullFetcher struct{}

func (nullFetcher) File(ctx context.Context, req fetch.Request) fetch.Outcome {
	return fetch.Outcome{Kind: fetch.KindNotFound, Status: 404}
}

type nopScheduler struct{}

func (nopScheduler) Schedule(string, func(context.Context)) bool { return true }

// blockingGuildStore holds sync runs on Get until released, so tests
// control how long a background warm stays in flight.
type blockingGuildStore struct {
	release chan struct{}
}

func (b *blockingGuildStore) Get(ctx context.Context, guildID string) (*guild.RepoConfig, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "guild %s", guildID)
}

func (b *blockingGuildStore) SetSchemaVersion(ctx context.Context, guildID, schema string) (int64, error) {
	return 0, nil
}

func (b *blockingGuildStore) UpdateSyncStatus(ctx context.Context, guildID, status string, validationErrors []string) error {
	return nil
}

type adminHarness struct {
	t      *testing.T
	srv    *Server
	ts     *httptest.Server
	db     *sql.DB
	cache  *cache.Store
	guilds *memConfigStore
}

func newAdminHarness(t *testing.T, adminToken string, syncer *sync.Syncer) *adminHarness {
	t.Helper()

	db := grimtest.CreateMigratedTestDB(t)
	store := cache.New(db, cache.DefaultConfig())
	t.Cleanup(store.Close)

	defaults, err := prompt.LoadDefaults()
	require.NoError(t, err)

	guilds := &memConfigStore{configs: make(map[string]*guild.RepoConfig)}
	resolver := prompt.NewResolver(guilds, guild.EnvSecretStore{}, nullFetcher{},
		store, nopScheduler{}, defaults, metrics.Fanout{})

	cfg := &config.Config{}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.AdminToken = adminToken

	srv := New(cfg, resolver, syncer, db, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &adminHarness{t: t, srv: srv, ts: ts, db: db, cache: store, guilds: guilds}
}

func (h *adminHarness) addGuild(guildID string) *guild.RepoConfig {
	rc := &guild.RepoConfig{
		GuildID:       guildID,
		Owner:         "acme",
		Repo:          "prompts",
		SourceURL:     "https://git.example.com/acme/prompts",
		Branch:        "main",
		Enabled:       true,
		SchemaVersion: guild.OldestSchema,
		ConfigVersion: 1,
	}
	h.guilds.mu.Lock()
	h.guilds.configs[guildID] = rc
	h.guilds.mu.Unlock()
	return rc
}

func (h *adminHarness) seed(rc *guild.RepoConfig, path, content string) {
	h.t.Helper()
	key := cache.Key(rc.GuildID, rc.SchemaVersion, path)
	e := cache.NewEntry(key, rc.GuildID, path, content, rc.ConfigVersion,
		time.Now(), h.cache.FreshTTL(), h.cache.StaleGrace())
	require.NoError(h.t, h.cache.Put(context.Background(), e))
}

func (h *adminHarness) get(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(h.t, err)
	return resp
}

func (h *adminHarness) post(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Post(h.ts.URL+path, "application/json", nil)
	require.NoError(h.t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

const seededPrompt = `---
name: support-opener
variables:
  - channel
---
You are support in {{channel}}.`

func TestHealthzOpenWithoutToken(t *testing.T) {
	h := newAdminHarness(t, "sesame", nil)

	resp := h.get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestDescribeRequiresCategory(t *testing.T) {
	h := newAdminHarness(t, "", nil)

	resp := h.get("/v1/guilds/guild-1/describe")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDescribeReportsDiagnosticAndHistory(t *testing.T) {
	h := newAdminHarness(t, "", nil)
	rc := h.addGuild("guild-1")
	h.seed(rc, guild.RoutesPath, "{category}/system.md")
	h.seed(rc, "support/system.md", seededPrompt)

	recorder := metrics.NewStoreEmitter(h.db, 100)
	recorder.Emit(metrics.NewEvent("guild-1", "support", "custom_fresh",
		"support/system.md", "", 12*time.Millisecond))
	recorder.Close()

	resp := h.get("/v1/guilds/guild-1/describe?category=support")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[describeResponse](t, resp)

	assert.Equal(t, "guild-1", body.Diagnostic.GuildID)
	assert.Equal(t, prompt.SourceCustomFresh, body.Diagnostic.WouldUse)
	assert.Equal(t, "fresh", body.Diagnostic.CacheState)
	assert.Equal(t, "support/system.md", body.Diagnostic.RoutePath)
	assert.Equal(t, []string{"channel"}, body.Diagnostic.Variables)

	require.Len(t, body.RecentEvents, 1)
	assert.Equal(t, "custom_fresh", body.RecentEvents[0].Source)
}

func TestDescribeUnknownGuildFallsBack(t *testing.T) {
	h := newAdminHarness(t, "", nil)

	resp := h.get("/v1/guilds/ghost/describe?category=chat")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[describeResponse](t, resp)

	assert.Equal(t, prompt.SourceCategoryDefault, body.Diagnostic.WouldUse)
	assert.False(t, body.Diagnostic.ConfigPresent)
	assert.Contains(t, body.Diagnostic.Reason, "no repository configured")
	assert.Empty(t, body.RecentEvents)
}

func TestRefreshInvalidatesAndReportsCount(t *testing.T) {
	h := newAdminHarness(t, "", nil)
	rc := h.addGuild("guild-1")
	h.seed(rc, guild.RoutesPath, "{category}/system.md")
	h.seed(rc, "support/system.md", seededPrompt)

	resp := h.post("/v1/guilds/guild-1/refresh")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[refreshResponse](t, resp)

	assert.Equal(t, "guild-1", body.GuildID)
	assert.Equal(t, int64(2), body.Invalidated)
	assert.False(t, body.Warming)

	key := cache.Key("guild-1", rc.SchemaVersion, "support/system.md")
	_, _, found := h.cache.Get(context.Background(), key)
	assert.False(t, found)
}

func TestRefreshStartsOneBackgroundWarm(t *testing.T) {
	store := &blockingGuildStore{release: make(chan struct{})}
	db := grimtest.CreateMigratedTestDB(t)
	cacheStore := cache.New(db, cache.DefaultConfig())
	t.Cleanup(cacheStore.Close)
	syncer := sync.New(store, guild.EnvSecretStore{}, cacheStore, 2)

	h := newAdminHarness(t, "", syncer)
	h.addGuild("guild-1")

	first := h.post("/v1/guilds/guild-1/refresh")
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	assert.True(t, decodeBody[refreshResponse](t, first).Warming)

	// The first warm is still blocked on Get, so no second one starts.
	second := h.post("/v1/guilds/guild-1/refresh")
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.False(t, decodeBody[refreshResponse](t, second).Warming)

	close(store.release)
	require.Eventually(t, func() bool {
		h.srv.warmMu.Lock()
		defer h.srv.warmMu.Unlock()
		return len(h.srv.warming) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdminTokenGuardsV1Endpoints(t *testing.T) {
	h := newAdminHarness(t, "sesame", nil)

	bare := h.get("/v1/guilds/guild-1/describe?category=chat")
	bare.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bare.StatusCode)

	req, err := http.NewRequest(http.MethodGet,
		h.ts.URL+"/v1/guilds/guild-1/describe?category=chat", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	wrong, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	wrong.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, wrong.StatusCode)

	req.Header.Set("Authorization", "Bearer sesame")
	good, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	good.Body.Close()
	assert.Equal(t, http.StatusOK, good.StatusCode)

	viaQuery := h.get("/v1/guilds/guild-1/describe?category=chat&token=sesame")
	viaQuery.Body.Close()
	assert.Equal(t, http.StatusOK, viaQuery.StatusCode)
}

func (h *adminHarness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/events" + query
}

func TestEventStreamDeliversResolutionEvents(t *testing.T) {
	h := newAdminHarness(t, "", nil)

	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return h.srv.Hub().ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	sent := metrics.NewEvent("guild-1", "chat", "custom_fresh", "chat/system.md", "", 10*time.Millisecond)
	h.srv.Hub().Emit(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got metrics.ResolutionEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "guild-1", got.GuildID)
	assert.Equal(t, "custom_fresh", got.Source)

	h.srv.Hub().closeAll()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var after metrics.ResolutionEvent
	assert.Error(t, conn.ReadJSON(&after))
}

func TestEventStreamRequiresToken(t *testing.T) {
	h := newAdminHarness(t, "sesame", nil)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, okResp, err := websocket.DefaultDialer.Dial(h.wsURL("?token=sesame"), nil)
	require.NoError(t, err)
	if okResp != nil {
		okResp.Body.Close()
	}
	conn.Close()
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	h := newAdminHarness(t, "", nil)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	if resp != nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestHubDropsEventsForSlowClients(t *testing.T) {
	hub := NewHub()
	client := &Client{send: make(chan metrics.ResolutionEvent, 1), id: "slow"}
	hub.register(client)

	first := metrics.NewEvent("guild-1", "chat", "custom_fresh", "", "", 0)
	second := metrics.NewEvent("guild-1", "chat", "custom_fresh", "", "", 0)
	hub.Emit(first)
	hub.Emit(second) // buffer full, dropped

	require.Len(t, client.send, 1)
	got := <-client.send
	assert.Equal(t, first.ID, got.ID)

	hub.unregister(client)
	_, open := <-client.send
	assert.False(t, open)
	assert.Zero(t, hub.ClientCount())

	// A second unregister of the same client is a no-op.
	hub.unregister(client)
}

func TestEmitWithNoClientsIsHarmless(t *testing.T) {
	hub := NewHub()
	hub.Emit(metrics.NewEvent("guild-1", "chat", "global_fallback", "", "", 0))
	assert.Zero(t, hub.ClientCount())
}
