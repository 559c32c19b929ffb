// Package server is the admin surface: a small HTTP listener exposing
// health, per-guild resolution diagnostics, manual cache refresh, and a
// websocket stream of live resolution events. Resolution never depends
// on it; the process serves prompts whether or not the listener is up.
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/logger"
	"github.com/teranos/grimoire/metrics"
	"github.com/teranos/grimoire/prompt"
	"github.com/teranos/grimoire/sync"
)

// warmTimeout bounds a background cache warm triggered by the refresh
// endpoint. Clones of large prompt repos can be slow; resolution is not
// waiting on this, so the bound is generous.
const warmTimeout = 5 * time.Minute

// Server hosts the admin API.
type Server struct {
	cfg      *config.Config
	resolver *prompt.Resolver
	syncer   *sync.Syncer // nil disables background warms on refresh
	db       *sql.DB
	hub      *Hub
	httpSrv  *http.Server

	warmMu  gosync.Mutex
	warming map[string]struct{}
}

// New builds a Server around an event hub, usually one already wired
// into the metrics fanout. A nil hub gets a private one; a nil syncer
// makes the refresh endpoint invalidate without warming.
func New(cfg *config.Config, resolver *prompt.Resolver, syncer *sync.Syncer, db *sql.DB, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		syncer:   syncer,
		db:       db,
		hub:      hub,
		warming:  make(map[string]struct{}),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub exposes the event hub so callers can wire it into the metrics
// fanout.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the route table. Exported so tests can mount it on
// httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /v1/guilds/{id}/describe", s.requireToken(http.HandlerFunc(s.handleDescribe)))
	mux.Handle("POST /v1/guilds/{id}/refresh", s.requireToken(http.HandlerFunc(s.handleRefresh)))
	mux.Handle("GET /v1/events", s.requireToken(http.HandlerFunc(s.handleEvents)))
	return mux
}

// Start blocks serving the admin API until Shutdown or a listener
// error.
func (s *Server) Start() error {
	logger.Infow("Admin server listening",
		"addr", s.cfg.Server.Addr,
		"auth", s.cfg.Server.AdminToken != "")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown disconnects stream clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return s.httpSrv.Shutdown(ctx)
}

// requireToken guards the /v1 endpoints when an admin token is
// configured. Websocket clients cannot set headers from browsers, so a
// token query parameter is accepted as an alternative.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.AdminToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if presented == r.Header.Get("Authorization") {
			presented = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			logger.GuardWarnw("Admin request rejected",
				logger.FieldPath, r.URL.Path,
				logger.FieldReason, "invalid or missing token")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// describeResponse pairs the static diagnostic with recent resolution
// history for the guild.
type describeResponse struct {
	Diagnostic   prompt.Diagnostic         `json:"diagnostic"`
	RecentEvents []metrics.ResolutionEvent `json:"recent_events"`
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("id")
	category := r.URL.Query().Get("category")
	if category == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "category query parameter is required"})
		return
	}

	vars := map[string]string{}
	for key, values := range r.URL.Query() {
		name, ok := strings.CutPrefix(key, "var.")
		if !ok || len(values) == 0 {
			continue
		}
		vars[name] = values[0]
	}

	diag := s.resolver.Describe(r.Context(), guildID, category, vars)

	recent, err := metrics.Recent(r.Context(), s.db, guildID, 10)
	if err != nil {
		logger.Warnw("Recent events unavailable for describe",
			logger.FieldGuildID, guildID,
			logger.FieldError, err)
		recent = nil
	}

	writeJSON(w, http.StatusOK, describeResponse{Diagnostic: diag, RecentEvents: recent})
}

type refreshResponse struct {
	GuildID     string `json:"guild_id"`
	Invalidated int64  `json:"invalidated"`
	Warming     bool   `json:"warming"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("id")

	dropped, err := s.resolver.Invalidate(r.Context(), guildID)
	if err != nil {
		logger.Warnw("Invalidate failed",
			logger.FieldGuildID, guildID,
			logger.FieldError, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalidation failed"})
		return
	}

	resp := refreshResponse{GuildID: guildID, Invalidated: dropped}
	status := http.StatusOK
	if s.syncer != nil && s.beginWarm(guildID) {
		resp.Warming = true
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// beginWarm starts a background sync for the guild unless one is
// already running. Reports whether a warm was started.
func (s *Server) beginWarm(guildID string) bool {
	s.warmMu.Lock()
	if _, running := s.warming[guildID]; running {
		s.warmMu.Unlock()
		return false
	}
	s.warming[guildID] = struct{}{}
	s.warmMu.Unlock()

	go func() {
		defer func() {
			s.warmMu.Lock()
			delete(s.warming, guildID)
			s.warmMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
		defer cancel()
		if _, err := s.syncer.Run(ctx, guildID); err != nil {
			logger.RefreshWarnw("Background warm failed",
				logger.FieldGuildID, guildID,
				logger.FieldError, err)
		}
	}()
	return true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("Event stream upgrade failed", logger.FieldError, err)
		return
	}

	client := newClient(s.hub, conn)
	s.hub.register(client)
	go client.writePump()
	client.readPump()
}

// checkOrigin admits same-host tools (no Origin header) and any origin
// sharing a configured prefix.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.GetServerAllowedOrigins() {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	logger.GuardWarnw("Event stream origin rejected",
		logger.FieldReason, "origin not allowed",
		"origin", origin)
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debugw("Response encode failed", logger.FieldError, err)
	}
}
