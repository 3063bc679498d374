// Package devremote is a small PostgREST-compatible backend over SQLite
// for local development and integration tests. It serves pull and upsert
// endpoints per table and a Phoenix-style realtime websocket.
package devremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/marcus/herd/internal/realtime"
)

// Server is the HTTP server for herd-sync.
type Server struct {
	config      Config
	http        *http.Server
	db          *DB
	tables      map[string]Table
	hub         *Hub
	metrics     *Metrics
	rateLimiter *RateLimiter
	handler     http.Handler
	listener    net.Listener
}

// NewServer creates a server for the given tables.
func NewServer(cfg Config, db *DB, tables []Table) (*Server, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to serve")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	s := &Server{
		config:      cfg,
		db:          db,
		tables:      make(map[string]Table, len(tables)),
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}
	for _, t := range tables {
		if t.Name == "" || t.PrimaryKey == "" {
			return nil, fmt.Errorf("table %q needs a name and primary key", t.Name)
		}
		s.tables[t.Name] = t
	}
	s.hub = NewHub(s.validToken, s.metrics)
	s.handler = s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub { return s.hub }

// Metrics returns the live metrics.
func (s *Server) Metrics() MetricsSnapshot {
	snap := s.metrics.Snapshot()
	snap.RealtimeClients = s.hub.Count()
	return snap
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Shutdown drops realtime clients and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.rateLimiter.Stop()
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("GET /rest/v1/{table}", s.requireAuth(s.withRateLimit(s.handlePull, "pull", s.config.RateLimitPull)))
	mux.HandleFunc("POST /rest/v1/{table}", s.requireAuth(s.withRateLimit(s.handlePush, "push", s.config.RateLimitPush)))

	mux.HandleFunc("GET /realtime/v1/websocket", s.handleRealtime)

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, corsMiddleware(s.config.CORSAllowedOrigins), maxBytesMiddleware(s.config.MaxBodyBytes))
}

// handleHealth pings the database and reports row counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	counts, err := s.db.Counts(r.Context())
	if err != nil {
		logFor(r.Context()).Error("count records", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tables": counts})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Metrics())
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (Table, bool) {
	name := r.PathValue("table")
	t, ok := s.tables[name]
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("table %s not found", name))
	}
	return t, ok
}

// handlePull serves one page of a table after the requested cursor.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	page, err := parsePull(r.URL.Query(), t)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidQuery, err.Error())
		return
	}
	records, err := s.db.Pull(r.Context(), t.Name, page)
	if err != nil {
		logFor(r.Context()).Error("pull", "table", t.Name, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "pull failed")
		return
	}
	s.metrics.RecordPull(len(records))
	writeJSON(w, http.StatusOK, records)
}

// handlePush upserts a JSON array (or single object) of records and
// broadcasts one change per accepted record.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	prefer := r.Header.Get("Prefer")
	if !strings.Contains(prefer, "resolution=merge-duplicates") {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "only upserts are supported (Prefer: resolution=merge-duplicates)")
		return
	}

	records, err := decodeRecords(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	res, err := s.db.Upsert(r.Context(), t, records)
	if errors.Is(err, ErrMissingKey) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if err != nil {
		logFor(r.Context()).Error("upsert", "table", t.Name, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "upsert failed")
		return
	}
	s.metrics.RecordPush(len(res.Changes), res.Stale)
	if res.Stale > 0 {
		logFor(r.Context()).Debug("stale records ignored", "table", t.Name, "count", res.Stale)
	}

	for _, c := range res.Changes {
		typ := realtime.EventUpdate
		switch {
		case c.Deleted:
			typ = realtime.EventDelete
		case c.Created:
			typ = realtime.EventInsert
		}
		s.hub.Broadcast(realtime.Notification{Schema: s.config.Schema, Table: t.Name, Type: typ})
	}

	if strings.Contains(prefer, "return=representation") {
		writeJSON(w, http.StatusCreated, records)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func decodeRecords(r *http.Request) ([]map[string]any, error) {
	var raw json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		raw = json.RawMessage("[" + trimmed + "]")
	}
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("body must be a JSON object or array of objects: %w", err)
	}
	return records, nil
}

// handleRealtime checks the project key and hands the socket to the hub.
// Tokens are checked per join.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if !s.apiKeyOK(r) {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid api key")
		return
	}
	s.hub.ServeHTTP(w, r)
}
