// Package api exposes the HTTP surface: the websocket endpoint, health
// and metrics probes, and a small read-only JSON API over rooms.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mapsync/internal/archive"
	"mapsync/internal/config"
	"mapsync/internal/logging"
	"mapsync/internal/room"
	"mapsync/internal/session"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server is the HTTP front of the subsystem.
type Server struct {
	http     *http.Server
	registry *room.Registry
	sessions *session.Manager
	archive  *archive.Archive
	started  time.Time
}

// NewServer builds the router and the listener. wsHandler serves the
// websocket endpoint; events may be nil when the archive is disabled.
func NewServer(cfg config.ServerConfig, wsHandler http.Handler, registry *room.Registry, sessions *session.Manager, events *archive.Archive) *Server {
	s := &Server{
		registry: registry,
		sessions: sessions,
		archive:  events,
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", wsHandler)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms", s.handleRooms)
		r.Get("/rooms/{room}/events", s.handleRoomEvents)
		r.Get("/stats", s.handleStats)
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms": s.registry.List(),
	})
}

func (s *Server) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "event archive disabled"})
		return
	}

	events, err := s.archive.Recent(chi.URLParam(r, "room"), 100)
	if err != nil {
		logging.Error().Err(err).Msg("archive query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "archive query failed"})
		return
	}
	if events == nil {
		events = []archive.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.Count(),
		"rooms":    s.registry.Count(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("response encode failed")
	}
}
