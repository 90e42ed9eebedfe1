// Package app wires the subsystem together and owns startup and
// shutdown ordering.
package app

import (
	"context"
	"fmt"
	"time"

	"mapsync/internal/api"
	"mapsync/internal/archive"
	"mapsync/internal/broadcast"
	"mapsync/internal/config"
	"mapsync/internal/dispatch"
	"mapsync/internal/liveness"
	"mapsync/internal/logging"
	"mapsync/internal/room"
	"mapsync/internal/session"
	"mapsync/internal/websocket"
)

// Application holds every long-lived component. Construction order runs
// leaf-first: archive, then state (sessions, rooms), then routing, then
// the transport and HTTP front. Shutdown runs the same chain in reverse.
type Application struct {
	cfg        *config.Config
	events     *archive.Archive
	sessions   *session.Manager
	registry   *room.Registry
	dispatcher *dispatch.Dispatcher
	monitor    *liveness.Monitor
	server     *api.Server

	serveErr chan error
}

// NewApplication builds the component graph from cfg.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var events *archive.Archive
	if cfg.Archive.Enabled {
		var err error
		events, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return nil, fmt.Errorf("open event archive: %w", err)
		}
	}

	sessions := session.NewManager()
	registry := room.NewRegistry(cfg.Room.CleanupGrace)

	var recorder dispatch.Archiver
	if events != nil {
		recorder = events
	}
	dispatcher := dispatch.NewDispatcher(registry, sessions, broadcast.NewEngine(), recorder, dispatch.Limits{
		PerSecond: cfg.Limit.PerSecond,
		Burst:     cfg.Limit.Burst,
	})

	monitor := liveness.NewMonitor(sessions, dispatcher, cfg.WebSocket.PingInterval)
	wsHandler := websocket.NewHandler(sessions, dispatcher, cfg.WebSocket)
	server := api.NewServer(cfg.Server, wsHandler, registry, sessions, events)

	return &Application{
		cfg:        cfg,
		events:     events,
		sessions:   sessions,
		registry:   registry,
		dispatcher: dispatcher,
		monitor:    monitor,
		server:     server,
		serveErr:   make(chan error, 1),
	}, nil
}

// Start launches the liveness monitor and the HTTP listener, then blocks
// until the context is canceled or the listener fails.
func (app *Application) Start(ctx context.Context) error {
	if err := app.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start liveness monitor: %w", err)
	}

	go func() {
		app.serveErr <- app.server.Start()
	}()

	select {
	case <-ctx.Done():
		return app.shutdown()
	case err := <-app.serveErr:
		_ = app.shutdown()
		return err
	}
}

// shutdown tears components down in reverse construction order: stop
// accepting traffic, stop the monitor, close every session, then flush
// the archive.
func (app *Application) shutdown() error {
	logging.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("http shutdown did not drain cleanly")
	}

	if err := app.monitor.Stop(); err != nil {
		logging.Warn().Err(err).Msg("liveness monitor stop failed")
	}

	for _, s := range app.sessions.List() {
		app.dispatcher.Disconnect(s)
	}
	app.registry.Stop()

	if app.events != nil {
		if err := app.events.Close(); err != nil {
			logging.Warn().Err(err).Msg("archive close failed")
		}
	}

	logging.Info().Msg("shutdown complete")
	return nil
}
