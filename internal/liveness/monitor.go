// Package liveness detects silently dead connections. The monitor pings
// every session on a fixed interval; a session that shows no traffic
// for a full interval after being pinged is terminated through the same
// teardown path as a clean disconnect.
package liveness

import (
	"context"
	"sync"
	"time"

	"mapsync/internal/logging"
	"mapsync/internal/metrics"
	"mapsync/internal/session"
)

// Disconnector tears a session down: leaves its rooms with departure
// broadcasts and releases it. Implemented by dispatch.Dispatcher.
type Disconnector interface {
	Disconnect(s *session.Session)
}

// Monitor runs the periodic ping sweep.
type Monitor struct {
	sessions *session.Manager
	disc     Disconnector
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a monitor sweeping at the given interval.
func NewMonitor(sessions *session.Manager, disc Disconnector, interval time.Duration) *Monitor {
	return &Monitor{
		sessions: sessions,
		disc:     disc,
		interval: interval,
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)

	logging.Info().Dur("interval", m.interval).Msg("liveness monitor started")
	return nil
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	logging.Info().Msg("liveness monitor stopped")
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep terminates sessions that stayed silent through the previous
// interval, then pings the survivors. A session therefore has one full
// interval to produce any traffic before the next sweep reaps it.
func (m *Monitor) sweep() {
	for _, s := range m.sessions.List() {
		if !s.Alive() {
			metrics.SessionsReaped.Inc()
			logging.Warn().
				Str("session", s.ID()).
				Str("user", s.UserID()).
				Time("last_seen", s.LastSeen()).
				Msg("no traffic since last ping, terminating session")
			m.disc.Disconnect(s)
			continue
		}

		s.MarkPinged()
		if err := s.Ping(time.Now().Add(m.interval)); err != nil {
			logging.Warn().Err(err).Str("session", s.ID()).Msg("ping write failed, terminating session")
			m.disc.Disconnect(s)
		}
	}
}
