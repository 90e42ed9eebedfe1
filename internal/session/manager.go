package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"mapsync/internal/logging"
	"mapsync/internal/metrics"
)

// Manager owns every open session, keyed by session id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Open registers a new session for conn. A missing user id gets a
// server-assigned one; a missing display name is synthesized from it.
func (m *Manager) Open(conn Conn, userID, username string) *Session {
	if userID == "" {
		userID = uuid.New().String()
	}
	if username == "" {
		username = "guest-" + shortID(userID)
	}

	s := &Session{
		id:       uuid.New().String(),
		userID:   userID,
		username: username,
		conn:     conn,
		rooms:    make(map[string]bool),
		lastSeen: time.Now(),
		alive:    true,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	total := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(total))
	logging.Info().
		Str("session", s.id).
		Str("user", s.userID).
		Str("username", s.username).
		Int("total", total).
		Msg("session opened")
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops the session from the manager. Idempotent; the transport
// is closed by the caller.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	total := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(total))
	logging.Info().Str("session", id).Int("total", total).Msg("session removed")
}

// List returns a snapshot of all open sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func shortID(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
