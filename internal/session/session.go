package session

import (
	"sync"
	"time"

	"mapsync/pkg/protocol"
)

// Conn is the transport half of a session. Send enqueues a frame on the
// connection's outbound queue without blocking; Ping writes a control
// frame. Implemented by internal/websocket.Connection.
type Conn interface {
	Send(data []byte) error
	Ping(deadline time.Time) error
	Close() error
}

// Session is the server-side state for one live client connection. It is
// owned by the Manager; room member sets hold non-owning references.
type Session struct {
	id       string
	userID   string
	username string
	conn     Conn

	mu       sync.Mutex
	rooms    map[string]bool
	lastSeen time.Time
	alive    bool
	closed   bool
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the sender identity for this connection.
func (s *Session) UserID() string { return s.userID }

// Username returns the display name.
func (s *Session) Username() string { return s.username }

// Touch records traffic from the client. Any traffic counts as proof of
// life, including a heartbeat or pong.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	s.alive = true
}

// LastSeen returns the last-activity timestamp.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Alive reports whether the session has shown traffic since the last
// liveness ping.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// MarkPinged clears the alive flag. The liveness monitor calls this when
// it sends a ping; the flag is set again by Touch on any traffic.
func (s *Session) MarkPinged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
}

// TrackJoin records room membership on the session side.
func (s *Session) TrackJoin(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = true
}

// TrackLeave removes a room from the membership set.
func (s *Session) TrackLeave(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

// Rooms returns the names of all rooms this session has joined.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	return names
}

// InRoom reports whether the session is a member of the named room.
func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[room]
}

// Send enqueues a raw frame for delivery.
func (s *Session) Send(data []byte) error {
	return s.conn.Send(data)
}

// SendEnvelope serializes and enqueues an envelope for this session only.
func (s *Session) SendEnvelope(env *protocol.Envelope) error {
	env.StampNow()
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.conn.Send(data)
}

// Ping writes a websocket ping control frame.
func (s *Session) Ping(deadline time.Time) error {
	return s.conn.Ping(deadline)
}

// Close tears down the transport. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
