// Package archive persists room events to SQLite for auditing. Writes
// go through a single writer goroutine; SQLite tolerates concurrent
// readers but a single write path avoids lock contention entirely.
// Recording is best-effort: a full queue drops the event rather than
// stalling dispatch.
package archive

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"mapsync/internal/logging"
	"mapsync/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	room      TEXT    NOT NULL,
	kind      TEXT    NOT NULL,
	user_id   TEXT    NOT NULL,
	username  TEXT    NOT NULL,
	payload   TEXT    NOT NULL,
	ts        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_room_events_room_ts ON room_events(room, ts);
`

// Event is one archived room event.
type Event struct {
	Room     string `json:"room"`
	Kind     string `json:"kind"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Payload  string `json:"payload"`
	TS       int64  `json:"timestamp"`
}

// Archive is the SQLite-backed event log.
type Archive struct {
	db    *sql.DB
	queue chan *protocol.Envelope

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Open opens or creates the archive database at path and starts the
// writer goroutine.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}

	a := &Archive{
		db:    db,
		queue: make(chan *protocol.Envelope, 256),
		done:  make(chan struct{}),
	}
	go a.writeLoop()

	logging.Info().Str("path", path).Msg("event archive opened")
	return a, nil
}

// Record queues an event for persistence. Never blocks: if the writer
// is behind, the event is dropped with a warning.
func (a *Archive) Record(env *protocol.Envelope) {
	// The lock is held across the enqueue so Close cannot close the
	// channel between the check and the send. The send never blocks.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- env:
	default:
		logging.Warn().Str("kind", string(env.Kind)).Str("room", env.Room).Msg("archive queue full, dropping event")
	}
}

// Recent returns up to limit events for a room, newest first.
func (a *Archive) Recent(room string, limit int) ([]Event, error) {
	rows, err := a.db.Query(
		`SELECT room, kind, user_id, username, payload, ts
		 FROM room_events WHERE room = ? ORDER BY ts DESC LIMIT ?`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Room, &e.Kind, &e.UserID, &e.Username, &e.Payload, &e.TS); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close stops the writer after draining queued events and closes the
// database.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.db.Close()
}

func (a *Archive) writeLoop() {
	defer close(a.done)
	for env := range a.queue {
		a.insert(env)
	}
}

func (a *Archive) insert(env *protocol.Envelope) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		logging.Warn().Err(err).Str("kind", string(env.Kind)).Msg("archive payload marshal failed")
		return
	}

	ts := env.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	_, err = a.db.Exec(
		`INSERT INTO room_events (room, kind, user_id, username, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		env.Room, string(env.Kind), env.UserID, env.Username, string(payload), ts)
	if err != nil {
		logging.Warn().Err(err).Str("kind", string(env.Kind)).Str("room", env.Room).Msg("archive insert failed")
	}
}
