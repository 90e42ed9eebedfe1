package room

import (
	"sync"
	"time"

	"mapsync/internal/session"
	"mapsync/pkg/protocol"
)

// Room is a named, ephemeral collaboration channel: a member set plus the
// shared feature and annotation tables. One mutex guards all three; room
// sizes make finer-grained locking pointless. Callers never send frames
// while holding the lock.
type Room struct {
	name string

	mu          sync.Mutex
	members     map[string]*session.Session
	features    map[string]protocol.Payload
	annotations map[string]protocol.Payload
	createdAt   time.Time
	lastActive  time.Time
}

func newRoom(name string) *Room {
	now := time.Now()
	return &Room{
		name:        name,
		members:     make(map[string]*session.Session),
		features:    make(map[string]protocol.Payload),
		annotations: make(map[string]protocol.Payload),
		createdAt:   now,
		lastActive:  now,
	}
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// Snapshot is the initial-state replay sent to a joining session.
type Snapshot struct {
	Features    map[string]protocol.Payload `json:"features"`
	Annotations map[string]protocol.Payload `json:"annotations"`
	MemberCount int                         `json:"memberCount"`
}

// addMember registers a session and returns the state snapshot taken
// under the same lock, so a joiner never misses a concurrent mutation.
func (r *Room) addMember(s *session.Session) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[s.ID()] = s
	r.lastActive = time.Now()
	return r.snapshotLocked()
}

// removeMember drops a session and reports the remaining member count.
func (r *Room) removeMember(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
	r.lastActive = time.Now()
	return len(r.members)
}

func (r *Room) snapshotLocked() Snapshot {
	features := make(map[string]protocol.Payload, len(r.features))
	for id, p := range r.features {
		features[id] = p.Clone()
	}
	annotations := make(map[string]protocol.Payload, len(r.annotations))
	for id, p := range r.annotations {
		annotations[id] = p.Clone()
	}
	return Snapshot{
		Features:    features,
		Annotations: annotations,
		MemberCount: len(r.members),
	}
}

// Snapshot returns a copy of the room's shared state.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Members returns the current member sessions. The slice is a snapshot;
// broadcast iterates it after the room lock is released.
func (r *Room) Members() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, s)
	}
	return out
}

// MemberCount returns the number of joined sessions.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// CreateFeature inserts (or replaces) a feature by id.
func (r *Room) CreateFeature(id string, payload protocol.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features[id] = payload.Clone()
	r.lastActive = time.Now()
}

// UpdateFeature shallow-merges patch onto the stored feature. Returns the
// merged payload, or false if the id is unknown; an update to a missing
// feature changes nothing.
func (r *Room) UpdateFeature(id string, patch protocol.Payload) (protocol.Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.features[id]
	if !ok {
		return nil, false
	}
	merged := existing.Merge(patch)
	r.features[id] = merged
	r.lastActive = time.Now()
	return merged.Clone(), true
}

// DeleteFeature removes a feature by id. Returns false if absent.
func (r *Room) DeleteFeature(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.features[id]; !ok {
		return false
	}
	delete(r.features, id)
	r.lastActive = time.Now()
	return true
}

// CreateAnnotation inserts (or replaces) an annotation by id.
func (r *Room) CreateAnnotation(id string, payload protocol.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.annotations[id] = payload.Clone()
	r.lastActive = time.Now()
}

// UpdateAnnotation shallow-merges patch onto the stored annotation.
func (r *Room) UpdateAnnotation(id string, patch protocol.Payload) (protocol.Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.annotations[id]
	if !ok {
		return nil, false
	}
	merged := existing.Merge(patch)
	r.annotations[id] = merged
	r.lastActive = time.Now()
	return merged.Clone(), true
}

// DeleteAnnotation removes an annotation by id. Returns false if absent.
func (r *Room) DeleteAnnotation(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.annotations[id]; !ok {
		return false
	}
	delete(r.annotations, id)
	r.lastActive = time.Now()
	return true
}

// Info is the read-only room summary served by the HTTP API.
type Info struct {
	Name        string    `json:"name"`
	Members     int       `json:"members"`
	Features    int       `json:"features"`
	Annotations int       `json:"annotations"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
}

// Info returns a summary of the room.
func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		Name:        r.name,
		Members:     len(r.members),
		Features:    len(r.features),
		Annotations: len(r.annotations),
		CreatedAt:   r.createdAt,
		LastActive:  r.lastActive,
	}
}
