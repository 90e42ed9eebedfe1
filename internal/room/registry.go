package room

import (
	"sort"
	"sync"
	"time"

	"mapsync/internal/logging"
	"mapsync/internal/metrics"
	"mapsync/internal/session"
)

// Registry owns the name → Room mapping. Rooms are created lazily on
// first join and deleted after a grace period once empty. The registry
// lock is distinct from any room's lock, so operations on different
// rooms never contend.
type Registry struct {
	grace time.Duration

	mu     sync.Mutex
	rooms  map[string]*Room
	timers map[string]*time.Timer
}

// NewRegistry creates a registry with the given empty-room grace period.
func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		grace:  grace,
		rooms:  make(map[string]*Room),
		timers: make(map[string]*time.Timer),
	}
}

// GetOrCreate returns the named room, creating it if absent.
func (reg *Registry) GetOrCreate(name string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.getOrCreateLocked(name)
}

func (reg *Registry) getOrCreateLocked(name string) *Room {
	if r, ok := reg.rooms[name]; ok {
		return r
	}
	r := newRoom(name)
	reg.rooms[name] = r
	metrics.RoomsActive.Set(float64(len(reg.rooms)))
	logging.Info().Str("room", name).Msg("room created")
	return r
}

// Get returns the named room if it exists.
func (reg *Registry) Get(name string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	return r, ok
}

// Join adds the session to the room, reviving it if a cleanup was
// pending, and returns the state snapshot for initial replay.
func (reg *Registry) Join(name string, s *session.Session) (*Room, Snapshot) {
	reg.mu.Lock()
	r := reg.getOrCreateLocked(name)
	if timer, ok := reg.timers[name]; ok {
		timer.Stop()
		delete(reg.timers, name)
		logging.Debug().Str("room", name).Msg("pending cleanup canceled by join")
	}
	reg.mu.Unlock()

	snapshot := r.addMember(s)
	s.TrackJoin(name)
	return r, snapshot
}

// Leave removes the session from the room and arms cleanup if the room
// is now empty. Leaving a room the session never joined is a no-op.
func (reg *Registry) Leave(name string, s *session.Session) (*Room, bool) {
	reg.mu.Lock()
	r, ok := reg.rooms[name]
	reg.mu.Unlock()
	if !ok {
		return nil, false
	}

	s.TrackLeave(name)
	if remaining := r.removeMember(s.ID()); remaining == 0 {
		reg.scheduleCleanup(name)
	}
	return r, true
}

// scheduleCleanup arms a delayed delete for the named room. Emptiness is
// checked again when the timer fires, not when it is armed: a join that
// lands inside the grace period revives the room with its state intact.
func (reg *Registry) scheduleCleanup(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if timer, ok := reg.timers[name]; ok {
		timer.Stop()
	}
	reg.timers[name] = time.AfterFunc(reg.grace, func() {
		reg.expire(name)
	})
	logging.Debug().Str("room", name).Dur("grace", reg.grace).Msg("room cleanup scheduled")
}

func (reg *Registry) expire(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.timers, name)
	r, ok := reg.rooms[name]
	if !ok {
		return
	}
	if r.MemberCount() > 0 {
		// Revived between schedule and fire.
		return
	}
	delete(reg.rooms, name)
	metrics.RoomsActive.Set(float64(len(reg.rooms)))
	metrics.RoomsExpired.Inc()
	logging.Info().Str("room", name).Msg("empty room expired")
}

// List returns summaries of all live rooms, sorted by name.
func (reg *Registry) List() []Info {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	infos := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Stop cancels all pending cleanup timers.
func (reg *Registry) Stop() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for name, timer := range reg.timers {
		timer.Stop()
		delete(reg.timers, name)
	}
}
