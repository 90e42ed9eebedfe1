// Package dispatch routes canonical envelopes to room mutations and
// broadcasts. One Dispatcher instance serves every connection; all room
// state it touches is guarded by the room's own lock.
package dispatch

import (
	"sync"

	"golang.org/x/time/rate"

	"mapsync/internal/broadcast"
	"mapsync/internal/logging"
	"mapsync/internal/metrics"
	"mapsync/internal/room"
	"mapsync/internal/session"
	"mapsync/pkg/protocol"
)

// Archiver records room events for the audit log. Recording is
// best-effort and must never block dispatch.
type Archiver interface {
	Record(env *protocol.Envelope)
}

// Limits is the per-session inbound rate limit.
type Limits struct {
	PerSecond float64
	Burst     int
}

// Dispatcher routes messages by kind: membership changes and record
// mutations go through the room registry, stateless kinds are broadcast
// verbatim, heartbeats are answered directly.
type Dispatcher struct {
	registry *room.Registry
	sessions *session.Manager
	engine   *broadcast.Engine
	archive  Archiver
	limits   Limits

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a dispatcher. archive may be nil.
func NewDispatcher(registry *room.Registry, sessions *session.Manager, engine *broadcast.Engine, archive Archiver, limits Limits) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sessions: sessions,
		engine:   engine,
		archive:  archive,
		limits:   limits,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Handle processes one inbound envelope from s. It never returns an
// error to the read loop: every failure mode is a logged no-op or an
// error reply to the sender, and the connection stays open.
func (d *Dispatcher) Handle(s *session.Session, env *protocol.Envelope) {
	s.Touch()

	// The server owns sender attribution; client-supplied identity
	// fields are overwritten.
	env.UserID = s.UserID()
	env.Username = s.Username()
	env.StampNow()

	if !d.allow(s.ID()) {
		d.sendError(s, "rate limit exceeded, message dropped")
		return
	}

	metrics.MessagesTotal.WithLabelValues(string(env.Kind)).Inc()

	if env.Kind.RoomScoped() && env.Room == "" {
		logging.Warn().
			Str("session", s.ID()).
			Str("kind", string(env.Kind)).
			Msg("room-scoped message without roomId, ignoring")
		return
	}

	switch env.Kind {
	case protocol.KindJoin:
		d.handleJoin(s, env)
	case protocol.KindLeave:
		d.handleLeave(s, env)
	case protocol.KindCursorMove, protocol.KindChat:
		d.handleRelay(s, env)
	case protocol.KindFeatureCreate, protocol.KindFeatureUpdate, protocol.KindFeatureDelete,
		protocol.KindAnnotationCreate, protocol.KindAnnotationUpdate, protocol.KindAnnotationDelete:
		d.handleMutation(s, env)
	case protocol.KindHeartbeat:
		d.handleHeartbeat(s)
	default:
		// Server-only kinds arriving from a client, or anything the codec
		// let through that we don't route.
		logging.Warn().Str("kind", string(env.Kind)).Str("session", s.ID()).Msg("unroutable kind, ignoring")
	}
}

// handleJoin adds the session to the room, replays the room state to the
// joiner privately, and announces the arrival to everyone else.
func (d *Dispatcher) handleJoin(s *session.Session, env *protocol.Envelope) {
	r, snap := d.registry.Join(env.Room, s)

	state := &protocol.Envelope{
		Kind: protocol.KindRoomState,
		Room: env.Room,
		Payload: protocol.Payload{
			"features":    snap.Features,
			"annotations": snap.Annotations,
			"memberCount": snap.MemberCount,
		},
	}
	if err := s.SendEnvelope(state); err != nil {
		logging.Warn().Err(err).Str("session", s.ID()).Str("room", env.Room).Msg("room-state replay failed")
	}

	notice := &protocol.Envelope{
		Kind:     protocol.KindMemberJoined,
		Room:     env.Room,
		UserID:   s.UserID(),
		Username: s.Username(),
		Payload:  protocol.Payload{"memberCount": snap.MemberCount},
	}
	d.engine.Send(r.Members(), notice, s.ID())
	d.record(env)

	logging.Info().
		Str("room", env.Room).
		Str("session", s.ID()).
		Str("user", s.UserID()).
		Int("members", snap.MemberCount).
		Msg("session joined room")
}

// handleLeave removes the session and announces the departure.
func (d *Dispatcher) handleLeave(s *session.Session, env *protocol.Envelope) {
	r, ok := d.registry.Leave(env.Room, s)
	if !ok {
		logging.Warn().Str("room", env.Room).Str("session", s.ID()).Msg("leave for unknown room, ignoring")
		return
	}

	notice := &protocol.Envelope{
		Kind:     protocol.KindMemberLeft,
		Room:     env.Room,
		UserID:   s.UserID(),
		Username: s.Username(),
		Payload:  protocol.Payload{"memberCount": r.MemberCount()},
	}
	d.engine.Send(r.Members(), notice, s.ID())
	d.record(env)

	logging.Info().Str("room", env.Room).Str("session", s.ID()).Msg("session left room")
}

// handleRelay broadcasts stateless kinds (cursor movement, chat) to the
// rest of the room without touching room state.
func (d *Dispatcher) handleRelay(s *session.Session, env *protocol.Envelope) {
	r, ok := d.memberRoom(s, env)
	if !ok {
		return
	}
	d.engine.Send(r.Members(), env, s.ID())
	if env.Kind == protocol.KindChat {
		d.record(env)
	}
}

// handleMutation applies a feature or annotation table change, then
// broadcasts the canonical result to the rest of the room. Updates and
// deletes against a missing id are no-ops and broadcast nothing.
func (d *Dispatcher) handleMutation(s *session.Session, env *protocol.Envelope) {
	r, ok := d.memberRoom(s, env)
	if !ok {
		return
	}

	id, ok := env.Payload.ID()
	if !ok {
		logging.Warn().
			Str("kind", string(env.Kind)).
			Str("room", env.Room).
			Str("session", s.ID()).
			Msg("mutation without record id, ignoring")
		return
	}

	out := env
	switch env.Kind {
	case protocol.KindFeatureCreate:
		r.CreateFeature(id, env.Payload)
	case protocol.KindFeatureUpdate:
		merged, found := r.UpdateFeature(id, env.Payload)
		if !found {
			return
		}
		out = withPayload(env, merged)
	case protocol.KindFeatureDelete:
		if !r.DeleteFeature(id) {
			return
		}
		out = withPayload(env, protocol.Payload{"id": id})
	case protocol.KindAnnotationCreate:
		r.CreateAnnotation(id, env.Payload)
	case protocol.KindAnnotationUpdate:
		merged, found := r.UpdateAnnotation(id, env.Payload)
		if !found {
			return
		}
		out = withPayload(env, merged)
	case protocol.KindAnnotationDelete:
		if !r.DeleteAnnotation(id) {
			return
		}
		out = withPayload(env, protocol.Payload{"id": id})
	}

	d.engine.Send(r.Members(), out, s.ID())
	d.record(out)
}

// handleHeartbeat answers the sender directly. Heartbeats never touch
// room state; Touch already refreshed the liveness flag.
func (d *Dispatcher) handleHeartbeat(s *session.Session) {
	reply := &protocol.Envelope{Kind: protocol.KindHeartbeat}
	if err := s.SendEnvelope(reply); err != nil {
		logging.Warn().Err(err).Str("session", s.ID()).Msg("heartbeat reply failed")
	}
}

// Disconnect runs full teardown for a session: leave every joined room
// with a departure broadcast, then release the session. Used for clean
// closes, read-loop errors, and liveness terminations alike.
func (d *Dispatcher) Disconnect(s *session.Session) {
	for _, name := range s.Rooms() {
		r, ok := d.registry.Leave(name, s)
		if !ok {
			continue
		}
		notice := &protocol.Envelope{
			Kind:     protocol.KindMemberLeft,
			Room:     name,
			UserID:   s.UserID(),
			Username: s.Username(),
			Payload:  protocol.Payload{"memberCount": r.MemberCount()},
		}
		d.engine.Send(r.Members(), notice, s.ID())
	}

	d.mu.Lock()
	delete(d.limiters, s.ID())
	d.mu.Unlock()

	d.sessions.Remove(s.ID())
	_ = s.Close()
}

// SendDecodeError reports a malformed frame back to the offending sender
// only; the connection stays open.
func (d *Dispatcher) SendDecodeError(s *session.Session, decodeErr error) {
	metrics.DecodeErrors.Inc()
	logging.Warn().Err(decodeErr).Str("session", s.ID()).Msg("dropping undecodable frame")
	d.sendError(s, decodeErr.Error())
}

func (d *Dispatcher) sendError(s *session.Session, msg string) {
	env := &protocol.Envelope{
		Kind:    protocol.KindError,
		Payload: protocol.Payload{"message": msg},
	}
	if err := s.SendEnvelope(env); err != nil {
		logging.Warn().Err(err).Str("session", s.ID()).Msg("error reply failed")
	}
}

// memberRoom resolves the target room and checks the sender is actually
// a member. Messages into rooms the sender never joined are dropped.
func (d *Dispatcher) memberRoom(s *session.Session, env *protocol.Envelope) (*room.Room, bool) {
	if !s.InRoom(env.Room) {
		logging.Warn().
			Str("room", env.Room).
			Str("session", s.ID()).
			Str("kind", string(env.Kind)).
			Msg("message for room the sender has not joined, ignoring")
		return nil, false
	}
	r, ok := d.registry.Get(env.Room)
	if !ok {
		logging.Warn().Str("room", env.Room).Str("session", s.ID()).Msg("message for unknown room, ignoring")
		return nil, false
	}
	return r, true
}

func (d *Dispatcher) allow(sessionID string) bool {
	d.mu.Lock()
	limiter, ok := d.limiters[sessionID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.limits.PerSecond), d.limits.Burst)
		d.limiters[sessionID] = limiter
	}
	d.mu.Unlock()
	return limiter.Allow()
}

func (d *Dispatcher) record(env *protocol.Envelope) {
	if d.archive != nil {
		d.archive.Record(env)
	}
}

// withPayload copies env with a replacement payload, leaving the
// original untouched for the archive and the caller.
func withPayload(env *protocol.Envelope, p protocol.Payload) *protocol.Envelope {
	out := *env
	out.Payload = p
	return &out
}
