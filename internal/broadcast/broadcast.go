// Package broadcast fans envelopes out to room members. The envelope is
// serialized once per broadcast; delivery failures are per-recipient and
// never abort the fan-out.
package broadcast

import (
	"mapsync/internal/logging"
	"mapsync/internal/metrics"
	"mapsync/internal/session"
	"mapsync/pkg/protocol"
)

// Engine delivers envelopes to sets of sessions.
type Engine struct{}

// NewEngine creates a broadcast engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Send serializes env once and enqueues it on every member except the
// session with excludeID (pass "" to deliver to everyone). The caller
// passes a member snapshot taken from the room; no room lock is held
// here, so a slow peer never serializes delivery to the rest.
func (e *Engine) Send(members []*session.Session, env *protocol.Envelope, excludeID string) {
	env.StampNow()
	data, err := protocol.Encode(env)
	if err != nil {
		logging.Error().Err(err).Str("kind", string(env.Kind)).Msg("broadcast encode failed")
		return
	}

	for _, member := range members {
		if member.ID() == excludeID {
			continue
		}
		if err := member.Send(data); err != nil {
			metrics.BroadcastDropped.Inc()
			logging.Warn().
				Err(err).
				Str("kind", string(env.Kind)).
				Str("room", env.Room).
				Str("session", member.ID()).
				Msg("broadcast delivery failed, continuing fan-out")
		}
	}
}
