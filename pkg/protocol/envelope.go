package protocol

import "time"

// Kind identifies a message type on the wire.
type Kind string

// Client-originated kinds.
const (
	KindJoin             Kind = "join"
	KindLeave            Kind = "leave"
	KindCursorMove       Kind = "cursor-move"
	KindChat             Kind = "chat"
	KindFeatureCreate    Kind = "feature-create"
	KindFeatureUpdate    Kind = "feature-update"
	KindFeatureDelete    Kind = "feature-delete"
	KindAnnotationCreate Kind = "annotation-create"
	KindAnnotationUpdate Kind = "annotation-update"
	KindAnnotationDelete Kind = "annotation-delete"
	KindHeartbeat        Kind = "heartbeat"
)

// Server-originated kinds.
const (
	KindRoomState    Kind = "room-state"
	KindMemberJoined Kind = "member-joined"
	KindMemberLeft   Kind = "member-left"
	KindError        Kind = "error"
)

// clientKinds is the set of kinds accepted from clients after normalization.
var clientKinds = map[Kind]bool{
	KindJoin:             true,
	KindLeave:            true,
	KindCursorMove:       true,
	KindChat:             true,
	KindFeatureCreate:    true,
	KindFeatureUpdate:    true,
	KindFeatureDelete:    true,
	KindAnnotationCreate: true,
	KindAnnotationUpdate: true,
	KindAnnotationDelete: true,
	KindHeartbeat:        true,
}

// serverKinds is the set of kinds the server originates.
var serverKinds = map[Kind]bool{
	KindRoomState:    true,
	KindMemberJoined: true,
	KindMemberLeft:   true,
	KindError:        true,
}

// IsClientKind reports whether k is a recognized client-originated kind.
func IsClientKind(k Kind) bool {
	return clientKinds[k]
}

// RoomScoped reports whether envelopes of this kind must name a room.
// Heartbeats are connection-scoped; everything else a client sends
// targets a room.
func (k Kind) RoomScoped() bool {
	return clientKinds[k] && k != KindHeartbeat
}

// Envelope is the canonical internal message, produced by Decode and
// consumed by the dispatcher. Timestamp is epoch milliseconds.
type Envelope struct {
	Kind      Kind    `json:"type"`
	Room      string  `json:"roomId,omitempty"`
	UserID    string  `json:"userId,omitempty"`
	Username  string  `json:"username,omitempty"`
	Payload   Payload `json:"payload,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// StampNow fills in the timestamp with the current time if the inbound
// frame omitted one. Every outbound broadcast carries a timestamp.
func (e *Envelope) StampNow() {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
}

// Payload is an opaque structured message body. The subsystem interprets
// only the "id" key; everything else passes through untouched.
type Payload map[string]any

// ID extracts the record identifier used to key feature and annotation
// tables. Returns false if absent or not a string.
func (p Payload) ID() (string, bool) {
	id, ok := p["id"].(string)
	return id, ok && id != ""
}

// Merge returns a copy of p with the keys of patch shallow-merged on top.
// Last write wins; neither input is modified.
func (p Payload) Merge(patch Payload) Payload {
	merged := make(Payload, len(p)+len(patch))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}
