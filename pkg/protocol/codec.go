package protocol

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// The wire format drifted across three historical client generations:
// room actions were renamed (join_room vs join), record mutations swapped
// between add/update/delete and created/updated/deleted, and the body
// field moved from data to payload. Decode folds all of them into the
// canonical Envelope here, in one place; nothing downstream branches on
// format style.

// kindAliases maps every historical spelling to its canonical kind.
var kindAliases = map[string]Kind{
	"join_room":    KindJoin,
	"leave_room":   KindLeave,
	"chat_message": KindChat,
}

func init() {
	// Canonical names map to themselves.
	for k := range clientKinds {
		kindAliases[string(k)] = k
	}
	// Underscore spellings of the canonical hyphenated kinds.
	for k := range clientKinds {
		kindAliases[strings.ReplaceAll(string(k), "-", "_")] = k
	}
	// Record mutations: the older clients used past-tense "created" etc.,
	// the oldest used "add". Both separators occur in the wild.
	for _, entity := range []string{"feature", "annotation"} {
		for alias, op := range map[string]string{
			"created": "create",
			"updated": "update",
			"deleted": "delete",
			"add":     "create",
			"remove":  "delete",
		} {
			canonical := Kind(entity + "-" + op)
			kindAliases[entity+"-"+alias] = canonical
			kindAliases[entity+"_"+alias] = canonical
		}
	}
}

// wireFrame mirrors the union of the historical envelope shapes.
type wireFrame struct {
	Type      string  `json:"type"`
	Room      string  `json:"roomId"`
	UserID    string  `json:"userId"`
	Username  string  `json:"username"`
	Payload   Payload `json:"payload"`
	Data      Payload `json:"data"`
	Timestamp int64   `json:"timestamp"`
}

// Decode parses a raw frame into a canonical Envelope. It is a pure
// transform: all failures are returned, none are fatal to the caller.
func Decode(raw []byte) (*Envelope, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if frame.Type == "" {
		return nil, ErrMissingKind
	}

	kind, ok := kindAliases[frame.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Type)
	}

	payload := frame.Payload
	if payload == nil {
		payload = frame.Data
	}

	return &Envelope{
		Kind:      kind,
		Room:      frame.Room,
		UserID:    frame.UserID,
		Username:  frame.Username,
		Payload:   payload,
		Timestamp: frame.Timestamp,
	}, nil
}

// DecodeServer parses a frame sent by the server. Server frames always
// use canonical names, so no alias folding applies, but all server
// kinds are accepted alongside the echoed client kinds.
func DecodeServer(raw []byte) (*Envelope, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return nil, ErrMissingKind
	}

	kind := Kind(frame.Type)
	if !clientKinds[kind] && !serverKinds[kind] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Type)
	}

	payload := frame.Payload
	if payload == nil {
		payload = frame.Data
	}

	return &Envelope{
		Kind:      kind,
		Room:      frame.Room,
		UserID:    frame.UserID,
		Username:  frame.Username,
		Payload:   payload,
		Timestamp: frame.Timestamp,
	}, nil
}

// Encode serializes an Envelope for the wire. Outbound frames carry only
// the canonical field names; legacy spellings are accepted inbound but
// never emitted.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	return data, nil
}
