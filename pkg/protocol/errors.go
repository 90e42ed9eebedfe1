package protocol

import "errors"

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingKind    = errors.New("frame has no type field")
	ErrUnknownKind    = errors.New("unknown message kind")
)
