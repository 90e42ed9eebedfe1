package client

import "errors"

var (
	ErrAlreadyStarted = errors.New("client already started")
	ErrNotConnected   = errors.New("client not connected")
)
