package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("websocket connection closed")
	ErrSendQueueFull    = errors.New("websocket send queue full")
)
