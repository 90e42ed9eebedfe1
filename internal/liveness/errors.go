package liveness

import "errors"

var (
	ErrAlreadyRunning = errors.New("liveness monitor already running")
	ErrNotRunning     = errors.New("liveness monitor not running")
)
