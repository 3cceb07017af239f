package interfaces

import "errors"

// Common transport errors shared by Session implementations
var (
	ErrSessionStarted = errors.New("session already started")
	ErrSessionStopped = errors.New("session already stopped")
)
