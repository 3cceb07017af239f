package connection

import "errors"

// Handle-related errors
var (
	ErrAlreadyStarted = errors.New("handle already started")
	ErrStartPanicked  = errors.New("session start panicked")
)

// Registry-related errors
var (
	ErrNilHandle         = errors.New("handle cannot be nil")
	ErrAlreadyRegistered = errors.New("handle already registered")
)
