package ramp

import "errors"

// Controller-related errors
var (
	ErrAlreadyRunning = errors.New("ramp already started")
	ErrNilExecutor    = errors.New("executor cannot be nil")
)
