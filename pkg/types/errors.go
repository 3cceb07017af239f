package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// before any connection is attempted
var (
	ErrEmptyEndpoint       = errors.New("endpoint cannot be empty")
	ErrInvalidEndpoint     = errors.New("endpoint must be an absolute ws, wss, http or https URL")
	ErrNegativeClientCount = errors.New("client count cannot be negative")
	ErrInvalidBatchSize    = errors.New("batch size must be at least 1")
	ErrNegativeInterval    = errors.New("batch interval cannot be negative")
	ErrUnknownState        = errors.New("unknown state")
)
