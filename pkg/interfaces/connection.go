package interfaces

import "context"

// Session is one real-time transport session to a target endpoint
// ARCHITECTURAL DISCOVERY: The ramp core depends on the transport only through
// this contract, so load logic is testable without sockets
type Session interface {
	// Start establishes the session. It returns once the session can deliver
	// lifecycle notifications, or with the cause of the failure
	Start(ctx context.Context) error

	// Stop requests graceful termination. Calling it more than once, or on a
	// session that never started, must be harmless
	Stop() error

	// OnReceived subscribes to inbound data frames
	OnReceived(handler func(data []byte))

	// OnError subscribes to transport errors observed after Start succeeded
	OnError(handler func(err error))

	// OnClosed subscribes to the end of the session. Fires at most once
	OnClosed(handler func())
}

// SessionFactory builds an unstarted Session bound to endpoint
type SessionFactory func(endpoint string) Session
