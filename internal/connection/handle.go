package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crank/pkg/interfaces"
	"crank/pkg/types"
)

// Handle wraps one transport session and tracks its lifecycle state
// ARCHITECTURAL DISCOVERY: State lives in an atomic so census reads never
// contend with the asynchronous close/error notifications that mutate it
type Handle struct {
	id       string
	endpoint string
	session  interfaces.Session

	state      atomic.Int32 // types.ConnectionState
	registered atomic.Bool  // Set once by Registry.Add
	stopOnce   sync.Once
	stopErr    error

	mu        sync.RWMutex // Protect startedAt and lastErr
	startedAt time.Time
	lastErr   error
}

// NewHandle binds a handle to endpoint and session without connecting
// FUNCTIONAL DISCOVERY: State tracking subscribes here, before Start, so an
// early close can never be missed
func NewHandle(endpoint string, session interfaces.Session) *Handle {
	h := &Handle{
		id:       uuid.NewString(),
		endpoint: endpoint,
		session:  session,
	}
	session.OnError(h.handleError)
	session.OnClosed(h.handleClosed)
	return h
}

func (h *Handle) ID() string       { return h.id }
func (h *Handle) Endpoint() string { return h.endpoint }

// State returns the current lifecycle state
func (h *Handle) State() types.ConnectionState {
	return types.ConnectionState(h.state.Load())
}

// IsActive is true strictly between a successful Start and an observed
// close or error
func (h *Handle) IsActive() bool {
	return h.State() == types.StateActive
}

// StartedAt returns when Start succeeded, zero otherwise
func (h *Handle) StartedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.startedAt
}

// Err returns the last failure or transport error seen by the handle
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// OnError attaches a listener for transport errors
func (h *Handle) OnError(handler func(err error)) {
	h.session.OnError(handler)
}

// OnClosed attaches a listener for the end of the session
func (h *Handle) OnClosed(handler func()) {
	h.session.OnClosed(handler)
}

// Start establishes the session. Failures, including a panicking transport,
// come back as values
func (h *Handle) Start(ctx context.Context) (err error) {
	if !h.state.CompareAndSwap(int32(types.StateNew), int32(types.StateConnecting)) {
		return ErrAlreadyStarted
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStartPanicked, r)
		}
		if err != nil {
			h.setErr(err)
			h.state.CompareAndSwap(int32(types.StateConnecting), int32(types.StateErrored))
			return
		}

		h.mu.Lock()
		h.startedAt = time.Now()
		h.mu.Unlock()
		// A close that raced the end of Start already moved the state on
		h.state.CompareAndSwap(int32(types.StateConnecting), int32(types.StateActive))
	}()

	return h.session.Start(ctx)
}

// Stop requests graceful termination. Idempotent, and a no-op for a handle
// that never started successfully
func (h *Handle) Stop() error {
	if h.State() == types.StateNew || h.StartedAt().IsZero() {
		return nil
	}
	h.stopOnce.Do(func() {
		h.stopErr = h.session.Stop()
	})
	return h.stopErr
}

func (h *Handle) handleError(err error) {
	h.setErr(err)
	h.end(types.StateErrored)
}

func (h *Handle) handleClosed() {
	h.end(types.StateClosed)
}

// end moves a started handle into a terminal state; terminal states stick
func (h *Handle) end(to types.ConnectionState) bool {
	for {
		cur := types.ConnectionState(h.state.Load())
		if cur == types.StateNew || cur.Terminal() {
			return false
		}
		if h.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = err
}
