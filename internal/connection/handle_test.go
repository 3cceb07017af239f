package connection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crank/internal/testutil"
	"crank/pkg/types"
)

func newTestHandle() (*Handle, *testutil.Session) {
	s := &testutil.Session{}
	return NewHandle("ws://target/ws", s), s
}

func TestHandle_NewHandleInitialization(t *testing.T) {
	h, s := newTestHandle()

	assert.NotEmpty(t, h.ID())
	assert.Equal(t, "ws://target/ws", h.Endpoint())
	assert.Equal(t, types.StateNew, h.State())
	assert.False(t, h.IsActive())
	assert.True(t, h.StartedAt().IsZero())
	assert.Zero(t, s.Starts(), "creating a handle must not connect")
}

func TestHandle_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		h, _ := newTestHandle()
		require.False(t, seen[h.ID()], "duplicate id %s", h.ID())
		seen[h.ID()] = true
	}
}

func TestHandle_StartSuccess(t *testing.T) {
	h, s := newTestHandle()

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, types.StateActive, h.State())
	assert.True(t, h.IsActive())
	assert.False(t, h.StartedAt().IsZero())
	assert.Equal(t, 1, s.Starts())
}

func TestHandle_StartFailureIsAValue(t *testing.T) {
	h, s := newTestHandle()
	s.StartErr = testutil.ErrRefused

	err := h.Start(context.Background())
	assert.ErrorIs(t, err, testutil.ErrRefused)
	assert.Equal(t, types.StateErrored, h.State())
	assert.False(t, h.IsActive())
	assert.ErrorIs(t, h.Err(), testutil.ErrRefused)
}

func TestHandle_StartPanicIsAValue(t *testing.T) {
	h, s := newTestHandle()
	s.StartPanic = "transport bug"

	err := h.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartPanicked)
	assert.Contains(t, err.Error(), "transport bug")
	assert.Equal(t, types.StateErrored, h.State())
}

func TestHandle_StartTwice(t *testing.T) {
	h, s := newTestHandle()

	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, 1, s.Starts())
}

func TestHandle_ClosedEvent(t *testing.T) {
	h, s := newTestHandle()
	require.NoError(t, h.Start(context.Background()))

	s.Close()
	assert.Equal(t, types.StateClosed, h.State())
	assert.False(t, h.IsActive())
}

func TestHandle_ErrorEventEndsActivity(t *testing.T) {
	h, s := newTestHandle()
	require.NoError(t, h.Start(context.Background()))

	boom := errors.New("reset by peer")
	s.Fail(boom)
	assert.Equal(t, types.StateErrored, h.State(), "closed after error keeps errored")
	assert.ErrorIs(t, h.Err(), boom)
}

func TestHandle_EventsBeforeStartAreIgnored(t *testing.T) {
	h, s := newTestHandle()

	s.Close()
	assert.Equal(t, types.StateNew, h.State())
}

func TestHandle_CloseDuringStart(t *testing.T) {
	s := &testutil.Session{Gate: make(chan struct{})}
	h := NewHandle("ws://target/ws", s)

	done := make(chan error, 1)
	go func() { done <- h.Start(context.Background()) }()

	// Wait until Start is in flight, then close before it returns
	require.Eventually(t, func() bool { return h.State() == types.StateConnecting }, timeout, tick)
	s.Close()
	close(s.Gate)

	require.NoError(t, <-done)
	assert.Equal(t, types.StateClosed, h.State(), "an early close is not overwritten by Start")
}

func TestHandle_StopIdempotent(t *testing.T) {
	h, s := newTestHandle()
	require.NoError(t, h.Start(context.Background()))

	var closedEvents int
	var mu sync.Mutex
	h.OnClosed(func() {
		mu.Lock()
		closedEvents++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Stop())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.Stops())
	assert.Equal(t, 1, closedEvents)
	assert.Equal(t, types.StateClosed, h.State())
}

func TestHandle_StopNeverStarted(t *testing.T) {
	h, s := newTestHandle()

	assert.NoError(t, h.Stop())
	assert.NoError(t, h.Stop())
	assert.Zero(t, s.Stops())
	assert.Equal(t, types.StateNew, h.State())
}

func TestHandle_StopAfterFailedStart(t *testing.T) {
	h, s := newTestHandle()
	s.StartErr = testutil.ErrRefused
	require.Error(t, h.Start(context.Background()))

	assert.NoError(t, h.Stop())
	assert.Zero(t, s.Stops(), "a failed handle never reaches its session's stop")
	assert.Equal(t, types.StateErrored, h.State())
}

func TestHandle_ListenersSeeUpdatedState(t *testing.T) {
	h, s := newTestHandle()
	require.NoError(t, h.Start(context.Background()))

	var seen types.ConnectionState
	h.OnClosed(func() { seen = h.State() })
	s.Close()

	assert.Equal(t, types.StateClosed, seen)
}
