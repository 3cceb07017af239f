package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crank/internal/testutil"
)

const (
	timeout = 2 * time.Second
	tick    = time.Millisecond
)

func startedHandle(t *testing.T) (*Handle, *testutil.Session) {
	t.Helper()
	h, s := newTestHandle()
	require.NoError(t, h.Start(context.Background()))
	return h, s
}

type stopFailSession struct {
	testutil.Session
}

func (s *stopFailSession) Stop() error {
	_ = s.Session.Stop()
	return errors.New("close frame not sent")
}

func TestRegistry_NewRegistryInitialization(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot())
	assert.Zero(t, r.CountActive())
	assert.Zero(t, r.CountInactive())
}

func TestRegistry_AddValidation(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, ErrNilHandle, r.Add(nil))

	h, _ := startedHandle(t)
	require.NoError(t, r.Add(h))
	assert.Equal(t, ErrAlreadyRegistered, r.Add(h))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CountsByState(t *testing.T) {
	r := NewRegistry()

	var sessions []*testutil.Session
	for i := 0; i < 5; i++ {
		h, s := startedHandle(t)
		require.NoError(t, r.Add(h))
		sessions = append(sessions, s)
	}
	sessions[0].Close()
	sessions[1].Fail(errors.New("reset"))

	assert.Equal(t, 5, r.Len())
	assert.Equal(t, 3, r.CountActive())
	assert.Equal(t, 2, r.CountInactive())
	assert.Equal(t, 5, r.Count(func(*Handle) bool { return true }))
}

func TestRegistry_ConcurrentAddNoLostOrDuplicateEntries(t *testing.T) {
	r := NewRegistry()

	const writers, perWriter = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				h, _ := newTestHandle()
				assert.NoError(t, r.Add(h))
				// A second racing add of the same handle must lose
				assert.Equal(t, ErrAlreadyRegistered, r.Add(h))
			}
		}()
	}
	wg.Wait()

	snapshot := r.Snapshot()
	assert.Len(t, snapshot, writers*perWriter)
	seen := make(map[*Handle]bool, len(snapshot))
	for _, h := range snapshot {
		require.NotNil(t, h)
		require.False(t, seen[h], "handle registered twice")
		seen[h] = true
	}
}

func TestRegistry_SnapshotMonotonicity(t *testing.T) {
	r := NewRegistry()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h, _ := newTestHandle()
				_ = r.Add(h)
			}
		}
	}()

	prev := r.Snapshot()
	for i := 0; i < 200; i++ {
		next := r.Snapshot()
		require.GreaterOrEqual(t, len(next), len(prev))
		// Earlier snapshot is a prefix, hence a subset, of the later one
		for j, h := range prev {
			require.Same(t, h, next[j])
		}
		prev = next
	}
	close(stop)
	wg.Wait()
}

func TestRegistry_SnapshotUnaffectedByLaterAdds(t *testing.T) {
	r := NewRegistry()
	h1, _ := newTestHandle()
	require.NoError(t, r.Add(h1))

	snapshot := r.Snapshot()
	for i := 0; i < 100; i++ {
		h, _ := newTestHandle()
		require.NoError(t, r.Add(h))
	}

	assert.Len(t, snapshot, 1)
	assert.Same(t, h1, snapshot[0])
}

func TestRegistry_StopAll(t *testing.T) {
	r := NewRegistry()
	var sessions []*testutil.Session
	for i := 0; i < 20; i++ {
		h, s := startedHandle(t)
		require.NoError(t, r.Add(h))
		sessions = append(sessions, s)
	}

	n, err := r.StopAll(4)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	for _, s := range sessions {
		assert.Equal(t, 1, s.Stops())
	}
	assert.Zero(t, r.CountActive())

	// Stopping again is harmless and does not reach the transport
	n, err = r.StopAll(0)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	for _, s := range sessions {
		assert.Equal(t, 1, s.Stops())
	}
}

func TestRegistry_StopAllAggregatesErrors(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		h := NewHandle("ws://target/ws", &stopFailSession{})
		require.NoError(t, h.Start(context.Background()))
		require.NoError(t, r.Add(h))
	}
	h, _ := startedHandle(t)
	require.NoError(t, r.Add(h))

	n, err := r.StopAll(0)
	assert.Equal(t, 4, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 errors occurred")
}
