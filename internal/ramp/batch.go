package ramp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"crank/pkg/types"
)

// Batch is the ephemeral state of one fan-out of start attempts
// ARCHITECTURAL DISCOVERY: remaining is the only cross-attempt
// synchronization point. Add(-1) is linearizable, so exactly one resolving
// attempt observes zero and closes done
type Batch struct {
	seq        int
	size       int
	launchedAt time.Time

	remaining  atomic.Int64
	registered atomic.Int64
	settled    atomic.Int32 // Times remaining reached zero; exactly 1
	elapsed    atomic.Int64 // Nanoseconds from launch to settlement
	done       chan struct{}

	mu       sync.Mutex
	failures []types.AttemptFailure
}

func newBatch(seq, size int) *Batch {
	b := &Batch{
		seq:        seq,
		size:       max(size, 0),
		launchedAt: time.Now(),
		done:       make(chan struct{}),
	}
	b.remaining.Store(int64(b.size))
	if b.size == 0 {
		b.settled.Add(1)
		close(b.done)
	}
	return b
}

// resolve is called exactly once per attempt, success or failure
func (b *Batch) resolve() {
	if b.remaining.Add(-1) == 0 {
		b.elapsed.Store(int64(time.Since(b.launchedAt)))
		b.settled.Add(1)
		close(b.done)
	}
}

func (b *Batch) succeed() {
	b.registered.Add(1)
}

func (b *Batch) fail(clientID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, types.AttemptFailure{
		ClientID: clientID,
		Cause:    err.Error(),
		At:       time.Now(),
	})
}

// Done is closed once every attempt has resolved
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch settles or ctx ends
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batch) Seq() int  { return b.seq }
func (b *Batch) Size() int { return b.size }

// Remaining returns how many attempts have not resolved yet
func (b *Batch) Remaining() int {
	return int(b.remaining.Load())
}

// Registered returns how many attempts registered a handle so far
func (b *Batch) Registered() int {
	return int(b.registered.Load())
}

// Failed returns how many attempts failed so far
func (b *Batch) Failed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failures)
}

// Result returns the batch telemetry; complete once Done is closed
func (b *Batch) Result() types.BatchResult {
	b.mu.Lock()
	failures := append([]types.AttemptFailure(nil), b.failures...)
	b.mu.Unlock()

	return types.BatchResult{
		Seq:        b.seq,
		Size:       b.size,
		Registered: b.Registered(),
		Failures:   failures,
		LaunchedAt: b.launchedAt,
		Elapsed:    time.Duration(b.elapsed.Load()),
	}
}
