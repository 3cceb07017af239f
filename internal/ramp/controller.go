package ramp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"crank/pkg/types"
)

// Plan is the fixed shape of a ramp
type Plan struct {
	Endpoint  string
	Clients   int
	BatchSize int
	Interval  time.Duration
	// SettleAfterLast waits one more Interval after the final batch
	SettleAfterLast bool
}

// Validate rejects plans the controller cannot run
func (p Plan) Validate() error {
	if err := types.ValidateEndpoint(p.Endpoint); err != nil {
		return err
	}
	return types.ValidateRamp(p.Clients, p.BatchSize, p.Interval)
}

// Controller sequences batches until the requested total is reached
// ARCHITECTURAL DISCOVERY: A plain loop on a single goroutine. It suspends
// only on a batch's Done channel and on the pacing timer, both of which also
// wake on shutdown
type Controller struct {
	plan     Plan
	executor *Executor
	log      *log.Entry

	state atomic.Int32 // types.RampState
	done  chan struct{}

	mu         sync.RWMutex // Protect progress fields and hooks
	startedAt  time.Time
	finishedAt time.Time
	launched   int
	registered int
	failed     int
	batchSizes []int
	current    *Batch
	onBatch    []func(types.BatchResult)
}

// NewController validates plan and binds it to executor
func NewController(plan Plan, executor *Executor, logger *log.Entry) (*Controller, error) {
	if executor == nil {
		return nil, ErrNilExecutor
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Controller{
		plan:     plan,
		executor: executor,
		log:      logger.WithField("component", "ramp"),
		done:     make(chan struct{}),
	}, nil
}

// Plan returns the plan the controller runs
func (c *Controller) Plan() Plan {
	return c.plan
}

// OnBatch registers a hook called with every settled batch, in order
func (c *Controller) OnBatch(hook func(types.BatchResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBatch = append(c.onBatch, hook)
}

// State returns the controller state
func (c *Controller) State() types.RampState {
	return types.RampState(c.state.Load())
}

// Done is closed when Run returns
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run ramps until the plan is exhausted or ctx is cancelled. It is not an
// error for the ramp to be interrupted; the summary says so
func (c *Controller) Run(ctx context.Context) (*types.RampSummary, error) {
	if !c.state.CompareAndSwap(int32(types.RampIdle), int32(types.RampRamping)) {
		return nil, ErrAlreadyRunning
	}
	defer close(c.done)

	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.log.Infof("Ramping up connections. Batch size %d.", c.plan.BatchSize)

	final := types.RampComplete
	remaining := c.plan.Clients
	for remaining > 0 {
		if ctx.Err() != nil {
			final = types.RampInterrupted
			break
		}

		n := min(remaining, c.plan.BatchSize)
		c.log.Infof("Remaining clients %d", remaining)

		batch := c.launch(ctx, n)
		if err := batch.Wait(ctx); err != nil {
			final = types.RampInterrupted
			break
		}
		result := c.settle(batch)
		c.log.WithFields(log.Fields{
			"batch":      result.Seq,
			"registered": result.Registered,
			"failed":     result.Failed(),
		}).Infof("Batch took %s", result.Elapsed)

		remaining -= n
		// FUNCTIONAL DISCOVERY: The interval is settle time for the batch that
		// just connected, so by default it is skipped after the last batch
		if remaining > 0 || c.plan.SettleAfterLast {
			if !pace(ctx, c.plan.Interval) {
				if remaining > 0 {
					final = types.RampInterrupted
				}
				break
			}
		}
	}

	c.mu.Lock()
	c.finishedAt = time.Now()
	c.mu.Unlock()
	c.state.Store(int32(final))

	summary := c.Summary()
	if final == types.RampComplete {
		c.log.Infof("Started %d connection(s).", c.executor.Registry().Len())
		c.log.Infof("Ramp up complete in %s.", summary.Elapsed)
	} else {
		c.log.Infof("Ramp up interrupted after %d batch(es) in %s.", summary.Batches, summary.Elapsed)
	}
	return summary, nil
}

func (c *Controller) launch(ctx context.Context, n int) *Batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := len(c.batchSizes) + 1
	batch := c.executor.Run(ctx, c.plan.Endpoint, seq, n)
	c.current = batch
	c.launched += n
	c.batchSizes = append(c.batchSizes, n)
	return batch
}

func (c *Controller) settle(batch *Batch) types.BatchResult {
	result := batch.Result()

	c.mu.Lock()
	c.current = nil
	c.registered += result.Registered
	c.failed += result.Failed()
	hooks := c.onBatch
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(result)
	}
	return result
}

// Progress returns a live view of the ramp, including the batch in flight
func (c *Controller) Progress() types.Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := types.Progress{
		State:      c.State(),
		Requested:  c.plan.Clients,
		Launched:   c.launched,
		Registered: c.registered,
		Failed:     c.failed,
		Batches:    len(c.batchSizes),
	}
	if c.current != nil {
		p.Registered += c.current.Registered()
		p.Failed += c.current.Failed()
	}
	switch {
	case c.startedAt.IsZero():
	case c.finishedAt.IsZero():
		p.Elapsed = time.Since(c.startedAt)
	default:
		p.Elapsed = c.finishedAt.Sub(c.startedAt)
	}
	return p
}

// Summary returns the progress plus the sizes of every launched batch
func (c *Controller) Summary() *types.RampSummary {
	p := c.Progress()
	c.mu.RLock()
	sizes := append([]int(nil), c.batchSizes...)
	c.mu.RUnlock()
	return &types.RampSummary{Progress: p, BatchSizes: sizes}
}

// pace waits d or until ctx ends; false means ctx ended first
func pace(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
