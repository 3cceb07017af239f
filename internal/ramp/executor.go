package ramp

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"crank/internal/connection"
	"crank/internal/fault"
	"crank/pkg/interfaces"
)

// ExecutorOptions tune a batch executor
type ExecutorOptions struct {
	// Workers bounds concurrent attempts within a batch; zero launches one
	// goroutine per attempt
	Workers int
	Faults  *fault.Observer
	Log     *log.Entry
}

// Executor starts batches of connections
// FUNCTIONAL DISCOVERY: Individual failures never abort a batch; they are
// logged, counted on the batch and the batch still settles
type Executor struct {
	sessions interfaces.SessionFactory
	registry *connection.Registry
	shutdown *atomic.Bool
	workers  int
	faults   *fault.Observer
	log      *log.Entry
}

// NewExecutor creates an executor registering into registry. shutdown is the
// run's stop flag, read by late attempts and lifecycle listeners
func NewExecutor(sessions interfaces.SessionFactory, registry *connection.Registry, shutdown *atomic.Bool, opts ExecutorOptions) *Executor {
	if opts.Log == nil {
		opts.Log = log.NewEntry(log.StandardLogger())
	}
	if opts.Faults == nil {
		opts.Faults = fault.NewObserver(opts.Log)
	}
	if shutdown == nil {
		shutdown = new(atomic.Bool)
	}
	return &Executor{
		sessions: sessions,
		registry: registry,
		shutdown: shutdown,
		workers:  opts.Workers,
		faults:   opts.Faults,
		log:      opts.Log.WithField("component", "executor"),
	}
}

// Registry returns the registry successful attempts are added to
func (e *Executor) Registry() *connection.Registry {
	return e.registry
}

// Run launches size attempts against endpoint and returns immediately; the
// batch's Done channel closes once all of them resolved
// TECHNICAL DISCOVERY: Dials use a context detached from cancellation.
// Shutdown stops new batches but never tears down in-flight handshakes
func (e *Executor) Run(ctx context.Context, endpoint string, seq, size int) *Batch {
	b := newBatch(seq, size)
	if b.size == 0 {
		return b
	}

	dialCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.faults.Recover("batch launcher")

		var g errgroup.Group
		if e.workers > 0 {
			g.SetLimit(e.workers)
		}
		for i := 0; i < b.size; i++ {
			g.Go(func() error {
				e.attempt(dialCtx, endpoint, b)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return b
}

// attempt creates, starts and registers one connection
func (e *Executor) attempt(ctx context.Context, endpoint string, b *Batch) {
	defer b.resolve()

	var h *connection.Handle
	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			err := e.faults.Observe("connection attempt", r)
			// A registered attempt stays registered; the fault is still counted
			if succeeded {
				return
			}
			id := ""
			if h != nil {
				id = h.ID()
			}
			b.fail(id, err)
		}
	}()

	h = connection.NewHandle(endpoint, e.sessions(endpoint))
	e.attachListeners(h)

	if err := h.Start(ctx); err != nil {
		b.fail(h.ID(), err)
		e.log.WithField("client", h.ID()).Warnf("Failed to start client. %v", err)
		return
	}

	if err := e.registry.Add(h); err != nil {
		b.fail(h.ID(), err)
		_ = h.Stop()
		return
	}
	b.succeed()
	succeeded = true

	// The shutdown pass may already have taken its snapshot
	if e.shutdown.Load() {
		_ = h.Stop()
	}
}

// attachListeners logs lifecycle events until shutdown
// FUNCTIONAL DISCOVERY: After shutdown these events are teardown noise; the
// handle's own state tracking still processes them
func (e *Executor) attachListeners(h *connection.Handle) {
	entry := e.log.WithField("client", h.ID())
	h.OnError(func(err error) {
		if !e.shutdown.Load() {
			entry.Debugf("Client %s ERROR: %v", h.ID(), err)
		}
	})
	h.OnClosed(func() {
		if !e.shutdown.Load() {
			entry.Debugf("Client %s CLOSED", h.ID())
		}
	})
}
