package connection

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Registry is the append-only collection of every successfully started handle
// ARCHITECTURAL DISCOVERY: A slice instead of a map. Handles are never
// removed during a run, so a snapshot can share the backing array: later
// appends only write past the snapshot's length or reallocate
type Registry struct {
	mu      sync.Mutex // Held only for an append or a slice header copy
	handles []*Handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: make([]*Handle, 0, 64)}
}

// Add appends a started handle
// FUNCTIONAL DISCOVERY: The registered flag lives on the handle, so a handle
// can appear once in one registry no matter how many goroutines race to add it
func (r *Registry) Add(h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	if !h.registered.CompareAndSwap(false, true) {
		return ErrAlreadyRegistered
	}

	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	return nil
}

// Snapshot returns the handles registered at call time. The returned slice
// must not be modified
func (r *Registry) Snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.handles)
	return r.handles[:n:n]
}

// Len returns the number of registered handles
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Count returns how many handles in a snapshot satisfy pred
func (r *Registry) Count(pred func(*Handle) bool) int {
	n := 0
	for _, h := range r.Snapshot() {
		if pred(h) {
			n++
		}
	}
	return n
}

func (r *Registry) CountActive() int {
	return r.Count((*Handle).IsActive)
}

func (r *Registry) CountInactive() int {
	return r.Count(func(h *Handle) bool { return !h.IsActive() })
}

// StopAll tells every registered handle to stop, at most parallel at a time
// (zero or less means one per handle), and returns how many were told
// TECHNICAL DISCOVERY: Handle.Stop is idempotent, so racing a late
// self-stopping attempt is harmless
func (r *Registry) StopAll(parallel int) (int, error) {
	handles := r.Snapshot()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for _, h := range handles {
		g.Go(func() error {
			if err := h.Stop(); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return len(handles), result.ErrorOrNil()
}
