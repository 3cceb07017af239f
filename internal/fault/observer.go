// Package fault is the process-wide safety net for panics in background
// goroutines. A panic that escapes a goroutine kills the process, so every
// goroutine the driver launches defers Observer.Recover.
package fault

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Observer logs and counts recovered panics
type Observer struct {
	log   *log.Entry
	count atomic.Int64
}

// NewObserver creates an observer that reports through logger
func NewObserver(logger *log.Entry) *Observer {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Observer{log: logger.WithField("component", "fault")}
}

// Recover must be deferred directly. It marks a panic as observed after
// logging it, and returns nothing so the goroutine exits quietly
func (o *Observer) Recover(where string) {
	if r := recover(); r != nil {
		o.Observe(where, r)
	}
}

// Observe records an already recovered value and returns it as an error
func (o *Observer) Observe(where string, recovered any) error {
	o.count.Add(1)
	err := fmt.Errorf("%s: panic: %v", where, recovered)
	o.log.WithField("stack", string(debug.Stack())).Error(err)
	return err
}

// Go runs fn in a new goroutine under Recover
func (o *Observer) Go(where string, fn func()) {
	go func() {
		defer o.Recover(where)
		fn()
	}()
}

// Count returns the number of panics observed so far
func (o *Observer) Count() int64 {
	return o.count.Load()
}
