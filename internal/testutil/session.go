// Package testutil provides a scriptable in-memory transport for tests of
// the ramp core.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"crank/pkg/interfaces"
)

// ErrRefused is the default failure of a session scripted to fail
var ErrRefused = errors.New("connection refused")

// Session is a fake interfaces.Session
type Session struct {
	Endpoint string

	// Scripting, set before Start
	StartErr   error
	StartPanic any
	StartDelay time.Duration
	StopPanic  any
	// Gate, when non-nil, blocks Start until it is closed
	Gate chan struct{}

	mu         sync.Mutex
	onReceived []func([]byte)
	onError    []func(error)
	onClosed   []func()

	starts     atomic.Int32
	stops      atomic.Int32
	closedOnce sync.Once
}

var _ interfaces.Session = (*Session)(nil)

func (s *Session) Start(ctx context.Context) error {
	s.starts.Add(1)
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.StartDelay > 0 {
		time.Sleep(s.StartDelay)
	}
	if s.StartPanic != nil {
		panic(s.StartPanic)
	}
	return s.StartErr
}

func (s *Session) Stop() error {
	s.stops.Add(1)
	if s.StopPanic != nil {
		panic(s.StopPanic)
	}
	s.Close()
	return nil
}

func (s *Session) OnReceived(handler func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceived = append(s.onReceived, handler)
}

func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, handler)
}

func (s *Session) OnClosed(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = append(s.onClosed, handler)
}

// Close simulates the remote end closing gracefully
func (s *Session) Close() {
	s.closedOnce.Do(func() {
		s.mu.Lock()
		handlers := append([]func(){}, s.onClosed...)
		s.mu.Unlock()
		for _, h := range handlers {
			h()
		}
	})
}

// Fail simulates a transport error followed by the close
func (s *Session) Fail(err error) {
	s.mu.Lock()
	handlers := append([]func(error){}, s.onError...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
	s.Close()
}

// Emit simulates an inbound frame
func (s *Session) Emit(data []byte) {
	s.mu.Lock()
	handlers := append([]func([]byte){}, s.onReceived...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (s *Session) Starts() int { return int(s.starts.Load()) }
func (s *Session) Stops() int  { return int(s.stops.Load()) }

// Transport hands out fake sessions and remembers them
type Transport struct {
	// Configure scripts session n (0-based, in creation order)
	Configure func(n int, s *Session)

	mu       sync.Mutex
	sessions []*Session
}

// Factory returns a SessionFactory backed by t
func (t *Transport) Factory() interfaces.SessionFactory {
	return func(endpoint string) interfaces.Session {
		s := &Session{Endpoint: endpoint}
		t.mu.Lock()
		n := len(t.sessions)
		t.sessions = append(t.sessions, s)
		t.mu.Unlock()
		if t.Configure != nil {
			t.Configure(n, s)
		}
		return s
	}
}

// Sessions returns every session created so far
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Session(nil), t.sessions...)
}

// Created returns the number of sessions created so far
func (t *Transport) Created() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// FailEvery returns a Configure func failing every session whose index
// satisfies fail
func FailEvery(fail func(n int) bool) func(int, *Session) {
	return func(n int, s *Session) {
		if fail(n) {
			s.StartErr = ErrRefused
		}
	}
}
