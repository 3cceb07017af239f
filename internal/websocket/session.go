package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crank/internal/fault"
	"crank/pkg/interfaces"
)

// Options tune the dialer and the keepalive of every session
type Options struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	// PingInterval enables client pings; zero leaves keepalive to the server
	PingInterval time.Duration
	WriteTimeout time.Duration
	Header       http.Header
}

// DefaultOptions mirrors websocket.DefaultDialer
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		WriteTimeout:     10 * time.Second,
	}
}

// Session implements interfaces.Session over a gorilla WebSocket
// ARCHITECTURAL DISCOVERY: One read goroutine per socket owns all reads and
// fans lifecycle events out to subscribers; writes are limited to control
// frames, which gorilla allows concurrently with other methods
type Session struct {
	endpoint string
	opts     Options
	faults   *fault.Observer

	mu         sync.RWMutex // Protect conn and subscriber lists
	conn       *websocket.Conn
	onReceived []func([]byte)
	onError    []func(error)
	onClosed   []func()

	started    atomic.Bool
	stopping   atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	closedOnce sync.Once
	done       chan struct{}
}

var _ interfaces.Session = (*Session)(nil)

// NewSession creates an unstarted session bound to endpoint
func NewSession(endpoint string, opts Options, faults *fault.Observer) *Session {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	if faults == nil {
		faults = fault.NewObserver(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		endpoint: endpoint,
		opts:     opts,
		faults:   faults,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Factory returns a SessionFactory producing sessions with opts
func Factory(opts Options, faults *fault.Observer) interfaces.SessionFactory {
	return func(endpoint string) interfaces.Session {
		return NewSession(endpoint, opts, faults)
	}
}

// DialURL maps an endpoint onto the WebSocket scheme
// FUNCTIONAL DISCOVERY: Same http->ws switch the test clients use
func DialURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func (s *Session) OnReceived(handler func(data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceived = append(s.onReceived, handler)
}

func (s *Session) OnError(handler func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, handler)
}

func (s *Session) OnClosed(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = append(s.onClosed, handler)
}

// Start dials the endpoint and starts the read loop
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return interfaces.ErrSessionStarted
	}
	if s.stopping.Load() {
		return interfaces.ErrSessionStopped
	}

	target, err := DialURL(s.endpoint)
	if err != nil {
		return err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.HandshakeTimeout,
		ReadBufferSize:   s.opts.ReadBufferSize,
		WriteBufferSize:  s.opts.WriteBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, target, s.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	// TECHNICAL DISCOVERY: stopping is checked under the same lock Stop takes,
	// so a concurrent Stop either sees conn or Start sees stopping
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return interfaces.ErrSessionStopped
	}
	s.conn = conn
	s.mu.Unlock()

	if s.opts.PingInterval > 0 {
		deadline := 2 * s.opts.PingInterval
		if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
		go s.pingLoop(conn)
	}

	go s.readLoop(conn)
	return nil
}

// readLoop delivers frames until the socket fails or is closed
func (s *Session) readLoop(conn *websocket.Conn) {
	defer close(s.done)
	defer s.fireClosed()
	defer s.faults.Recover("websocket read loop")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// FUNCTIONAL DISCOVERY: A normal close from either side is not an
			// error; anything else is reported before the close notification
			if !s.stopping.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fireError(err)
			}
			return
		}
		s.fireReceived(data)
	}
}

// pingLoop keeps idle connections alive through proxies
func (s *Session) pingLoop(conn *websocket.Conn) {
	defer s.faults.Recover("websocket ping loop")

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return // read loop observes the failure
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop sends a close frame and closes the socket, once
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.cancel()

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
		err = conn.Close()
	})
	return err
}

// Done is closed once the read loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) fireReceived(data []byte) {
	s.mu.RLock()
	handlers := s.onReceived
	s.mu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
}

func (s *Session) fireError(err error) {
	s.mu.RLock()
	handlers := s.onError
	s.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (s *Session) fireClosed() {
	s.closedOnce.Do(func() {
		s.cancel()
		s.mu.RLock()
		handlers := s.onClosed
		s.mu.RUnlock()
		for _, h := range handlers {
			h()
		}
	})
}
