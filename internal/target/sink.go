// Package target serves a WebSocket endpoint that accepts connections and
// holds them open, so the driver can be exercised without a real server.
package target

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"crank/internal/fault"
)

// Options tune the sink
type Options struct {
	// PingInterval is how often held connections are pinged; zero disables
	PingInterval time.Duration
	// PongWait is how long a connection may stay silent once pings are on
	PongWait     time.Duration
	WriteTimeout time.Duration
	// Greeting, when set, is sent as a text frame right after the upgrade
	Greeting []byte
}

// DefaultOptions returns a 30s ping with a 60s pong deadline
func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Sink is an http.Handler that upgrades every request and holds the socket
// until the client leaves or the sink closes it
// ARCHITECTURAL DISCOVERY: One goroutine per socket owns reads; the ping
// ticker only writes control frames, which gorilla allows concurrently
type Sink struct {
	opts     Options
	upgrader websocket.Upgrader
	log      *log.Entry
	faults   *fault.Observer

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	accepted atomic.Int64
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// NewSink creates a sink. faults may be nil
func NewSink(opts Options, logger *log.Entry, faults *fault.Observer) *Sink {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("component", "sink")
	if faults == nil {
		faults = fault.NewObserver(logger)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	return &Sink{
		opts: opts,
		upgrader: websocket.Upgrader{
			// Load generators connect from anywhere
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		log:    logger,
		faults: faults,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and hands the socket to its own goroutine
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "sink is closing", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.accepted.Add(1)

	s.wg.Add(1)
	go s.hold(conn)
}

// hold runs the read pump of one connection until it ends
func (s *Sink) hold(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.faults.Recover("sink connection")
	defer s.release(conn)

	if len(s.opts.Greeting) > 0 {
		if err := s.write(conn, websocket.TextMessage, s.opts.Greeting); err != nil {
			return
		}
	}

	done := make(chan struct{})
	defer close(done)

	// TECHNICAL DISCOVERY: The read deadline only applies while pinging;
	// a pong pushes it out by PongWait
	if s.opts.PingInterval > 0 && s.opts.PongWait > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.PongWait)); err != nil {
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		})
		go s.ping(conn, done)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.closing.Load() {
				s.log.WithError(err).Debug("Connection dropped")
			}
			return
		}
	}
}

func (s *Sink) ping(conn *websocket.Conn, done <-chan struct{}) {
	defer s.faults.Recover("sink ping")

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Sink) write(conn *websocket.Conn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

func (s *Sink) release(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Held returns the number of connections currently held open
func (s *Sink) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted returns the number of connections upgraded since start
func (s *Sink) Accepted() int64 {
	return s.accepted.Load()
}

func (s *Sink) snapshot() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll ends every held connection with a going-away close frame and
// returns how many it closed. New upgrades are refused afterwards
func (s *Sink) CloseAll() int {
	s.closing.Store(true)
	conns := s.snapshot()
	deadline := time.Now().Add(s.opts.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "sink closing")
	for _, conn := range conns {
		// The read pump sees the client's close reply and releases the socket
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			_ = conn.Close()
		}
	}
	return len(conns)
}

// Drop closes every held socket without a close handshake, as a crashed
// server would
func (s *Sink) Drop() int {
	conns := s.snapshot()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// Wait blocks until every connection goroutine has returned
func (s *Sink) Wait() {
	s.wg.Wait()
}
