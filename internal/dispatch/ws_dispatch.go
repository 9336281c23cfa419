package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/roadside-dispatch/internal/observability"
)

var (
	ErrNoSession   = errors.New("no ws session")
	ErrQueueFull   = errors.New("ws session queue full")
	ErrStaleEvent  = errors.New("event older than last delivered for request")
	ErrSessionDone = errors.New("ws session closed")
)

const sessionQueueSize = 64

// Conn is the subset of *websocket.Conn a session writes to.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// WSSession is one connected user. Events are queued in call order and
// written by a single goroutine.
type WSSession struct {
	userID string
	conn   Conn
	queue  chan Event
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	lastSeq map[string]int64
	onClose func(*WSSession)
}

func newSession(userID string, conn Conn, onClose func(*WSSession)) *WSSession {
	s := &WSSession{
		userID:  userID,
		conn:    conn,
		queue:   make(chan Event, sessionQueueSize),
		done:    make(chan struct{}),
		lastSeq: make(map[string]int64),
		onClose: onClose,
	}
	go s.writeLoop()
	return s
}

func (s *WSSession) enqueue(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionDone
	}
	if ev.RequestID != "" && ev.Seq > 0 {
		if ev.Seq < s.lastSeq[ev.RequestID] {
			return ErrStaleEvent
		}
		s.lastSeq[ev.RequestID] = ev.Seq
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *WSSession) writeLoop() {
	defer close(s.done)
	for ev := range s.queue {
		if err := s.conn.WriteJSON(ev); err != nil {
			slog.Warn("ws write failed", "user_id", s.userID, "error", err)
			s.shutdown()
			// drain so enqueue never blocks on a dead session
			for range s.queue {
			}
			return
		}
	}
}

// Close stops the session and closes the connection.
func (s *WSSession) Close() {
	s.shutdown()
	<-s.done
}

func (s *WSSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}

// WSRegistry holds one session per user.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for userID, replacing and closing any previous session.
func (r *WSRegistry) Add(userID string, conn Conn) *WSSession {
	s := newSession(userID, conn, r.remove)
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()
	if old != nil {
		old.shutdown()
	} else {
		observability.WSConnections.Inc()
	}
	return s
}

func (r *WSRegistry) remove(s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.userID]; ok && cur == s {
		delete(r.sessions, s.userID)
		observability.WSConnections.Dec()
	}
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) Send(userID string, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.enqueue(ev)
}

// CloseAll shuts every session down; used on server shutdown.
func (r *WSRegistry) CloseAll() {
	r.mu.RLock()
	all := make([]*WSSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}
