// Package session holds per-connection state: the WebSocket, the bounded
// outbound queue, owned bus subscriptions, and the lifecycle state machine.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/bus"
)

// State machine: Opening -> Authenticating -> Running -> Closing -> Closed.
// Closing is entered exactly once; Closed is terminal.
type State int32

const (
	StateOpening State = iota
	StateAuthenticating
	StateRunning
	StateClosing
	StateClosed
)

// CloseReason is the enumerated cause carried on the close frame and the
// disconnect accounting event.
type CloseReason string

const (
	ReasonNormal           CloseReason = "normal"
	ReasonAuthFailed       CloseReason = "auth-failed"
	ReasonReadError        CloseReason = "read-error"
	ReasonWriteError       CloseReason = "write-error"
	ReasonHeartbeatTimeout CloseReason = "heartbeat-timeout"
	ReasonSlowConsumer     CloseReason = "slow-consumer"
	ReasonServerShutdown   CloseReason = "server-shutdown"
	ReasonInternal         CloseReason = "internal-error"
)

// WebSocket close codes per reason, in the private 4xxx range.
func (r CloseReason) CloseCode() int {
	switch r {
	case ReasonNormal, ReasonServerShutdown:
		return websocket.CloseNormalClosure
	case ReasonAuthFailed:
		return 4401
	case ReasonHeartbeatTimeout:
		return 4408
	case ReasonSlowConsumer:
		return 4429
	default:
		return 4500
	}
}

// ErrSubscriptionLimit is returned when a session is at its subscription
// cap.
var ErrSubscriptionLimit = errors.New("session: subscription limit reached")

// Session is one live WebSocket. The writer goroutine is the sole mutator
// of the socket write-half; bus handlers only enqueue into the outbound
// queue.
type Session struct {
	ID        string
	Principal auth.Principal
	Conn      *websocket.Conn
	OpenedAt  time.Time

	// MessagesPerDayLimit is the tenant's daily message quota, 0 for
	// unlimited. Set once before the session starts running.
	MessagesPerDayLimit int64

	state         atomic.Int32
	closeReason   atomic.Value // CloseReason
	closing       chan struct{}
	closeOnce     sync.Once
	lastHeartbeat atomic.Int64 // unix nanos
	heartbeatSeen atomic.Bool  // client heartbeat since last monitor sweep

	outbound chan []byte

	mu      sync.Mutex
	subs    map[string]bus.SubHandle
	maxSubs int
}

func New(id string, principal auth.Principal, conn *websocket.Conn, queueSize, maxSubs int) *Session {
	s := &Session{
		ID:        id,
		Principal: principal,
		Conn:      conn,
		OpenedAt:  time.Now().UTC(),
		closing:   make(chan struct{}),
		outbound:  make(chan []byte, queueSize),
		subs:      make(map[string]bus.SubHandle),
		maxSubs:   maxSubs,
	}
	s.state.Store(int32(StateOpening))
	s.lastHeartbeat.Store(time.Now().UnixNano())
	return s
}

// TenantID is the principal's tenant; a connection's tenant never changes.
func (s *Session) TenantID() string {
	return s.Principal.TenantID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Advance moves the state machine forward. Returns false if the session is
// already Closing or Closed.
func (s *Session) Advance(to State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= StateClosing {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// BeginClose enters Closing exactly once and records the reason. Returns
// true for the caller that won and must run cleanup.
func (s *Session) BeginClose(reason CloseReason) bool {
	won := false
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		s.state.Store(int32(StateClosing))
		close(s.closing)
		won = true
	})
	return won
}

// Closing is closed when the session enters Closing state; every suspended
// per-session operation selects on it.
func (s *Session) Closing() <-chan struct{} {
	return s.closing
}

func (s *Session) CloseReason() CloseReason {
	if r, ok := s.closeReason.Load().(CloseReason); ok {
		return r
	}
	return ReasonNormal
}

// MarkClosed makes the terminal transition after cleanup.
func (s *Session) MarkClosed() {
	s.state.Store(int32(StateClosed))
}

// Enqueue appends an outbound frame. Returns false when the queue is full;
// the caller must terminate the session as a slow consumer.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// Outbound is drained only by the session's writer goroutine.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// QueueLen reports the current outbound backlog.
func (s *Session) QueueLen() int {
	return len(s.outbound)
}

// TouchHeartbeat refreshes the liveness clock on a client heartbeat frame.
func (s *Session) TouchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
	s.heartbeatSeen.Store(true)
}

// LastHeartbeat returns the time of the most recent client heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// ConsumeHeartbeatSeen reports and resets whether a client heartbeat
// arrived since the previous call. The monitor uses it to decide which
// registry TTLs to re-assert.
func (s *Session) ConsumeHeartbeatSeen() bool {
	return s.heartbeatSeen.Swap(false)
}

// AddSubscription records a bus handle owned by this session. Fails at the
// per-session cap.
func (s *Session) AddSubscription(subject string, handle bus.SubHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) >= s.maxSubs {
		return ErrSubscriptionLimit
	}
	s.subs[subject] = handle
	return nil
}

// HasSubscription reports whether the session already holds the subject.
func (s *Session) HasSubscription(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[subject]
	return ok
}

// RemoveSubscription detaches and returns the handle for the subject.
func (s *Session) RemoveSubscription(subject string) (bus.SubHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.subs[subject]
	if ok {
		delete(s.subs, subject)
	}
	return handle, ok
}

// SubscriptionCount returns the number of active subscriptions.
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// DetachSubscriptions empties the map and returns every handle so the
// caller can release them without holding the session lock.
func (s *Session) DetachSubscriptions() map[string]bus.SubHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs
	s.subs = make(map[string]bus.SubHandle)
	return subs
}
