// Package session owns client connections: their lifecycle from open through
// registration to close, outbound queues, and the WebSocket gateway.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/relay/hub/internal/history"
	"github.com/amurg-ai/relay/hub/internal/presence"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	ErrClosed             = errors.New("session closed")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrIdentityMismatch   = errors.New("identity does not match authenticated user")
	ErrTooManyConnections = errors.New("too many connections")
)

// State is a session's position in its lifecycle.
type State int

const (
	Unregistered State = iota
	Registered
	Closed
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one client connection. It implements presence.Conn.
type Session struct {
	id       string
	username string // from the token; the only identity this session may register
	role     string

	send chan []byte // never closed; writers select on done
	done chan struct{}

	mu       sync.Mutex
	state    State
	identity string

	closeOnce sync.Once

	rateMu      sync.Mutex
	msgTokens   float64
	msgLastTime time.Time
}

func newSession(username, role string, sendBuffer int) *Session {
	return &Session{
		id:       uuid.New().String(),
		username: username,
		role:     role,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// ID implements presence.Conn.
func (s *Session) ID() string { return s.id }

// Username returns the authenticated username.
func (s *Session) Username() string { return s.username }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the registered identity, or "" before registration.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outbound returns the queue of encoded frames waiting to be written.
func (s *Session) Outbound() <-chan []byte { return s.send }

// enqueue queues a frame without blocking.
func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *Session) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	if s.msgLastTime.IsZero() {
		s.msgTokens = burst
		s.msgLastTime = now
	}

	elapsed := now.Sub(s.msgLastTime).Seconds()
	s.msgTokens += elapsed * rate
	if s.msgTokens > burst {
		s.msgTokens = burst
	}
	s.msgLastTime = now

	if s.msgTokens < 1 {
		return false
	}
	s.msgTokens--
	return true
}

// Options configures the Manager.
type Options struct {
	SendBuffer      int // queued outbound frames per session; default 64
	MaxConnsPerUser int // 0 = unlimited
}

// Manager drives session lifecycles and keeps the presence registry in step
// with them. It implements router.Dispatcher.
type Manager struct {
	registry *presence.Registry
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]int

	// presenceMu orders broadcasts so every session sees snapshots in the
	// order they were taken.
	presenceMu sync.Mutex
}

// NewManager creates a Manager over reg.
func NewManager(reg *presence.Registry, logger *slog.Logger, opts Options) *Manager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Manager{
		registry: reg,
		logger:   logger.With("component", "session"),
		opts:     opts,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]int),
	}
}

// Open starts an Unregistered session for an authenticated user.
func (m *Manager) Open(username, role string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.MaxConnsPerUser > 0 && m.byUser[username] >= m.opts.MaxConnsPerUser {
		return nil, ErrTooManyConnections
	}
	s := newSession(username, role, m.opts.SendBuffer)
	m.sessions[s.id] = s
	m.byUser[username]++
	return s, nil
}

// Register binds s to identity. An empty identity means the session's
// username; any other name is refused. Registering again is a no-op that
// re-asserts the mapping.
func (m *Manager) Register(s *Session, identity string) (string, error) {
	if identity == "" {
		identity = s.username
	}
	if identity != s.username {
		return "", ErrIdentityMismatch
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.state = Registered
	s.identity = identity
	// Registry update happens under the session lock so a concurrent Close
	// cannot deregister before this register lands.
	superseded := m.registry.Register(identity, s)
	s.mu.Unlock()

	if superseded != nil {
		m.logger.Info("identity moved to a new connection", "identity", identity,
			"conn_id", s.id, "superseded_conn_id", superseded.ID())
	}
	m.logger.Info("session registered", "identity", identity, "conn_id", s.id)
	m.BroadcastPresence()
	return identity, nil
}

// Close moves s to Closed, removes it from the registry and tells the
// remaining sessions. Closing twice is a no-op.
func (m *Manager) Close(s *Session) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasRegistered := s.state == Registered
		s.state = Closed
		close(s.done)
		removed := m.registry.Deregister(s)
		s.mu.Unlock()

		m.mu.Lock()
		delete(m.sessions, s.id)
		m.byUser[s.username]--
		if m.byUser[s.username] <= 0 {
			delete(m.byUser, s.username)
		}
		m.mu.Unlock()

		m.logger.Info("session closed", "identity", s.identity, "conn_id", s.id, "deregistered", removed)
		if wasRegistered {
			m.BroadcastPresence()
		}
	})
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() {
	for _, s := range m.live() {
		m.Close(s)
	}
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) live() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastPresence pushes the current presence snapshot to every open
// session.
func (m *Manager) BroadcastPresence() {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	data, err := encode(protocol.TypePresence, "", protocol.Presence{Online: m.registry.Snapshot()})
	if err != nil {
		m.logger.Error("encode presence", "error", err)
		return
	}
	for _, s := range m.live() {
		if err := s.enqueue(data); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Warn("presence update dropped", "conn_id", s.id, "error", err)
		}
	}
}

// Deliver implements router.Dispatcher. The frame is queued, not written;
// a full queue drops it.
func (m *Manager) Deliver(conn presence.Conn, msg store.Message) error {
	s, ok := conn.(*Session)
	if !ok {
		return fmt.Errorf("unsupported connection type %T", conn)
	}
	err := m.Send(s, protocol.TypeMessage, "", history.ToWire(msg))
	if errors.Is(err, ErrSendBufferFull) {
		m.logger.Warn("slow consumer, message dropped", "identity", s.Identity(), "conn_id", s.id, "message_id", msg.ID)
	}
	return err
}

// Send queues an envelope for s. id correlates replies with a client request.
func (m *Manager) Send(s *Session, msgType, id string, payload any) error {
	data, err := encode(msgType, id, payload)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func encode(msgType, id string, payload any) ([]byte, error) {
	return json.Marshal(protocol.Envelope{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
