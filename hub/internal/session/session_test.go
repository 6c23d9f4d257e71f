package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/amurg-ai/relay/hub/internal/presence"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *presence.Registry) {
	t.Helper()
	reg := presence.NewRegistry()
	return NewManager(reg, slog.Default(), opts), reg
}

// drain returns every frame queued for s without blocking.
func drain(t *testing.T, s *Session) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case data := <-s.Outbound():
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func lastPresence(t *testing.T, envs []protocol.Envelope) []string {
	t.Helper()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type != protocol.TypePresence {
			continue
		}
		var p protocol.Presence
		if err := protocol.DecodePayload(envs[i], &p); err != nil {
			t.Fatalf("decode presence: %v", err)
		}
		return p.Online
	}
	t.Fatal("no presence frame")
	return nil
}

func TestSessionLifecycle(t *testing.T) {
	m, reg := newTestManager(t, Options{})

	s, err := m.Open("alice", "user")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.State() != Unregistered {
		t.Errorf("state after open: got %v", s.State())
	}
	if reg.IsOnline("alice") {
		t.Error("alice online before register")
	}

	identity, err := m.Register(s, "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if identity != "alice" {
		t.Errorf("identity: got %q, want alice", identity)
	}
	if s.State() != Registered || s.Identity() != "alice" {
		t.Errorf("after register: state=%v identity=%q", s.State(), s.Identity())
	}
	if got := lastPresence(t, drain(t, s)); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("presence: got %v", got)
	}

	m.Close(s)
	if s.State() != Closed {
		t.Errorf("state after close: got %v", s.State())
	}
	if reg.IsOnline("alice") {
		t.Error("alice still online after close")
	}
	select {
	case <-s.Done():
	default:
		t.Error("done not closed")
	}
	if m.Count() != 0 {
		t.Errorf("count: got %d, want 0", m.Count())
	}

	// Second close is a no-op.
	m.Close(s)
	if m.Count() != 0 {
		t.Errorf("count after double close: got %d", m.Count())
	}
}

func TestRegisterRejectsForeignIdentity(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	s, _ := m.Open("alice", "user")

	if _, err := m.Register(s, "bob"); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("got %v, want ErrIdentityMismatch", err)
	}
	if s.State() != Unregistered {
		t.Errorf("state: got %v", s.State())
	}
	if reg.Len() != 0 {
		t.Errorf("registry: got %d entries", reg.Len())
	}
}

func TestRegisterAfterClose(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	s, _ := m.Open("alice", "user")
	m.Close(s)

	if _, err := m.Register(s, "alice"); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if reg.IsOnline("alice") {
		t.Error("closed session registered")
	}
}

func TestMaxConnsPerUser(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxConnsPerUser: 2})

	a1, err := m.Open("alice", "user")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open("alice", "user"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open("alice", "user"); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("third open: got %v", err)
	}
	if _, err := m.Open("bob", "user"); err != nil {
		t.Fatalf("other user: %v", err)
	}

	m.Close(a1)
	if _, err := m.Open("alice", "user"); err != nil {
		t.Fatalf("open after close: %v", err)
	}
}

func TestDeliverQueuesMessage(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s, _ := m.Open("bob", "user")
	if _, err := m.Register(s, ""); err != nil {
		t.Fatal(err)
	}
	drain(t, s)

	msg := store.Message{ID: "m1", From: "alice", To: "bob", Text: "hi", CreatedAt: time.Now().UTC()}
	if err := m.Deliver(s, msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	envs := drain(t, s)
	if len(envs) != 1 || envs[0].Type != protocol.TypeMessage {
		t.Fatalf("frames: %+v", envs)
	}
	var cm protocol.ChatMessage
	if err := protocol.DecodePayload(envs[0], &cm); err != nil {
		t.Fatal(err)
	}
	if cm.ID != "m1" || cm.From != "alice" || cm.Text != "hi" {
		t.Errorf("payload: %+v", cm)
	}
}

func TestDeliverToFullBufferIsDropped(t *testing.T) {
	m, _ := newTestManager(t, Options{SendBuffer: 1})
	s, _ := m.Open("bob", "user")
	// The presence broadcast from Register fills the single slot.
	if _, err := m.Register(s, ""); err != nil {
		t.Fatal(err)
	}

	err := m.Deliver(s, store.Message{ID: "m1", From: "alice", To: "bob", Text: "hi"})
	if !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("got %v, want ErrSendBufferFull", err)
	}
	// The session stays open; a slow consumer only loses frames.
	if s.State() != Registered {
		t.Errorf("state: got %v", s.State())
	}
}

func TestDeliverAfterClose(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s, _ := m.Open("bob", "user")
	m.Close(s)

	if err := m.Deliver(s, store.Message{ID: "m1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestCloseBroadcastsPresenceToOthers(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	a, _ := m.Open("alice", "user")
	b, _ := m.Open("bob", "user")
	for _, s := range []*Session{a, b} {
		if _, err := m.Register(s, ""); err != nil {
			t.Fatal(err)
		}
	}
	if got := lastPresence(t, drain(t, a)); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("alice saw %v", got)
	}
	drain(t, b)

	m.Close(a)
	if got := lastPresence(t, drain(t, b)); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("bob saw %v after alice left", got)
	}
}

func TestUnregisteredCloseDoesNotBroadcast(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	b, _ := m.Open("bob", "user")
	if _, err := m.Register(b, ""); err != nil {
		t.Fatal(err)
	}
	drain(t, b)

	a, _ := m.Open("alice", "user")
	m.Close(a)
	if envs := drain(t, b); len(envs) != 0 {
		t.Errorf("unexpected frames: %+v", envs)
	}
}

func TestSupersededSessionKeepsIdentityOnline(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	old, _ := m.Open("alice", "user")
	cur, _ := m.Open("alice", "user")
	if _, err := m.Register(old, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(cur, ""); err != nil {
		t.Fatal(err)
	}

	conn, ok := reg.Lookup("alice")
	if !ok || conn.ID() != cur.ID() {
		t.Fatalf("lookup: got %v, want latest session", conn)
	}

	// Closing the superseded session must not take alice offline.
	m.Close(old)
	if conn, ok := reg.Lookup("alice"); !ok || conn.ID() != cur.ID() {
		t.Fatalf("alice lost after closing superseded session")
	}
	if cur.State() != Registered {
		t.Errorf("current session state: %v", cur.State())
	}
}

func TestConcurrentRegisterAndClose(t *testing.T) {
	m, reg := newTestManager(t, Options{SendBuffer: 1024})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Open("alice", "user")
			if err != nil {
				t.Error(err)
				return
			}
			_, _ = m.Register(s, "")
			m.Close(s)
		}()
	}
	wg.Wait()

	if reg.IsOnline("alice") {
		t.Error("alice online after every session closed")
	}
	if m.Count() != 0 {
		t.Errorf("count: got %d", m.Count())
	}
}

func TestCloseAll(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	for _, u := range []string{"alice", "bob", "carol"} {
		s, _ := m.Open(u, "user")
		if _, err := m.Register(s, ""); err != nil {
			t.Fatal(err)
		}
	}

	m.CloseAll()
	if m.Count() != 0 || reg.Len() != 0 {
		t.Errorf("after CloseAll: count=%d registry=%d", m.Count(), reg.Len())
	}
}

func TestAllowMessage(t *testing.T) {
	s := newSession("alice", "user", 1)
	allowed := 0
	for i := 0; i < 100; i++ {
		if s.allowMessage() {
			allowed++
		}
	}
	// Burst is 50; refill during the loop is negligible.
	if allowed < 50 || allowed > 52 {
		t.Errorf("allowed %d of 100, want about 50", allowed)
	}
}
