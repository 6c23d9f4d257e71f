package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amurg-ai/relay/hub/internal/membership"
	"github.com/amurg-ai/relay/hub/internal/store"
)

func newTestLog(t *testing.T, limit int) *Log {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, limit)
}

func mustAppend(t *testing.T, l *Log, from, to, text string, isGroup bool) store.Message {
	t.Helper()
	m, err := l.Append(context.Background(), store.Message{From: from, To: to, Text: text, IsGroup: isGroup})
	if err != nil {
		t.Fatalf("Append(%s): %v", text, err)
	}
	return m
}

func texts(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	l := newTestLog(t, 0)

	m := mustAppend(t, l, "alice", "bob", "hi", false)
	if m.ID == "" {
		t.Error("ID not assigned")
	}
	if m.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}
	if m.Seq == 0 {
		t.Error("Seq not assigned")
	}

	// A caller supplied timestamp is kept.
	at := time.Unix(1_700_000_000, 0).UTC()
	kept, err := l.Append(context.Background(), store.Message{From: "alice", To: "bob", Text: "old", CreatedAt: at})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !kept.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt: got %v, want %v", kept.CreatedAt, at)
	}
}

func TestAppendMonotonicTimestamps(t *testing.T) {
	l := newTestLog(t, 0)

	base := time.Unix(1_700_000_000, 0)
	clock := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	i := 0
	l.now = func() time.Time {
		now := clock[i]
		i++
		return now
	}

	a := mustAppend(t, l, "alice", "bob", "a", false)
	b := mustAppend(t, l, "alice", "bob", "b", false)
	c := mustAppend(t, l, "alice", "bob", "c", false)

	if b.CreatedAt.Before(a.CreatedAt) {
		t.Errorf("timestamp went backwards: %v after %v", b.CreatedAt, a.CreatedAt)
	}
	if !c.CreatedAt.After(b.CreatedAt) {
		t.Errorf("timestamp did not advance: %v after %v", c.CreatedAt, b.CreatedAt)
	}

	// a and b share a timestamp; insertion order breaks the tie.
	page, err := l.Query(context.Background(), membership.Private{Identity: "bob"}, "alice", Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := texts(page.Messages); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("order: got %v", got)
	}
}

func TestQueryPrivateSymmetric(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()

	mustAppend(t, l, "alice", "bob", "hi bob", false)
	mustAppend(t, l, "bob", "alice", "hi alice", false)
	mustAppend(t, l, "alice", "carol", "not for bob", false)
	mustAppend(t, l, "carol", "bob", "also not", false)

	fromAlice, err := l.Query(ctx, membership.Private{Identity: "bob"}, "alice", Query{})
	if err != nil {
		t.Fatalf("Query(alice view): %v", err)
	}
	fromBob, err := l.Query(ctx, membership.Private{Identity: "alice"}, "bob", Query{})
	if err != nil {
		t.Fatalf("Query(bob view): %v", err)
	}

	want := []string{"hi bob", "hi alice"}
	if got := texts(fromAlice.Messages); !equalStrings(got, want) {
		t.Errorf("alice view: got %v, want %v", got, want)
	}
	if got := texts(fromBob.Messages); !equalStrings(got, want) {
		t.Errorf("bob view: got %v, want %v", got, want)
	}
	if fromAlice.NextBefore != nil {
		t.Error("NextBefore set on a short page")
	}
}

func TestQueryGroup(t *testing.T) {
	l := newTestLog(t, 0)
	ctx := context.Background()

	mustAppend(t, l, "alice", "g1", "one", true)
	mustAppend(t, l, "bob", "g1", "two", true)
	mustAppend(t, l, "alice", "g2", "elsewhere", true)
	// A private message to an identity that shares the handle is not group history.
	mustAppend(t, l, "carol", "g1", "private", false)

	page, err := l.Query(ctx, membership.Group{Handle: "g1"}, "alice", Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := texts(page.Messages); !equalStrings(got, []string{"one", "two"}) {
		t.Errorf("group history: got %v", got)
	}
}

func TestQueryBoundedAndPaged(t *testing.T) {
	l := newTestLog(t, 3)
	ctx := context.Background()

	for _, text := range []string{"1", "2", "3", "4", "5"} {
		mustAppend(t, l, "alice", "bob", text, false)
	}

	page, err := l.Query(ctx, membership.Private{Identity: "bob"}, "alice", Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := texts(page.Messages); !equalStrings(got, []string{"3", "4", "5"}) {
		t.Fatalf("first page: got %v, want most recent three ascending", got)
	}
	if page.NextBefore == nil {
		t.Fatal("NextBefore not set on a full page")
	}

	older, err := l.Query(ctx, membership.Private{Identity: "bob"}, "alice", Query{Before: page.NextBefore})
	if err != nil {
		t.Fatalf("Query(before): %v", err)
	}
	if got := texts(older.Messages); !equalStrings(got, []string{"1", "2"}) {
		t.Fatalf("second page: got %v", got)
	}
	if older.NextBefore != nil {
		t.Error("NextBefore set on the last page")
	}

	capped, err := l.Query(ctx, membership.Private{Identity: "bob"}, "alice", Query{Limit: MaxLimit * 10})
	if err != nil {
		t.Fatalf("Query(huge limit): %v", err)
	}
	if len(capped.Messages) != 5 {
		t.Errorf("huge limit: got %d messages", len(capped.Messages))
	}
}

func TestQueryEmpty(t *testing.T) {
	l := newTestLog(t, 0)

	page, err := l.Query(context.Background(), membership.Private{Identity: "nobody"}, "alice", Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Messages == nil || len(page.Messages) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", page.Messages)
	}
}

type failingBackend struct{ store.MessageLog }

func (failingBackend) AppendMessage(ctx context.Context, msg *store.Message) (int64, error) {
	return 0, errors.New("disk full")
}

func TestAppendFailure(t *testing.T) {
	l := New(failingBackend{}, 0)
	if _, err := l.Append(context.Background(), store.Message{From: "a", To: "b", Text: "x"}); err == nil {
		t.Fatal("expected error from failing backend")
	}
}
