package history

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/relay/hub/internal/membership"
	"github.com/amurg-ai/relay/hub/internal/store"
)

func newTestBadgerLog(t *testing.T) *BadgerLog {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	l, err := NewBadgerLog(db, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func Test_Badger_Append_Assigns_Increasing_Seq(t *testing.T) {
	req := require.New(t)
	l := newTestBadgerLog(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		seq, err := l.AppendMessage(ctx, &store.Message{ID: "m", From: "alice", To: "bob", Text: "hi", CreatedAt: time.Now()})
		req.NoError(err)
		req.Greater(seq, last)
		last = seq
	}
}

func Test_Badger_Private_Conversation_Is_Symmetric(t *testing.T) {
	req := require.New(t)
	l := newTestBadgerLog(t)
	ctx := context.Background()
	at := time.Now().UTC()

	messages := []store.Message{
		{ID: "1", From: "alice", To: "bob", Text: "hi bob", CreatedAt: at},
		{ID: "2", From: "bob", To: "alice", Text: "hi alice", CreatedAt: at.Add(time.Minute)},
		{ID: "3", From: "alice", To: "carol", Text: "other", CreatedAt: at.Add(2 * time.Minute)},
	}
	for i := range messages {
		_, err := l.AppendMessage(ctx, &messages[i])
		req.NoError(err)
	}

	ab, err := l.ListPrivateMessages(ctx, "alice", "bob", store.MessageQuery{Limit: 10})
	req.NoError(err)
	ba, err := l.ListPrivateMessages(ctx, "bob", "alice", store.MessageQuery{Limit: 10})
	req.NoError(err)

	req.Len(ab, 2)
	req.Equal(ab, ba)
	// Newest first
	req.Equal("hi alice", ab[0].Text)
	req.Equal("hi bob", ab[1].Text)
	req.True(ab[1].CreatedAt.Equal(at))
}

func Test_Badger_Private_Keys_Do_Not_Collide_On_NUL(t *testing.T) {
	req := require.New(t)
	l := newTestBadgerLog(t)
	ctx := context.Background()

	_, err := l.AppendMessage(ctx, &store.Message{ID: "1", From: "x\x00y", To: "z", Text: "first pair", CreatedAt: time.Now()})
	req.NoError(err)
	_, err = l.AppendMessage(ctx, &store.Message{ID: "2", From: "x", To: "y\x00z", Text: "second pair", CreatedAt: time.Now()})
	req.NoError(err)

	first, err := l.ListPrivateMessages(ctx, "x\x00y", "z", store.MessageQuery{Limit: 10})
	req.NoError(err)
	req.Len(first, 1)
	req.Equal("first pair", first[0].Text)

	second, err := l.ListPrivateMessages(ctx, "x", "y\x00z", store.MessageQuery{Limit: 10})
	req.NoError(err)
	req.Len(second, 1)
	req.Equal("second pair", second[0].Text)
}

func Test_Badger_Group_History_And_Cursor(t *testing.T) {
	req := require.New(t)
	l := newTestBadgerLog(t)
	ctx := context.Background()
	at := time.Now().UTC()

	// Identical timestamps: seq keeps insertion order.
	for _, text := range []string{"a", "b", "c", "d"} {
		_, err := l.AppendMessage(ctx, &store.Message{ID: text, From: "alice", To: "g1", Text: text, IsGroup: true, CreatedAt: at})
		req.NoError(err)
	}
	_, err := l.AppendMessage(ctx, &store.Message{ID: "x", From: "alice", To: "g1", Text: "private", CreatedAt: at})
	req.NoError(err)

	first, err := l.ListGroupMessages(ctx, "g1", store.MessageQuery{Limit: 2})
	req.NoError(err)
	req.Len(first, 2)
	req.Equal("d", first[0].Text)
	req.Equal("c", first[1].Text)

	cur := store.CursorOf(first[1])
	rest, err := l.ListGroupMessages(ctx, "g1", store.MessageQuery{Limit: 10, Before: &cur})
	req.NoError(err)
	req.Len(rest, 2)
	req.Equal("b", rest[0].Text)
	req.Equal("a", rest[1].Text)
}

func Test_Badger_Purge(t *testing.T) {
	req := require.New(t)
	l := newTestBadgerLog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := l.AppendMessage(ctx, &store.Message{ID: "old", From: "alice", To: "bob", Text: "old", CreatedAt: now.Add(-48 * time.Hour)})
	req.NoError(err)
	_, err = l.AppendMessage(ctx, &store.Message{ID: "new", From: "alice", To: "bob", Text: "new", CreatedAt: now})
	req.NoError(err)

	n, err := l.PurgeOldMessages(ctx, now.Add(-24*time.Hour))
	req.NoError(err)
	req.Equal(int64(1), n)

	left, err := l.ListPrivateMessages(ctx, "alice", "bob", store.MessageQuery{Limit: 10})
	req.NoError(err)
	req.Len(left, 1)
	req.Equal("new", left[0].Text)
}

func Test_Badger_Backs_History_Log(t *testing.T) {
	req := require.New(t)
	log := New(newTestBadgerLog(t), 2)
	ctx := context.Background()

	for _, text := range []string{"1", "2", "3"} {
		_, err := log.Append(ctx, store.Message{From: "alice", To: "bob", Text: text})
		req.NoError(err)
	}

	page, err := log.Query(ctx, membership.Private{Identity: "alice"}, "bob", Query{})
	req.NoError(err)
	req.Equal([]string{"2", "3"}, texts(page.Messages))
	req.NotNil(page.NextBefore)

	older, err := log.Query(ctx, membership.Private{Identity: "alice"}, "bob", Query{Before: page.NextBefore})
	req.NoError(err)
	req.Equal([]string{"1"}, texts(older.Messages))
}
