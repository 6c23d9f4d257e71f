// Package history is the durable, append-only message log queried by
// conversation.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/amurg-ai/relay/hub/internal/membership"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

const (
	// DefaultLimit is the page size when none is configured.
	DefaultLimit = 100
	// MaxLimit caps any requested page size.
	MaxLimit = 500
)

// Query bounds a history read. Zero Limit means the log's default.
type Query struct {
	Limit  int
	Before *store.Cursor
}

// Page is one window of a conversation in ascending (timestamp, seq) order.
// NextBefore is set when older messages may exist.
type Page struct {
	Messages   []store.Message
	NextBefore *store.Cursor
}

// Log wraps a store.MessageLog backend with timestamp assignment and bounded,
// ascending reads.
type Log struct {
	backend      store.MessageLog
	defaultLimit int

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// New creates a Log over backend. defaultLimit <= 0 selects DefaultLimit.
func New(backend store.MessageLog, defaultLimit int) *Log {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Log{
		backend:      backend,
		defaultLimit: min(defaultLimit, MaxLimit),
		now:          time.Now,
	}
}

// stamp returns a server timestamp that never goes backwards, even if the
// wall clock does.
func (l *Log) stamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now().UTC()
	if t.Before(l.last) {
		t = l.last
	}
	l.last = t
	return t
}

// Append persists msg and returns the stored record. A zero CreatedAt is
// replaced by a server timestamp and an empty ID by a new ULID.
func (l *Log) Append(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.stamp()
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	seq, err := l.backend.AppendMessage(ctx, &msg)
	if err != nil {
		return store.Message{}, fmt.Errorf("append message: %w", err)
	}
	msg.Seq = seq
	return msg, nil
}

// Query returns the most recent messages of the conversation dest as seen by
// viewer. A private conversation is the union of both directions between
// viewer and the target, whichever side asks.
func (l *Log) Query(ctx context.Context, dest membership.Destination, viewer string, q Query) (Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = l.defaultLimit
	}
	limit = min(limit, MaxLimit)
	sq := store.MessageQuery{Limit: limit, Before: q.Before}

	var (
		rows []store.Message
		err  error
	)
	switch d := dest.(type) {
	case membership.Private:
		rows, err = l.backend.ListPrivateMessages(ctx, viewer, d.Identity, sq)
	case membership.Group:
		rows, err = l.backend.ListGroupMessages(ctx, d.Handle, sq)
	default:
		return Page{}, fmt.Errorf("unsupported destination %T", dest)
	}
	if err != nil {
		return Page{}, fmt.Errorf("query history: %w", err)
	}

	var page Page
	if len(rows) == limit {
		cur := store.CursorOf(rows[len(rows)-1])
		page.NextBefore = &cur
	}
	// Backends return newest first.
	page.Messages = lo.Reverse(rows)
	if page.Messages == nil {
		page.Messages = []store.Message{}
	}
	return page, nil
}

// Purge deletes messages created before cutoff.
func (l *Log) Purge(ctx context.Context, before time.Time) (int64, error) {
	return l.backend.PurgeOldMessages(ctx, before)
}

// ToWire converts a stored message to its wire form.
func ToWire(m store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Text:      m.Text,
		IsGroup:   m.IsGroup,
		Timestamp: m.CreatedAt,
	}
}

// ToWireAll converts a page of stored messages.
func ToWireAll(ms []store.Message) []protocol.ChatMessage {
	return lo.Map(ms, func(m store.Message, _ int) protocol.ChatMessage { return ToWire(m) })
}
