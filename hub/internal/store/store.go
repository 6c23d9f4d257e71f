// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrConflict is returned when creating a record whose unique key already exists.
	ErrConflict = errors.New("already exists")
	// ErrNotFound is returned by mutations that target a missing record.
	ErrNotFound = errors.New("not found")
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Groups
	CreateGroup(ctx context.Context, group *Group) error
	GetGroup(ctx context.Context, name string) (*Group, error)
	ListGroupsByMember(ctx context.Context, username string) ([]Group, error)
	AddGroupMember(ctx context.Context, group, username string) error
	RemoveGroupMember(ctx context.Context, group, username string) error

	// Messages
	MessageLog

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageLog is the append-only message history. Both SQL stores implement
// it; the history package also provides a badger-backed implementation.
type MessageLog interface {
	// AppendMessage persists msg and returns its insertion sequence number.
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	// ListPrivateMessages returns messages exchanged between a and b in either
	// direction, newest first.
	ListPrivateMessages(ctx context.Context, a, b string, q MessageQuery) ([]Message, error)
	// ListGroupMessages returns messages addressed to group, newest first.
	ListGroupMessages(ctx context.Context, group string, q MessageQuery) ([]Message, error)
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
}

// User represents a registered account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Group is a named set of members. Membership changes are owned by the API;
// the router only reads it.
type Group struct {
	Name      string    `json:"name"`
	Creator   string    `json:"creator"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an immutable chat message record. Seq is assigned by the log on
// append and orders messages that share a timestamp.
type Message struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

// Cursor identifies a position in a conversation's (timestamp, seq) order.
type Cursor struct {
	At  time.Time
	Seq int64
}

// String encodes the cursor as "<unix-nanos>.<seq>".
func (c Cursor) String() string {
	return strconv.FormatInt(c.At.UnixNano(), 10) + "." + strconv.FormatInt(c.Seq, 10)
}

// ParseCursor decodes a cursor produced by Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	nanos, seq, ok := strings.Cut(s, ".")
	if !ok {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	q, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor seq: %w", err)
	}
	return Cursor{At: time.Unix(0, n).UTC(), Seq: q}, nil
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m Message) Cursor {
	return Cursor{At: m.CreatedAt, Seq: m.Seq}
}

// MessageQuery bounds a history listing. Before, when set, restricts the
// result to messages strictly older than the cursor.
type MessageQuery struct {
	Limit  int
	Before *Cursor
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Username  string          `json:"username,omitempty"`
	Target    string          `json:"target,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
