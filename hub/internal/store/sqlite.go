package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Shared-cache tables fail with SQLITE_LOCKED instead of honouring
		// busy_timeout, so funnel everything through one connection.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// Concurrent routers append from many goroutines; wait for the writer lock
	// instead of failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			name TEXT PRIMARY KEY,
			creator TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_name TEXT NOT NULL REFERENCES groups(name) ON DELETE CASCADE,
			username TEXT NOT NULL,
			added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_name, username)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_username ON group_members(username)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			is_group INTEGER NOT NULL DEFAULT 0,
			created_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, created_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, is_group, created_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_ns)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	if isSQLiteUnique(err) {
		return ErrConflict
	}
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, role, created_at FROM users ORDER BY created_at, username",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Groups ---

func (s *SQLiteStore) CreateGroup(ctx context.Context, group *Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO groups (name, creator, created_at) VALUES (?, ?, ?)",
		group.Name, group.Creator, group.CreatedAt,
	); err != nil {
		if isSQLiteUnique(err) {
			return ErrConflict
		}
		return err
	}
	for _, member := range group.Members {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO group_members (group_name, username, added_at) VALUES (?, ?, ?)",
			group.Name, member, group.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		"SELECT name, creator, created_at FROM groups WHERE name = ?", name,
	).Scan(&g.Name, &g.Creator, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if g.Members, err = s.groupMembers(ctx, name); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) groupMembers(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT username FROM group_members WHERE group_name = ? ORDER BY added_at, username", name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) ListGroupsByMember(ctx context.Context, username string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.name, g.creator, g.created_at
		 FROM groups g JOIN group_members m ON m.group_name = g.name
		 WHERE m.username = ? ORDER BY g.name`,
		username,
	)
	if err != nil {
		return nil, err
	}
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.Name, &g.Creator, &g.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		if groups[i].Members, err = s.groupMembers(ctx, groups[i].Name); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *SQLiteStore) AddGroupMember(ctx context.Context, group, username string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM groups WHERE name = ?", group,
	).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO group_members (group_name, username, added_at) VALUES (?, ?, ?)",
		group, username, time.Now(),
	)
	return err
}

func (s *SQLiteStore) RemoveGroupMember(ctx context.Context, group, username string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM group_members WHERE group_name = ? AND username = ?", group, username,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, sender, recipient, text, is_group, created_ns)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING seq`,
		msg.ID, msg.From, msg.To, msg.Text, msg.IsGroup, msg.CreatedAt.UnixNano(),
	).Scan(&seq)
	return seq, err
}

func (s *SQLiteStore) ListPrivateMessages(ctx context.Context, a, b string, q MessageQuery) ([]Message, error) {
	query := `SELECT seq, id, sender, recipient, text, is_group, created_ns FROM messages
	          WHERE is_group = 0 AND ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))`
	args := []any{a, b, b, a}
	return s.listMessages(ctx, query, args, q)
}

func (s *SQLiteStore) ListGroupMessages(ctx context.Context, group string, q MessageQuery) ([]Message, error) {
	query := `SELECT seq, id, sender, recipient, text, is_group, created_ns FROM messages
	          WHERE is_group = 1 AND recipient = ?`
	return s.listMessages(ctx, query, []any{group}, q)
}

func (s *SQLiteStore) listMessages(ctx context.Context, query string, args []any, q MessageQuery) ([]Message, error) {
	if q.Before != nil {
		ns := q.Before.At.UnixNano()
		query += " AND (created_ns < ? OR (created_ns = ? AND seq < ?))"
		args = append(args, ns, ns, q.Before.Seq)
	}
	query += " ORDER BY created_ns DESC, seq DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var ns int64
		if err := rows.Scan(&m.Seq, &m.ID, &m.From, &m.To, &m.Text, &m.IsGroup, &ns); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, ns).UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, username, target, detail, created_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.Username, event.Target, detail, event.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, username, target, detail, created_ns
		 FROM audit_events ORDER BY created_ns DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		var ns int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Username, &e.Target, &detail, &ns); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		e.CreatedAt = time.Unix(0, ns).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_ns < ?", before.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_ns < ?", before.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
