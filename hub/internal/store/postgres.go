package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			name TEXT PRIMARY KEY,
			creator TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_name TEXT NOT NULL REFERENCES chat_groups(name) ON DELETE CASCADE,
			username TEXT NOT NULL,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (group_name, username)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_username ON group_members(username)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			is_group BOOLEAN NOT NULL DEFAULT FALSE,
			created_ns BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, created_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, is_group, created_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_ns)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			detail JSONB,
			created_ns BIGINT NOT NULL
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	if isPgUnique(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, role, created_at FROM users ORDER BY created_at, username",
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) CreateGroup(ctx context.Context, group *Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO chat_groups (name, creator, created_at) VALUES ($1, $2, $3)",
		group.Name, group.Creator, group.CreatedAt,
	); err != nil {
		if isPgUnique(err) {
			return ErrConflict
		}
		return err
	}
	for _, member := range group.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_name, username, added_at) VALUES ($1, $2, $3)
			 ON CONFLICT (group_name, username) DO NOTHING`,
			group.Name, member, group.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		"SELECT name, creator, created_at FROM chat_groups WHERE name = $1", name,
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

func (s *PostgresStore) groupMembers(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT username FROM group_members WHERE group_name = $1 ORDER BY added_at, username", name,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) ListGroupsByMember(ctx context.Context, username string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.name, g.creator, g.created_at
		 FROM chat_groups g JOIN group_members m ON m.group_name = g.name
		 WHERE m.username = $1 ORDER BY g.name`,
		username,
	)
	if err != nil {
		return nil, err
	}
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.Name, &g.Creator, &g.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	_ = rows.Close()
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

func (s *PostgresStore) AddGroupMember(ctx context.Context, group, username string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM chat_groups WHERE name = $1)", group,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_name, username) VALUES ($1, $2)
		 ON CONFLICT (group_name, username) DO NOTHING`,
		group, username,
	)
	return err
}

func (s *PostgresStore) RemoveGroupMember(ctx context.Context, group, username string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM group_members WHERE group_name = $1 AND username = $2", group, username,
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

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, sender, recipient, text, is_group, created_ns)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq`,
		msg.ID, msg.From, msg.To, msg.Text, msg.IsGroup, msg.CreatedAt.UnixNano(),
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) ListPrivateMessages(ctx context.Context, a, b string, q MessageQuery) ([]Message, error) {
	query := `SELECT seq, id, sender, recipient, text, is_group, created_ns FROM messages
	          WHERE is_group = FALSE AND ((sender = $1 AND recipient = $2) OR (sender = $2 AND recipient = $1))`
	return s.listMessages(ctx, query, []any{a, b}, q)
}

func (s *PostgresStore) ListGroupMessages(ctx context.Context, group string, q MessageQuery) ([]Message, error) {
	query := `SELECT seq, id, sender, recipient, text, is_group, created_ns FROM messages
	          WHERE is_group = TRUE AND recipient = $1`
	return s.listMessages(ctx, query, []any{group}, q)
}

func (s *PostgresStore) listMessages(ctx context.Context, query string, args []any, q MessageQuery) ([]Message, error) {
	if q.Before != nil {
		n := len(args)
		query += fmt.Sprintf(" AND (created_ns < $%d OR (created_ns = $%d AND seq < $%d))", n+1, n+1, n+2)
		args = append(args, q.Before.At.UnixNano(), q.Before.Seq)
	}
	query += fmt.Sprintf(" ORDER BY created_ns DESC, seq DESC LIMIT $%d", len(args)+1)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	var detail any
	if event.Detail != nil {
		detail = []byte(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, username, target, detail, created_ns)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.Username, event.Target, detail, event.CreatedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, username, target, detail, created_ns
		 FROM audit_events ORDER BY created_ns DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail []byte
		var ns int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Username, &e.Target, &detail, &ns); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			e.Detail = json.RawMessage(detail)
		}
		e.CreatedAt = time.Unix(0, ns).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_ns < $1", before.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_ns < $1", before.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
