// Package audit keeps a trail of the actions that change who may do what:
// logins, role grants and role revocations. The trail is what an election
// operator consults when a role assignment is disputed.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	ActionLogin      = "login"
	ActionAddRole    = "add_role"
	ActionRemoveRole = "remove_role"
)

// Entry is one identity-affecting action. For a login the actor and the
// target are the same sciper.
type Entry struct {
	Actor  int       `json:"actor"`
	Action string    `json:"action"`
	Target int       `json:"target"`
	Role   string    `json:"role,omitempty"`
	At     time.Time `json:"at"`
}

type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// DB is the subset of a pgx pool the postgres recorder needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRecorder appends entries to the audit_log table.
type PostgresRecorder struct {
	db DB
}

func NewPostgres(ctx context.Context, db DB) (*PostgresRecorder, error) {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			actor BIGINT NOT NULL,
			action TEXT NOT NULL,
			target BIGINT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, err
	}
	return &PostgresRecorder{db: db}, nil
}

func (r *PostgresRecorder) Record(ctx context.Context, entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_log (actor, action, target, role, at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.Actor, entry.Action, entry.Target, entry.Role, entry.At)
	return err
}

func (r *PostgresRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT actor, action, target, role, at FROM audit_log
		ORDER BY at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Actor, &entry.Action, &entry.Target, &entry.Role, &entry.At); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MemoryRecorder is the fallback when no database is configured; it keeps the
// most recent entries in a bounded ring and forgets them on restart.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

func NewMemory() *MemoryRecorder {
	return &MemoryRecorder{max: 1000}
}

func (r *MemoryRecorder) Record(ctx context.Context, entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
	return nil
}

// Recent reports newest first, like the postgres recorder.
func (r *MemoryRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	start := len(r.entries) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Entry, 0, len(r.entries)-start)
	for i := len(r.entries) - 1; i >= start; i-- {
		out = append(out, r.entries[i])
	}
	return out, nil
}
