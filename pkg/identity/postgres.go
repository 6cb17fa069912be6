package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store needs; tests substitute fakes.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type dbCloser interface {
	DB
	Close()
}

// PostgresStore keeps user records in a single users table, keyed by the
// sciper rendered as text.
type PostgresStore struct {
	db DB
}

func NewPostgres(ctx context.Context, db DB) (*PostgresStore, error) {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			sciper     TEXT PRIMARY KEY,
			firstname  TEXT NOT NULL DEFAULT '',
			lastname   TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT 'voter',
			loggedin   BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("ensure users table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying pool so other tables can share the connection.
func (s *PostgresStore) DB() DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	if closer, ok := s.db.(dbCloser); ok {
		closer.Close()
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sciper int) (User, error) {
	var user User
	var key string
	row := s.db.QueryRow(ctx, `SELECT sciper, firstname, lastname, role, loggedin FROM users WHERE sciper=$1`, strconv.Itoa(sciper))
	if err := row.Scan(&key, &user.FirstName, &user.LastName, &user.Role, &user.LoggedIn); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	user.Sciper, _ = strconv.Atoi(key)
	return user, nil
}

func (s *PostgresStore) Put(ctx context.Context, user User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users(sciper, firstname, lastname, role, loggedin, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (sciper)
		DO UPDATE SET
			firstname  = EXCLUDED.firstname,
			lastname   = EXCLUDED.lastname,
			role       = EXCLUDED.role,
			loggedin   = EXCLUDED.loggedin,
			updated_at = now()
	`, strconv.Itoa(user.Sciper), user.FirstName, user.LastName, string(user.Role), user.LoggedIn)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, sciper int) error {
	_, err := s.db.Exec(ctx, `DELETE FROM users WHERE sciper=$1`, strconv.Itoa(sciper))
	return err
}

func (s *PostgresStore) ListPrivileged(ctx context.Context) ([]User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT sciper, firstname, lastname, role, loggedin
		FROM users
		WHERE role NOT IN ('', 'voter')
		ORDER BY sciper
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []User{}
	for rows.Next() {
		var user User
		var key string
		if err := rows.Scan(&key, &user.FirstName, &user.LastName, &user.Role, &user.LoggedIn); err != nil {
			return nil, err
		}
		user.Sciper, _ = strconv.Atoi(key)
		users = append(users, user)
	}
	return users, rows.Err()
}
