package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresSessionStore relies on the primary key of auth_sessions for
// insert-if-absent.
type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(db *sql.DB) (*PostgresSessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PostgresSessionStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresSessionStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS auth_sessions (
	sid TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure auth_sessions schema: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Insert(ctx context.Context, sess Session) error {
	const q = `
INSERT INTO auth_sessions (sid, user_id, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (sid) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read insert affected rows: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, sid string) (Session, error) {
	const q = `SELECT sid, user_id, created_at, expires_at FROM auth_sessions WHERE sid = $1`
	var sess Session
	if err := s.db.QueryRowContext(ctx, q, sid).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, sid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE sid = $1`, sid); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read purge affected rows: %w", err)
	}
	return int(affected), nil
}
