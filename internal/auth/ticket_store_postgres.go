package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresTicketStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewPostgresTicketStore(db *sql.DB) (*PostgresTicketStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PostgresTicketStore{db: db, nowFunc: time.Now}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresTicketStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS ws_tickets (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	origin_address TEXT NOT NULL,
	agent TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure ws_tickets schema: %w", err)
	}
	return nil
}

// InsertIfAbsent first clears an expired holder of the token, then relies on
// the primary key to reject a live one.
func (s *PostgresTicketStore) InsertIfAbsent(ctx context.Context, t Ticket, ttl time.Duration) (bool, error) {
	now := s.nowFunc()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ws_tickets WHERE token = $1 AND expires_at <= $2`, t.Token, now); err != nil {
		return false, fmt.Errorf("clear expired ticket: %w", err)
	}

	const q = `
INSERT INTO ws_tickets (token, user_id, origin_address, agent, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (token) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, t.Token, t.UserID, t.OriginAddress, t.Agent, t.CreatedAt, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("insert ticket: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read insert affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresTicketStore) Take(ctx context.Context, token string) (Ticket, error) {
	const q = `
DELETE FROM ws_tickets WHERE token = $1
RETURNING token, user_id, origin_address, agent, created_at, expires_at`
	var t Ticket
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, q, token).Scan(&t.Token, &t.UserID, &t.OriginAddress, &t.Agent, &t.CreatedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ticket{}, ErrTicketNotFound
		}
		return Ticket{}, fmt.Errorf("take ticket: %w", err)
	}
	if !s.nowFunc().Before(expiresAt) {
		return Ticket{}, ErrTicketNotFound
	}
	return t, nil
}

func (s *PostgresTicketStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ws_tickets WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge tickets: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read purge affected rows: %w", err)
	}
	return int(affected), nil
}
