package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) (*PostgresUserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PostgresUserStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresUserStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS auth_users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	permissions JSONB NOT NULL DEFAULT '{}'::jsonb,
	root BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure auth_users schema: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (User, error) {
	if username == "" {
		return User{}, ErrUserNotFound
	}
	const q = `SELECT id, username, password_hash, permissions, root FROM auth_users WHERE username = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, q, username))
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (User, error) {
	if id == "" {
		return User{}, ErrUserNotFound
	}
	const q = `SELECT id, username, password_hash, permissions, root FROM auth_users WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresUserStore) scanOne(row *sql.Row) (User, error) {
	var u User
	var permsJSON []byte
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &permsJSON, &u.Root); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query auth user: %w", err)
	}
	if len(permsJSON) > 0 {
		if err := json.Unmarshal(permsJSON, &u.Permissions); err != nil {
			return User{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return u, nil
}

func (s *PostgresUserStore) Put(ctx context.Context, user User) error {
	user.Username = strings.TrimSpace(user.Username)
	if user.ID == "" || user.Username == "" || user.PasswordHash == "" {
		return fmt.Errorf("id, username, and password hash are required")
	}

	perms := user.Permissions
	if perms == nil {
		perms = map[string]bool{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	const q = `
INSERT INTO auth_users (id, username, password_hash, permissions, root, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (username) DO UPDATE
SET id = EXCLUDED.id,
	password_hash = EXCLUDED.password_hash,
	permissions = EXCLUDED.permissions,
	root = EXCLUDED.root,
	updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, q, user.ID, user.Username, user.PasswordHash, permsJSON, user.Root); err != nil {
		return fmt.Errorf("upsert auth user: %w", err)
	}
	return nil
}
