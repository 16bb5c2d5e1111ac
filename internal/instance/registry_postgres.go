package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type PGRegistry struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewPGRegistry(db *sql.DB) (*PGRegistry, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	r := &PGRegistry{
		db:      db,
		nowFunc: time.Now,
	}
	if err := r.ensureSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PGRegistry) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	port INTEGER NOT NULL UNIQUE,
	version TEXT NOT NULL DEFAULT '',
	running BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL
)`
	if _, err := r.db.Exec(q); err != nil {
		return fmt.Errorf("ensure servers schema: %w", err)
	}
	return nil
}

func (r *PGRegistry) Create(ctx context.Context, s Server) (Server, error) {
	if err := validate(Patch{Name: s.Name, Port: s.Port}); err != nil {
		return Server{}, err
	}
	id, err := generateID(12)
	if err != nil {
		return Server{}, fmt.Errorf("generate id: %w", err)
	}
	now := r.nowFunc().UTC()
	s.ID = id
	s.Name = strings.TrimSpace(s.Name)
	s.CreatedAt = now
	s.ModifiedAt = now

	const q = `
INSERT INTO servers (id, name, port, version, running, created_at, modified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, q, s.ID, s.Name, s.Port, s.Version, s.Running, s.CreatedAt, s.ModifiedAt); err != nil {
		if isUniqueViolation(err) {
			return Server{}, ErrPortInUse
		}
		return Server{}, fmt.Errorf("insert server: %w", err)
	}
	return s, nil
}

func (r *PGRegistry) List(ctx context.Context) ([]Server, error) {
	const q = `
SELECT id, name, port, version, running, created_at, modified_at
FROM servers
ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	out := make([]Server, 0)
	for rows.Next() {
		var s Server
		if err := rows.Scan(&s.ID, &s.Name, &s.Port, &s.Version, &s.Running, &s.CreatedAt, &s.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return out, nil
}

func (r *PGRegistry) Get(ctx context.Context, id string) (Server, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Server{}, ErrNotFound
	}
	const q = `
SELECT id, name, port, version, running, created_at, modified_at
FROM servers
WHERE id = $1`
	var s Server
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.Name, &s.Port, &s.Version, &s.Running, &s.CreatedAt, &s.ModifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Server{}, ErrNotFound
		}
		return Server{}, fmt.Errorf("get server: %w", err)
	}
	return s, nil
}

func (r *PGRegistry) SetRunning(ctx context.Context, id string, running bool) (Server, error) {
	const q = `UPDATE servers SET running = $2, modified_at = $3 WHERE id = $1`
	if err := r.execOne(ctx, q, id, running, r.nowFunc().UTC()); err != nil {
		return Server{}, err
	}
	return r.Get(ctx, id)
}

func (r *PGRegistry) Update(ctx context.Context, id string, p Patch) (Server, error) {
	if err := validate(p); err != nil {
		return Server{}, err
	}
	const q = `UPDATE servers SET name = $2, port = $3, modified_at = $4 WHERE id = $1`
	if err := r.execOne(ctx, q, id, strings.TrimSpace(p.Name), p.Port, r.nowFunc().UTC()); err != nil {
		return Server{}, err
	}
	return r.Get(ctx, id)
}

func (r *PGRegistry) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, `DELETE FROM servers WHERE id = $1`, id)
}

func (r *PGRegistry) execOne(ctx context.Context, q string, id string, args ...any) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPortInUse
		}
		return fmt.Errorf("write server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
