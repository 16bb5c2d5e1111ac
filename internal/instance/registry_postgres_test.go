package instance

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockRegistry(t *testing.T) (*PGRegistry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS servers").WillReturnResult(sqlmock.NewResult(0, 0))
	r, err := NewPGRegistry(db)
	if err != nil {
		t.Fatalf("NewPGRegistry() error: %v", err)
	}
	r.nowFunc = func() time.Time { return time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC) }
	return r, mock
}

func TestPGRegistryCreate(t *testing.T) {
	r, mock := newMockRegistry(t)

	mock.ExpectExec("INSERT INTO servers").WillReturnResult(sqlmock.NewResult(1, 1))
	if _, err := r.Create(context.Background(), Server{Name: "lobby", Port: 25565}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	mock.ExpectExec("INSERT INTO servers").WillReturnError(&pq.Error{Code: "23505"})
	if _, err := r.Create(context.Background(), Server{Name: "dup", Port: 25565}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPGRegistryGetAndSetRunning(t *testing.T) {
	r, mock := newMockRegistry(t)
	now := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "name", "port", "version", "running", "created_at", "modified_at"}

	mock.ExpectQuery("SELECT id, name, port, version, running, created_at, modified_at FROM servers WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := r.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectExec("UPDATE servers SET running = \\$2").
		WithArgs("s1", true, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, name, port, version, running, created_at, modified_at FROM servers WHERE id = \\$1").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", "lobby", 25565, "1.20.4", true, now, now))
	s, err := r.SetRunning(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("SetRunning() error: %v", err)
	}
	if !s.Running {
		t.Fatalf("expected running server")
	}

	mock.ExpectExec("UPDATE servers SET running = \\$2").WillReturnResult(sqlmock.NewResult(0, 0))
	if _, err := r.SetRunning(context.Background(), "gone", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}
