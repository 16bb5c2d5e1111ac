package instance

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRegistryCRUD(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.nowFunc = func() time.Time { return time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC) }

	created, err := r.Create(ctx, Server{Name: " lobby ", Port: 25565, Version: "1.20.4"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.ID == "" || created.Name != "lobby" {
		t.Fatalf("unexpected created server: %+v", created)
	}
	if created.Running {
		t.Fatalf("expected new server to be offline")
	}

	if _, err := r.Create(ctx, Server{Name: "other", Port: 25565}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}

	got, err := r.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Port != 25565 {
		t.Fatalf("expected port 25565, got %d", got.Port)
	}

	running, err := r.SetRunning(ctx, created.ID, true)
	if err != nil {
		t.Fatalf("SetRunning() error: %v", err)
	}
	if !running.Running {
		t.Fatalf("expected running server")
	}

	updated, err := r.Update(ctx, created.ID, Patch{Name: "hub", Port: 25566})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Name != "hub" || updated.Port != 25566 || !updated.Running {
		t.Fatalf("unexpected updated server: %+v", updated)
	}

	list, err := r.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %v, %v", list, err)
	}

	if err := r.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := r.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := r.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestRegistryValidation(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	cases := []Server{
		{Name: "", Port: 25565},
		{Name: "ok", Port: 0},
		{Name: "ok", Port: 70000},
	}
	for _, s := range cases {
		if _, err := r.Create(ctx, s); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", s, err)
		}
	}
	if _, err := r.SetRunning(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryStatePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "servers.json")
	r, err := NewRegistryWithFile(path)
	if err != nil {
		t.Fatalf("NewRegistryWithFile() error: %v", err)
	}
	created, err := r.Create(ctx, Server{Name: "survival", Port: 25570})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := r.SetRunning(ctx, created.ID, true); err != nil {
		t.Fatalf("SetRunning() error: %v", err)
	}

	r2, err := NewRegistryWithFile(path)
	if err != nil {
		t.Fatalf("NewRegistryWithFile() second error: %v", err)
	}
	got, err := r2.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Name != "survival" || !got.Running {
		t.Fatalf("unexpected reloaded server: %+v", got)
	}
}
