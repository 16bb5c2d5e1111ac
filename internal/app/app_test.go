package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"myconnectionsvr/semoxy-core/internal/auth"
	"myconnectionsvr/semoxy-core/internal/config"
)

func testApp(t *testing.T) (*App, *auth.InMemoryUserStore, *auth.Service) {
	t.Helper()
	users := auth.NewInMemoryUserStore()
	svc, err := auth.NewService(users, auth.ServiceConfig{
		PasswordPepper: "pepper",
		SessionTTL:     time.Hour,
		SessionStore:   auth.NewInMemorySessionStore(),
		BcryptCost:     bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	cfg := config.Config{Auth: config.AuthConfig{BootstrapUsername: "root", BootstrapPassword: "Root-Password-1"}}
	return &App{cfg: cfg, log: zerolog.Nop()}, users, svc
}

func TestBootstrapRootCreatesOnce(t *testing.T) {
	a, users, svc := testApp(t)
	ctx := context.Background()

	if err := a.bootstrapRoot(ctx, users, svc); err != nil {
		t.Fatalf("bootstrapRoot() error: %v", err)
	}
	root, err := users.GetByUsername(ctx, "root")
	if err != nil {
		t.Fatalf("root user not created: %v", err)
	}
	if !root.Root || !root.Permissions["server.start"] || len(root.Permissions) != len(rootPermissions) {
		t.Fatalf("unexpected root user: %+v", root)
	}
	if _, err := uuid.Parse(root.ID); err != nil {
		t.Fatalf("expected uuid id, got %q", root.ID)
	}
	if _, err := svc.Authenticate(ctx, "root", "Root-Password-1"); err != nil {
		t.Fatalf("bootstrap password rejected: %v", err)
	}

	if err := a.bootstrapRoot(ctx, users, svc); err != nil {
		t.Fatalf("second bootstrapRoot() error: %v", err)
	}
	again, _ := users.GetByUsername(ctx, "root")
	if again.ID != root.ID {
		t.Fatalf("expected existing root kept, got new id %q", again.ID)
	}
}

type countingPurger struct {
	n     int
	err   error
	calls int
}

func (p *countingPurger) PurgeExpired(context.Context) (int, error) {
	p.calls++
	return p.n, p.err
}

func TestPurgeOnceVisitsEveryStore(t *testing.T) {
	a, _, _ := testApp(t)
	ok := &countingPurger{n: 3}
	failing := &countingPurger{err: errors.New("db down")}
	a.purgers = map[string]purger{"sessions": ok, "tickets": failing}

	a.purgeOnce(context.Background())
	if ok.calls != 1 || failing.calls != 1 {
		t.Fatalf("expected each purger called once, got %d and %d", ok.calls, failing.calls)
	}
}
