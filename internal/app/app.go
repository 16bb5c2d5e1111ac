package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"myconnectionsvr/semoxy-core/internal/audit"
	"myconnectionsvr/semoxy-core/internal/auth"
	"myconnectionsvr/semoxy-core/internal/config"
	"myconnectionsvr/semoxy-core/internal/httpserver"
	"myconnectionsvr/semoxy-core/internal/instance"
	"myconnectionsvr/semoxy-core/internal/observability"
)

// rootPermissions is granted to the bootstrap root user.
var rootPermissions = []string{
	"account.ticket",
	"server.create",
	"server.delete",
	"server.start",
	"server.stop",
	"server.update",
	"server.view",
}

// purger sweeps expired records from stores without native expiry.
type purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type App struct {
	cfg     config.Config
	log     zerolog.Logger
	db      *sql.DB
	rdb     *redis.Client
	server  *httpserver.Server
	purgers map[string]purger
}

func New(cfg config.Config) (*App, error) {
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	a := &App{cfg: cfg, log: logger}
	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.cfg
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if cfg.DatabaseURL != "" {
		a.db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	userStore, err := a.userStore()
	if err != nil {
		return err
	}
	sessionStore, err := a.sessionStore()
	if err != nil {
		return err
	}
	ticketStore, err := a.ticketStore()
	if err != nil {
		return err
	}
	servers, err := a.serverRegistry()
	if err != nil {
		return err
	}

	authService, err := auth.NewService(userStore, auth.ServiceConfig{
		PasswordPepper: cfg.Auth.PasswordPepper,
		SessionTTL:     cfg.Auth.SessionTTL,
		SessionStore:   sessionStore,
	})
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}
	issuer, err := auth.NewTicketIssuer(ticketStore, auth.TicketConfig{
		TTL:         cfg.Tickets.TTL,
		MaxAttempts: cfg.Tickets.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("create ticket issuer: %w", err)
	}
	if err := a.bootstrapRoot(ctx, userStore, authService); err != nil {
		return err
	}
	a.purgers = map[string]purger{"sessions": authService, "tickets": issuer}

	proxies, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	a.server = httpserver.New(cfg.HTTP, httpserver.Deps{
		Auth:           authService,
		Tickets:        issuer,
		Servers:        servers,
		Audit:          audit.NewLogger(cfg.AuditLogFile),
		Log:            a.log,
		Ready:          a.readyChecks(),
		TrustedProxies: proxies,
	})
	return nil
}

func (a *App) userStore() (auth.UserStore, error) {
	if a.db != nil {
		s, err := auth.NewPostgresUserStore(a.db)
		if err != nil {
			return nil, fmt.Errorf("create postgres user store: %w", err)
		}
		return s, nil
	}
	s, err := auth.NewFileUserStore(a.cfg.Auth.UserStateFile)
	if err != nil {
		return nil, fmt.Errorf("create user store: %w", err)
	}
	return s, nil
}

// sessionStore prefers Redis, then Postgres, then process memory.
func (a *App) sessionStore() (auth.SessionStore, error) {
	switch {
	case a.rdb != nil:
		s, err := auth.NewRedisSessionStore(a.rdb, "")
		if err != nil {
			return nil, fmt.Errorf("create redis session store: %w", err)
		}
		return s, nil
	case a.db != nil:
		s, err := auth.NewPostgresSessionStore(a.db)
		if err != nil {
			return nil, fmt.Errorf("create postgres session store: %w", err)
		}
		return s, nil
	}
	a.log.Warn().Msg("no redis or database configured, sessions are kept in memory")
	return auth.NewInMemorySessionStore(), nil
}

func (a *App) ticketStore() (auth.TicketStore, error) {
	switch {
	case a.rdb != nil:
		s, err := auth.NewRedisTicketStore(a.rdb, "")
		if err != nil {
			return nil, fmt.Errorf("create redis ticket store: %w", err)
		}
		return s, nil
	case a.db != nil:
		s, err := auth.NewPostgresTicketStore(a.db)
		if err != nil {
			return nil, fmt.Errorf("create postgres ticket store: %w", err)
		}
		return s, nil
	}
	return auth.NewInMemoryTicketStore(), nil
}

func (a *App) serverRegistry() (httpserver.ServerRegistry, error) {
	if a.db != nil {
		r, err := instance.NewPGRegistry(a.db)
		if err != nil {
			return nil, fmt.Errorf("create postgres server registry: %w", err)
		}
		return r, nil
	}
	r, err := instance.NewRegistryWithFile(a.cfg.ServerStateFile)
	if err != nil {
		return nil, fmt.Errorf("create server registry: %w", err)
	}
	return r, nil
}

func (a *App) bootstrapRoot(ctx context.Context, users auth.UserStore, svc *auth.Service) error {
	name := a.cfg.Auth.BootstrapUsername
	_, err := users.GetByUsername(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, auth.ErrUserNotFound) {
		return fmt.Errorf("check bootstrap user: %w", err)
	}
	hash, err := svc.HashPassword(a.cfg.Auth.BootstrapPassword)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	perms := make(map[string]bool, len(rootPermissions))
	for _, p := range rootPermissions {
		perms[p] = true
	}
	if err := users.Put(ctx, auth.User{
		ID:           uuid.NewString(),
		Username:     name,
		PasswordHash: hash,
		Permissions:  perms,
		Root:         true,
	}); err != nil {
		return fmt.Errorf("create bootstrap user: %w", err)
	}
	a.log.Info().Str("username", name).Msg("bootstrap root user created")
	return nil
}

func (a *App) readyChecks() map[string]httpserver.ReadyCheck {
	checks := make(map[string]httpserver.ReadyCheck)
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	return checks
}

func (a *App) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go a.purgeLoop(purgeCtx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.HTTP.Addr).Msg("http server starting")
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

// purgeLoop removes expired sessions and tickets on an interval. Session and
// ticket lookups reject expired records whether or not a sweep has run.
func (a *App) purgeLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.Auth.PurgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.purgeOnce(ctx)
		}
	}
}

func (a *App) purgeOnce(ctx context.Context) {
	for name, p := range a.purgers {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			a.log.Warn().Err(err).Str("store", name).Msg("purge expired records")
			continue
		}
		if n > 0 {
			a.log.Debug().Int("removed", n).Str("store", name).Msg("purged expired records")
		}
	}
}
