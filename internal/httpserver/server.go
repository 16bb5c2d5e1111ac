package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"myconnectionsvr/semoxy-core/internal/apierror"
	"myconnectionsvr/semoxy-core/internal/audit"
	"myconnectionsvr/semoxy-core/internal/auth"
	"myconnectionsvr/semoxy-core/internal/config"
	"myconnectionsvr/semoxy-core/internal/guard"
	"myconnectionsvr/semoxy-core/internal/instance"
)

type AuthService interface {
	Authenticate(ctx context.Context, username, password string) (auth.User, error)
	CreateSession(ctx context.Context, user auth.User) (auth.Session, error)
	ResolveSession(ctx context.Context, sid string) (auth.Session, error)
	ResolveUser(ctx context.Context, sess auth.Session) (auth.User, error)
	Logout(ctx context.Context, sid string) error
	ChangePassword(ctx context.Context, user auth.User, currentPassword, newPassword string) error
}

type TicketService interface {
	Issue(ctx context.Context, user auth.User, originAddress, agent string) (auth.Ticket, error)
}

type ServerRegistry interface {
	guard.ServerLookup
	Create(ctx context.Context, s instance.Server) (instance.Server, error)
	List(ctx context.Context) ([]instance.Server, error)
	SetRunning(ctx context.Context, id string, running bool) (instance.Server, error)
	Update(ctx context.Context, id string, p instance.Patch) (instance.Server, error)
	Delete(ctx context.Context, id string) error
}

type AuditLogger interface {
	Record(e audit.Event) error
}

// ReadyCheck reports whether one backing store is reachable.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Auth    AuthService
	Tickets TicketService
	Servers ServerRegistry
	Audit   AuditLogger
	Log     zerolog.Logger
	// Ready is keyed by store name and consulted by /readyz.
	Ready map[string]ReadyCheck
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
	// TrustedProxies may set X-Forwarded-For for ticket origin binding.
	TrustedProxies []netip.Prefix
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	deps.SecureCookies = deps.SecureCookies || cfg.SecureCookies
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewHandler(deps),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func NewHandler(deps Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, loggingMiddleware(deps.Log), sessionMiddleware(deps.Auth))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		apierror.Write(w, apierror.New(apierror.NotFound, "no such endpoint"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		apierror.Write(w, apierror.New(apierror.MethodNotAllowed, "method not allowed"))
	})

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyHandler(deps.Ready)).Methods(http.MethodGet)

	registerAccountHandlers(r, deps)
	registerServerHandlers(r, deps)
	return r
}

func readyHandler(checks map[string]ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		out := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Str("store", name).Msg("readiness check failed")
				out[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			out[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"status": readyWord(status), "stores": out})
	}
}

func readyWord(status int) string {
	if status == http.StatusOK {
		return "ready"
	}
	return "not ready"
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeSuccess emits the {success, data} envelope.
func writeSuccess(w http.ResponseWriter, message string, data any) {
	if data == nil {
		data = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": message, "data": data})
}
