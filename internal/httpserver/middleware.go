package httpserver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/rs/zerolog"

	"myconnectionsvr/semoxy-core/internal/apierror"
	"myconnectionsvr/semoxy-core/internal/audit"
	"myconnectionsvr/semoxy-core/internal/auth"
	"myconnectionsvr/semoxy-core/internal/guard"
)

const sessionCookie = "session"

type requestIDKey struct{}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return id.String()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = newRequestID()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// loggingMiddleware attaches a request-scoped logger to the context and
// writes one line per request.
func loggingMiddleware(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := base.With().Str("request_id", requestIDFromContext(r.Context())).Logger()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(log.WithContext(r.Context())))

			ev := log.Info()
			if rec.status >= http.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Str("remote", clientIP(r)).
				Msg("request")
		})
	}
}

// sessionMiddleware resolves the carried session id into an identity before
// any guard runs. Unknown or expired ids leave the request anonymous.
func sessionMiddleware(authSvc AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := sessionIDFromRequest(r)
			if sid == "" || authSvc == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			sess, err := authSvc.ResolveSession(ctx, sid)
			if errors.Is(err, auth.ErrSessionNotFound) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("resolve session")
				apierror.Write(w, apierror.New(apierror.Unknown, "an unknown error occurred"))
				return
			}
			user, err := authSvc.ResolveUser(ctx, sess)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("user_id", sess.UserID).Msg("resolve session user")
				apierror.Write(w, apierror.New(apierror.Unknown, "an unknown error occurred"))
				return
			}
			id := guard.Identity{Session: sess, User: user}
			next.ServeHTTP(w, r.WithContext(guard.WithIdentity(ctx, id)))
		})
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, err := extractBearerToken(h); err == nil {
			return token
		}
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

// originAddress is the address a ticket is bound to. It is the connecting
// peer unless that peer is a trusted proxy, in which case X-Forwarded-For is
// walked right to left and the first untrusted hop wins.
func originAddress(r *http.Request, trusted []netip.Prefix) string {
	peer := peerAddr(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !isTrusted(addr.Unmap(), trusted) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		a, err := netip.ParseAddr(hop)
		if err != nil {
			return peer
		}
		if !isTrusted(a.Unmap(), trusted) {
			return a.Unmap().String()
		}
	}
	if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return realIP.Unmap().String()
	}
	return peer
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// clientIP is the self-reported client address, for log and audit lines only.
func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return peerAddr(r)
}

// auditReq records an event and never fails the request.
func auditReq(a AuditLogger, r *http.Request, e audit.Event) {
	if a == nil {
		return
	}
	e.Remote = clientIP(r)
	e.Request = requestIDFromContext(r.Context())
	if err := a.Record(e); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("action", string(e.Action)).Msg("audit write failed")
	}
}
