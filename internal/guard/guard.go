// Package guard runs ordered request preconditions in front of a handler.
//
// A route declares a Pipeline of guards. Each guard reads the request
// Context built so far and either returns an enriched copy or rejects the
// request. The first rejection is written as the response and the handler
// never runs. Guards run strictly in the order they were declared.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"myconnectionsvr/semoxy-core/internal/apierror"
	"myconnectionsvr/semoxy-core/internal/auth"
	"myconnectionsvr/semoxy-core/internal/instance"
)

// maxBodyBytes caps how much of a request body the payload guards look at.
const maxBodyBytes = 1 << 20

// Context is the per-request state guards build up. It is passed by value;
// the With methods return copies so a guard never changes what an earlier
// guard saw.
type Context struct {
	Session *auth.Session
	User    *auth.User
	Server  *instance.Server
	Params  map[string]string
	Body    []byte
	Payload map[string]json.RawMessage
	Model   any
}

func (c Context) WithIdentity(sess auth.Session, user auth.User) Context {
	c.Session = &sess
	c.User = &user
	return c
}

func (c Context) WithServer(s instance.Server) Context {
	c.Server = &s
	return c
}

func (c Context) WithPayload(p map[string]json.RawMessage) Context {
	c.Payload = p
	return c
}

func (c Context) WithModel(m any) Context {
	c.Model = m
	return c
}

// LoggedIn reports whether a valid session and user were resolved.
func (c Context) LoggedIn() bool {
	return c.Session != nil && c.User != nil
}

// Model returns the payload bound by BindModel[T], or nil if none was bound.
func Model[T any](c Context) *T {
	m, _ := c.Model.(*T)
	return m
}

// Guard is one precondition. Returning a non-nil error rejects the request;
// an *apierror.Error is written as is, anything else becomes an unknown
// error.
type Guard interface {
	Evaluate(ctx context.Context, rc Context) (Context, error)
}

// Func adapts a function to Guard.
type Func func(ctx context.Context, rc Context) (Context, error)

func (f Func) Evaluate(ctx context.Context, rc Context) (Context, error) {
	return f(ctx, rc)
}

// Run evaluates guards in order and stops at the first rejection.
func Run(ctx context.Context, rc Context, guards ...Guard) (Context, error) {
	for _, g := range guards {
		next, err := g.Evaluate(ctx, rc)
		if err != nil {
			return rc, err
		}
		rc = next
	}
	return rc, nil
}

// Handler is a route body that runs once every guard has passed.
type Handler func(w http.ResponseWriter, r *http.Request, rc Context)

// Pipeline is an ordered list of guards attached to a route.
type Pipeline struct {
	guards []Guard
}

func New(guards ...Guard) Pipeline {
	return Pipeline{guards: append([]Guard(nil), guards...)}
}

// Then returns a copy of p with more guards appended.
func (p Pipeline) Then(guards ...Guard) Pipeline {
	out := make([]Guard, 0, len(p.guards)+len(guards))
	out = append(out, p.guards...)
	out = append(out, guards...)
	return Pipeline{guards: out}
}

// Handle wraps h so it only runs once all guards pass.
func (p Pipeline) Handle(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, err := FromRequest(r)
		if err == nil {
			rc, err = Run(r.Context(), rc, p.guards...)
		}
		if err != nil {
			reject(w, r, err)
			return
		}
		h(w, r, rc)
	})
}

func reject(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Kind == apierror.Unknown {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request guard failed")
	}
	apierror.Write(w, apierror.From(err))
}

// FromRequest builds the initial Context: identity resolved by the session
// middleware, route parameters and the raw body.
func FromRequest(r *http.Request) (Context, error) {
	rc := Context{Params: mux.Vars(r)}
	if id, ok := IdentityFrom(r.Context()); ok {
		rc = rc.WithIdentity(id.Session, id.User)
	}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return rc, apierror.New(apierror.InvalidPayloadSchema, "could not read request body")
		}
		if len(body) > maxBodyBytes {
			return rc, apierror.New(apierror.InvalidPayloadSchema, "request body too large")
		}
		rc.Body = body
	}
	return rc, nil
}

// Identity is the session and user resolved for a request before any guard
// runs.
type Identity struct {
	Session auth.Session
	User    auth.User
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
