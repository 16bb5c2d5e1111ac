package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"myconnectionsvr/semoxy-core/internal/apierror"
	"myconnectionsvr/semoxy-core/internal/audit"
	"myconnectionsvr/semoxy-core/internal/auth"
	"myconnectionsvr/semoxy-core/internal/guard"
)

const unknownAgent = "unknown agent"

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=12,max=128"`
}

func registerAccountHandlers(r *mux.Router, deps Deps) {
	h := accountHandlers{deps: deps}
	loggedIn := guard.New(guard.RequiresLogin(true))
	v := guard.NewValidator()

	r.Handle("/account/login", guard.New(
		guard.RequiresLogin(false),
		guard.RequiresPostParams("username", "password"),
	).Handle(h.login)).Methods(http.MethodPost)
	r.HandleFunc("/account/login", h.loginInfo).Methods(http.MethodGet)
	r.Handle("/account/session", guard.New().Handle(h.session)).Methods(http.MethodGet)
	r.Handle("/account/logout", loggedIn.Handle(h.logout)).Methods(http.MethodGet)
	r.Handle("/account/", loggedIn.Handle(h.fetchMe)).Methods(http.MethodGet)
	r.Handle("/account", loggedIn.Handle(h.fetchMe)).Methods(http.MethodGet)
	r.Handle("/account/ticket", loggedIn.Handle(h.openTicket)).Methods(http.MethodGet)
	r.Handle("/account/password", loggedIn.Then(
		guard.BindModel[changePasswordRequest](v),
	).Handle(h.changePassword)).Methods(http.MethodPost)
}

type accountHandlers struct {
	deps Deps
}

func (h accountHandlers) login(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	username := payloadString(rc.Payload["username"])
	password := payloadString(rc.Payload["password"])
	ctx := r.Context()

	user, err := h.deps.Auth.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			auditReq(h.deps.Audit, r, audit.Event{Actor: username, Action: audit.ActionLogin, Outcome: audit.Failure, Detail: "invalid credentials"})
			apierror.Write(w, apierror.New(apierror.InvalidCredentials, "either username or password are wrong"))
			return
		}
		internalError(w, r, err, "authenticate")
		return
	}
	sess, err := h.deps.Auth.CreateSession(ctx, user)
	if err != nil {
		internalError(w, r, err, "create session")
		return
	}
	auditReq(h.deps.Audit, r, audit.Event{Actor: user.ID, Action: audit.ActionLogin, Outcome: audit.Success})

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeSuccess(w, "logged in successfully", map[string]string{"sessionId": sess.ID})
}

func (h accountHandlers) loginInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := guard.IdentityFrom(r.Context()); !ok {
		apierror.Write(w, apierror.New(apierror.Unauthenticated, "please login using POST to /account/login"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"info": "you are already logged in"})
}

func (h accountHandlers) session(w http.ResponseWriter, _ *http.Request, rc guard.Context) {
	view := auth.SessionView{LoggedIn: rc.LoggedIn()}
	if view.LoggedIn {
		exp := rc.Session.ExpiresAt.UTC()
		view.Expiration = &exp
		view.UserID = rc.Session.UserID
	}
	writeJSON(w, http.StatusOK, view)
}

func (h accountHandlers) logout(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	if err := h.deps.Auth.Logout(r.Context(), rc.Session.ID); err != nil {
		internalError(w, r, err, "logout")
		return
	}
	auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionLogout, Outcome: audit.Success})
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeSuccess(w, "logged out successfully", nil)
}

func (h accountHandlers) fetchMe(w http.ResponseWriter, _ *http.Request, rc guard.Context) {
	perms := rc.User.Permissions
	if perms == nil {
		perms = map[string]bool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":    rc.User.Username,
		"permissions": perms,
	})
}

func (h accountHandlers) openTicket(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	agent := strings.TrimSpace(r.UserAgent())
	if agent == "" {
		agent = unknownAgent
	}
	ticket, err := h.deps.Tickets.Issue(r.Context(), *rc.User, originAddress(r, h.deps.TrustedProxies), agent)
	if err != nil {
		auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionTicketIssue, Outcome: audit.Failure, Detail: err.Error()})
		internalError(w, r, err, "issue ticket")
		return
	}
	auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionTicketIssue, Outcome: audit.Success})
	writeSuccess(w, "ticket created", map[string]string{"token": ticket.Token})
}

func (h accountHandlers) changePassword(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	req := guard.Model[changePasswordRequest](rc)
	err := h.deps.Auth.ChangePassword(r.Context(), *rc.User, req.CurrentPassword, req.NewPassword)
	switch {
	case err == nil:
		auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionChangePassword, Outcome: audit.Success})
		writeSuccess(w, "password changed", nil)
	case errors.Is(err, auth.ErrWeakPassword):
		auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionChangePassword, Outcome: audit.Failure, Detail: "weak password"})
		apierror.Write(w, apierror.New(apierror.InvalidPayloadSchema, "new password does not meet policy").With("field", "newPassword"))
	case errors.Is(err, auth.ErrInvalidCredentials):
		auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionChangePassword, Outcome: audit.Failure, Detail: "invalid credentials"})
		apierror.Write(w, apierror.New(apierror.InvalidCredentials, "the current password is wrong"))
	default:
		internalError(w, r, err, "change password")
	}
}

// internalError logs err and answers with the generic unknown error.
func internalError(w http.ResponseWriter, r *http.Request, err error, op string) {
	zerolog.Ctx(r.Context()).Error().Err(err).Str("op", op).Msg("request failed")
	apierror.Write(w, apierror.New(apierror.Unknown, "an unknown error occurred"))
}

// payloadString reads a JSON string value, or the raw JSON text of any other
// value.
func payloadString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
