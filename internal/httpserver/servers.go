package httpserver

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"myconnectionsvr/semoxy-core/internal/apierror"
	"myconnectionsvr/semoxy-core/internal/audit"
	"myconnectionsvr/semoxy-core/internal/guard"
	"myconnectionsvr/semoxy-core/internal/instance"
)

type createServerRequest struct {
	Name    string `json:"name" validate:"required,min=2,max=64"`
	Port    int    `json:"port" validate:"required,gte=1,lte=65535"`
	Version string `json:"version" validate:"required,max=32"`
}

type updateServerRequest struct {
	Name string `json:"name" validate:"required,min=2,max=64"`
	Port int    `json:"port" validate:"required,gte=1,lte=65535"`
}

func registerServerHandlers(r *mux.Router, deps Deps) {
	h := serverHandlers{deps: deps}
	v := guard.NewValidator()
	loggedIn := guard.New(guard.RequiresLogin(true))
	resolved := loggedIn.Then(guard.ServerEndpoint(deps.Servers))
	offline := resolved.Then(guard.RequiresServerOnline(false))
	online := resolved.Then(guard.RequiresServerOnline(true))

	r.Handle("/server/", loggedIn.Handle(h.list)).Methods(http.MethodGet)
	r.Handle("/server/", loggedIn.Then(guard.BindModel[createServerRequest](v)).Handle(h.create)).Methods(http.MethodPost)
	r.Handle("/server/{i}", resolved.Handle(h.get)).Methods(http.MethodGet)
	r.Handle("/server/{i}/start", offline.Handle(h.start)).Methods(http.MethodPost)
	r.Handle("/server/{i}/stop", online.Handle(h.stop)).Methods(http.MethodPost)
	r.Handle("/server/{i}", offline.Then(guard.BindModel[updateServerRequest](v)).Handle(h.update)).Methods(http.MethodPut)
	r.Handle("/server/{i}", offline.Handle(h.remove)).Methods(http.MethodDelete)
}

type serverHandlers struct {
	deps Deps
}

func (h serverHandlers) list(w http.ResponseWriter, r *http.Request, _ guard.Context) {
	servers, err := h.deps.Servers.List(r.Context())
	if err != nil {
		internalError(w, r, err, "list servers")
		return
	}
	if servers == nil {
		servers = []instance.Server{}
	}
	writeJSON(w, http.StatusOK, servers)
}

func (h serverHandlers) get(w http.ResponseWriter, _ *http.Request, rc guard.Context) {
	writeJSON(w, http.StatusOK, rc.Server)
}

func (h serverHandlers) create(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	req := guard.Model[createServerRequest](rc)
	created, err := h.deps.Servers.Create(r.Context(), instance.Server{Name: req.Name, Port: req.Port, Version: req.Version})
	if err != nil {
		writeRegistryError(w, r, err, "create server")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h serverHandlers) start(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	h.setRunning(w, r, rc, true)
}

func (h serverHandlers) stop(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	h.setRunning(w, r, rc, false)
}

func (h serverHandlers) setRunning(w http.ResponseWriter, r *http.Request, rc guard.Context, running bool) {
	action, message := audit.ActionServerStop, "server stopped"
	if running {
		action, message = audit.ActionServerStart, "server started"
	}
	s, err := h.deps.Servers.SetRunning(r.Context(), rc.Server.ID, running)
	if err != nil {
		auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: action, Target: rc.Server.ID, Outcome: audit.Failure, Detail: err.Error()})
		writeRegistryError(w, r, err, string(action))
		return
	}
	auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: action, Target: s.ID, Outcome: audit.Success})
	writeSuccess(w, message, s)
}

func (h serverHandlers) update(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	req := guard.Model[updateServerRequest](rc)
	s, err := h.deps.Servers.Update(r.Context(), rc.Server.ID, instance.Patch{Name: req.Name, Port: req.Port})
	if err != nil {
		auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionServerUpdate, Target: rc.Server.ID, Outcome: audit.Failure, Detail: err.Error()})
		writeRegistryError(w, r, err, "update server")
		return
	}
	auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionServerUpdate, Target: s.ID, Outcome: audit.Success})
	writeSuccess(w, "server updated", s)
}

func (h serverHandlers) remove(w http.ResponseWriter, r *http.Request, rc guard.Context) {
	if err := h.deps.Servers.Delete(r.Context(), rc.Server.ID); err != nil {
		auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionServerDelete, Target: rc.Server.ID, Outcome: audit.Failure, Detail: err.Error()})
		writeRegistryError(w, r, err, "delete server")
		return
	}
	auditReq(h.deps.Audit, r, audit.Event{Actor: rc.User.ID, Action: audit.ActionServerDelete, Target: rc.Server.ID, Outcome: audit.Success})
	writeSuccess(w, "server deleted", nil)
}

// writeRegistryError maps registry failures onto the error taxonomy. A
// server that vanished between resolution and mutation reads as not found.
func writeRegistryError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, instance.ErrNotFound):
		apierror.Write(w, apierror.New(apierror.InvalidServer, "no server was found for your id"))
	case errors.Is(err, instance.ErrPortInUse):
		apierror.Write(w, apierror.New(apierror.PortInUse, "the port is already used by another server"))
	case errors.Is(err, instance.ErrInvalidInput):
		apierror.Write(w, apierror.New(apierror.InvalidPayloadSchema, err.Error()))
	default:
		internalError(w, r, err, op)
	}
}
