package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"myconnectionsvr/semoxy-core/internal/apierror"
	"myconnectionsvr/semoxy-core/internal/auth"
	"myconnectionsvr/semoxy-core/internal/instance"
)

type fakeLookup struct {
	servers map[string]instance.Server
	err     error
}

func (f fakeLookup) Get(_ context.Context, id string) (instance.Server, error) {
	if f.err != nil {
		return instance.Server{}, f.err
	}
	s, ok := f.servers[id]
	if !ok {
		return instance.Server{}, instance.ErrNotFound
	}
	return s, nil
}

func loggedIn() Context {
	now := time.Now()
	return Context{}.WithIdentity(
		auth.Session{ID: "sid", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		auth.User{ID: "u1", Username: "root"},
	)
}

func requireKind(t *testing.T, err error, kind apierror.Kind) *apierror.Error {
	t.Helper()
	require.Error(t, err)
	var apiErr *apierror.Error
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	require.Equal(t, kind, apiErr.Kind)
	return apiErr
}

func TestRequiresLogin(t *testing.T) {
	ctx := context.Background()

	_, err := RequiresLogin(true).Evaluate(ctx, Context{})
	e := requireKind(t, err, apierror.Unauthenticated)
	assert.Equal(t, "you need to be logged in to access this endpoint", e.Description)

	_, err = RequiresLogin(true).Evaluate(ctx, loggedIn())
	assert.NoError(t, err)

	_, err = RequiresLogin(false).Evaluate(ctx, loggedIn())
	e = requireKind(t, err, apierror.NoPermission)
	assert.Equal(t, "you can't use this endpoint while logged in", e.Description)

	_, err = RequiresLogin(false).Evaluate(ctx, Context{})
	assert.NoError(t, err)
}

func TestRunStopsAtFirstRejection(t *testing.T) {
	rc := Context{Body: []byte(`{}`)}
	_, err := Run(context.Background(), rc, RequiresLogin(true), RequiresPostParams("a", "b"))
	requireKind(t, err, apierror.Unauthenticated)

	var ran []string
	mark := func(name string, fail bool) Guard {
		return Func(func(_ context.Context, rc Context) (Context, error) {
			ran = append(ran, name)
			if fail {
				return rc, apierror.New(apierror.MissingValue, name)
			}
			return rc, nil
		})
	}
	_, err = Run(context.Background(), Context{}, mark("one", false), mark("two", true), mark("three", false))
	requireKind(t, err, apierror.MissingValue)
	assert.Equal(t, []string{"one", "two"}, ran)
}

func TestRequiresPostParamsReportsFirstMissing(t *testing.T) {
	g := RequiresPostParams("username", "password")

	_, err := g.Evaluate(context.Background(), Context{Body: []byte(`{"password":"x"}`)})
	e := requireKind(t, err, apierror.MissingValue)
	assert.Equal(t, "username", e.Extra["field"])
	assert.Equal(t, "you need to specify username", e.Description)

	_, err = g.Evaluate(context.Background(), Context{})
	e = requireKind(t, err, apierror.MissingValue)
	assert.Equal(t, "username", e.Extra["field"])

	rc, err := g.Evaluate(context.Background(), Context{Body: []byte(`{"username":"a","password":"b","extra":1}`)})
	require.NoError(t, err)
	assert.Len(t, rc.Payload, 3)
}

func TestRequiresPostParamsRejectsNonObject(t *testing.T) {
	for _, body := range []string{`not json`, `[1,2]`, `"str"`, `null`} {
		_, err := RequiresPostParams("a").Evaluate(context.Background(), Context{Body: []byte(body)})
		requireKind(t, err, apierror.InvalidPayloadSchema)
	}
}

type renameModel struct {
	Name string `json:"name" validate:"required,min=2,max=64"`
	Port int    `json:"port" validate:"omitempty,gte=1,lte=65535"`
}

func TestBindModel(t *testing.T) {
	g := BindModel[renameModel](nil)

	rc, err := g.Evaluate(context.Background(), Context{Body: []byte(`{"name":"lobby","port":25565}`)})
	require.NoError(t, err)
	m := Model[renameModel](rc)
	require.NotNil(t, m)
	assert.Equal(t, "lobby", m.Name)
	assert.Equal(t, 25565, m.Port)

	_, err = g.Evaluate(context.Background(), Context{Body: []byte(`{"name":"x","port":70000}`)})
	e := requireKind(t, err, apierror.InvalidPayloadSchema)
	violations, ok := e.Extra["errors"].([]Violation)
	require.True(t, ok)
	require.Len(t, violations, 2)
	assert.Equal(t, "name", violations[0].Field)
	assert.Equal(t, "min", violations[0].Rule)
	assert.Equal(t, "port", violations[1].Field)
	assert.Equal(t, "lte", violations[1].Rule)
}

func TestBindModelTypeMismatch(t *testing.T) {
	_, err := BindModel[renameModel](nil).Evaluate(context.Background(), Context{Body: []byte(`{"name":"lobby","port":"high"}`)})
	e := requireKind(t, err, apierror.InvalidPayloadSchema)
	violations := e.Extra["errors"].([]Violation)
	require.Len(t, violations, 1)
	assert.Equal(t, "port", violations[0].Field)
	assert.Equal(t, "type", violations[0].Rule)
}

func TestBindModelEmptyBodyFailsRequired(t *testing.T) {
	_, err := BindModel[renameModel](nil).Evaluate(context.Background(), Context{})
	e := requireKind(t, err, apierror.InvalidPayloadSchema)
	violations := e.Extra["errors"].([]Violation)
	require.Len(t, violations, 1)
	assert.Equal(t, "required", violations[0].Rule)
}

func TestServerEndpoint(t *testing.T) {
	lookup := fakeLookup{servers: map[string]instance.Server{"7": {ID: "7", Name: "lobby", Running: true}}}
	g := ServerEndpoint(lookup)

	_, err := g.Evaluate(context.Background(), Context{})
	e := requireKind(t, err, apierror.MissingValue)
	assert.Equal(t, "please specify the server id in the uri", e.Description)

	_, err = g.Evaluate(context.Background(), Context{Params: map[string]string{"i": "nope"}})
	e = requireKind(t, err, apierror.InvalidServer)
	assert.Equal(t, "no server was found for your id", e.Description)

	rc, err := g.Evaluate(context.Background(), Context{Params: map[string]string{"i": "7"}})
	require.NoError(t, err)
	require.NotNil(t, rc.Server)
	assert.Equal(t, "lobby", rc.Server.Name)
}

func TestServerEndpointStoreFailureIsUnknown(t *testing.T) {
	_, err := ServerEndpoint(fakeLookup{err: errors.New("db down")}).Evaluate(
		context.Background(), Context{Params: map[string]string{"i": "7"}})
	require.Error(t, err)
	assert.Equal(t, apierror.Unknown, apierror.From(err).Kind)
}

func TestRequiresServerOnline(t *testing.T) {
	online := Context{}.WithServer(instance.Server{ID: "1", Running: true})
	offline := Context{}.WithServer(instance.Server{ID: "1"})

	_, err := RequiresServerOnline(true).Evaluate(context.Background(), online)
	assert.NoError(t, err)
	_, err = RequiresServerOnline(true).Evaluate(context.Background(), offline)
	e := requireKind(t, err, apierror.InvalidServerStatus)
	assert.Equal(t, "this endpoint requires the server to be online", e.Description)
	_, err = RequiresServerOnline(false).Evaluate(context.Background(), online)
	e = requireKind(t, err, apierror.InvalidServerStatus)
	assert.Equal(t, "this endpoint requires the server to be offline", e.Description)

	_, err = RequiresServerOnline(true).Evaluate(context.Background(), Context{})
	assert.Equal(t, apierror.Unknown, apierror.From(err).Kind)
}

func TestWithMethodsDoNotMutateOriginal(t *testing.T) {
	base := Context{}
	_ = base.WithServer(instance.Server{ID: "1"})
	_ = base.WithModel(&renameModel{})
	assert.Nil(t, base.Server)
	assert.Nil(t, base.Model)
}

func TestPipelineHandle(t *testing.T) {
	lookup := fakeLookup{servers: map[string]instance.Server{"7": {ID: "7", Running: false}}}
	called := false
	h := New(RequiresLogin(true)).
		Then(ServerEndpoint(lookup), RequiresServerOnline(false)).
		Handle(func(w http.ResponseWriter, r *http.Request, rc Context) {
			called = true
			assert.Equal(t, "u1", rc.User.ID)
			assert.Equal(t, "7", rc.Server.ID)
			w.WriteHeader(http.StatusNoContent)
		})
	router := mux.NewRouter()
	router.Handle("/server/{i}", h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/server/7", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthenticated", body["error"])

	id := loggedIn()
	req := httptest.NewRequest(http.MethodDelete, "/server/7", strings.NewReader(""))
	req = req.WithContext(WithIdentity(req.Context(), Identity{Session: *id.Session, User: *id.User}))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, called)
}
