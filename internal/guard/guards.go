package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"myconnectionsvr/semoxy-core/internal/apierror"
	"myconnectionsvr/semoxy-core/internal/instance"
)

// ServerParam is the route variable that carries a server id.
const ServerParam = "i"

// RequiresLogin passes only when the logged-in state equals expected.
func RequiresLogin(expected bool) Guard {
	return Func(func(_ context.Context, rc Context) (Context, error) {
		switch {
		case expected && !rc.LoggedIn():
			return rc, apierror.New(apierror.Unauthenticated, "you need to be logged in to access this endpoint")
		case !expected && rc.LoggedIn():
			return rc, apierror.New(apierror.NoPermission, "you can't use this endpoint while logged in")
		}
		return rc, nil
	})
}

// RequiresPostParams demands that the JSON body carries every name. Only the
// first missing name is reported.
func RequiresPostParams(names ...string) Guard {
	names = append([]string(nil), names...)
	return Func(func(_ context.Context, rc Context) (Context, error) {
		payload := rc.Payload
		if payload == nil {
			var err error
			payload, err = decodeObject(rc.Body)
			if err != nil {
				return rc, err
			}
			rc = rc.WithPayload(payload)
		}
		for _, name := range names {
			if _, ok := payload[name]; !ok {
				return rc, apierror.Newf(apierror.MissingValue, "you need to specify %s", name).With("field", name)
			}
		}
		return rc, nil
	})
}

// decodeObject parses body as a JSON object. An empty body is an empty
// object.
func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, apierror.New(apierror.InvalidPayloadSchema, "invalid payload type")
	}
	return payload, nil
}

// ServerLookup resolves a managed server by id.
type ServerLookup interface {
	Get(ctx context.Context, id string) (instance.Server, error)
}

// ServerEndpoint loads the server named by the route's id variable.
func ServerEndpoint(lookup ServerLookup) Guard {
	return Func(func(ctx context.Context, rc Context) (Context, error) {
		id := rc.Params[ServerParam]
		if id == "" {
			return rc, apierror.New(apierror.MissingValue, "please specify the server id in the uri").With("field", ServerParam)
		}
		s, err := lookup.Get(ctx, id)
		if errors.Is(err, instance.ErrNotFound) {
			return rc, apierror.New(apierror.InvalidServer, "no server was found for your id")
		}
		if err != nil {
			return rc, fmt.Errorf("lookup server %q: %w", id, err)
		}
		return rc.WithServer(s), nil
	})
}

// RequiresServerOnline passes only when the loaded server's running state
// equals expected. It must follow ServerEndpoint.
func RequiresServerOnline(expected bool) Guard {
	return Func(func(_ context.Context, rc Context) (Context, error) {
		if rc.Server == nil {
			return rc, errors.New("server status guard used without a resolved server")
		}
		if rc.Server.Running != expected {
			state := "offline"
			if expected {
				state = "online"
			}
			return rc, apierror.Newf(apierror.InvalidServerStatus, "this endpoint requires the server to be %s", state)
		}
		return rc, nil
	})
}
