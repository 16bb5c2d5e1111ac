// Package apierror is the closed set of error kinds the API answers with.
//
// Every rejected request carries one Kind: a stable machine-readable code and
// the HTTP status it maps to. The response body is always
// {"error": code, "description": text, ...extra}.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a (code, status) pair from the taxonomy.
type Kind struct {
	Code   string
	Status int
}

var (
	RootDisabled             = Kind{"root_disabled", http.StatusBadRequest}
	InvalidCredentials       = Kind{"invalid_credentials", http.StatusUnauthorized}
	AlreadyExisting          = Kind{"already_existing", http.StatusBadRequest}
	InvalidName              = Kind{"invalid_name", http.StatusBadRequest}
	PortInUse                = Kind{"port_in_use", http.StatusLocked}
	InvalidSortDirection     = Kind{"invalid_sort_direction", http.StatusBadRequest}
	Unknown                  = Kind{"unknown", http.StatusInternalServerError}
	InvalidVersion           = Kind{"invalid_version", http.StatusBadRequest}
	TooMuchRAM               = Kind{"too_much_ram", http.StatusBadRequest}
	InvalidPortType          = Kind{"invalid_port_type", http.StatusBadRequest}
	InvalidPort              = Kind{"invalid_port", http.StatusBadRequest}
	IllegalServerName        = Kind{"illegal_server_name", http.StatusBadRequest}
	InvalidJavaVersion       = Kind{"invalid_java_version", http.StatusBadRequest}
	ServerVersionPostInstall = Kind{"server_version_post_install", http.StatusInternalServerError}
	MissingValue             = Kind{"missing_value", http.StatusBadRequest}
	InvalidServer            = Kind{"invalid_server", http.StatusNotFound}
	InvalidServerStatus      = Kind{"invalid_server_status", http.StatusLocked}
	Unauthenticated          = Kind{"unauthenticated", http.StatusUnauthorized}
	NoPermission             = Kind{"no_permission", http.StatusForbidden}
	InvalidSession           = Kind{"invalid_session", http.StatusUnauthorized}
	SessionExpired           = Kind{"session_expired", http.StatusUnauthorized}
	InvalidPayloadSchema     = Kind{"invalid_payload_schema", http.StatusBadRequest}
	NotFound                 = Kind{"not_found", http.StatusNotFound}
	MethodNotAllowed         = Kind{"method_not_allowed", http.StatusMethodNotAllowed}
)

// Kinds lists every kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		RootDisabled, InvalidCredentials, AlreadyExisting, InvalidName, PortInUse,
		InvalidSortDirection, Unknown, InvalidVersion, TooMuchRAM, InvalidPortType,
		InvalidPort, IllegalServerName, InvalidJavaVersion, ServerVersionPostInstall,
		MissingValue, InvalidServer, InvalidServerStatus, Unauthenticated,
		NoPermission, InvalidSession, SessionExpired, InvalidPayloadSchema,
		NotFound, MethodNotAllowed,
	}
}

// Error is one instantiated API failure. It satisfies the error interface so
// guards and handlers can return it through ordinary error paths.
type Error struct {
	Kind        Kind
	Description string
	Extra       map[string]any
}

// New builds an Error for kind with a human-readable description.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Newf is New with a formatted description.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return e.Kind.Code + ": " + e.Description
}

// With returns a copy of e carrying an extra body field. Reserved keys
// ("error", "description") cannot be overridden.
func (e *Error) With(key string, value any) *Error {
	extra := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[key] = value
	return &Error{Kind: e.Kind, Description: e.Description, Extra: extra}
}

// Body is the JSON envelope for e.
func (e *Error) Body() map[string]any {
	body := make(map[string]any, len(e.Extra)+2)
	for k, v := range e.Extra {
		body[k] = v
	}
	body["error"] = e.Kind.Code
	body["description"] = e.Description
	return body
}

// Write emits e as a JSON response. Extra fields that fail to encode are
// dropped so a well-formed envelope is always written.
func Write(w http.ResponseWriter, e *Error) {
	if e == nil {
		e = New(Unknown, "an unknown error occurred")
	}
	b, err := json.Marshal(e.Body())
	if err != nil {
		b, _ = json.Marshal(map[string]string{
			"error":       e.Kind.Code,
			"description": e.Description,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.Status)
	_, _ = w.Write(append(b, '\n'))
}

// From extracts an *Error from err, falling back to Unknown.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(Unknown, "an unknown error occurred")
}
