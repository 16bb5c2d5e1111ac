package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"myconnectionsvr/semoxy-core/internal/apierror"
)

// Violation is one field-level schema failure reported under "errors".
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// BindModel decodes the JSON body into a fresh T and validates it with the
// struct's `validate` tags. On success the *T is available via Model[T].
func BindModel[T any](v *validator.Validate) Guard {
	if v == nil {
		v = NewValidator()
	}
	return Func(func(_ context.Context, rc Context) (Context, error) {
		model := new(T)
		body := bytes.TrimSpace(rc.Body)
		if len(body) == 0 {
			body = []byte("{}")
		}
		if err := json.Unmarshal(body, model); err != nil {
			return rc, schemaError([]Violation{decodeViolation(err)})
		}
		if err := v.Struct(model); err != nil {
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				return rc, fmt.Errorf("validate payload: %w", err)
			}
			out := make([]Violation, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, Violation{
					Field:   fieldPath(fe),
					Rule:    fe.Tag(),
					Param:   fe.Param(),
					Message: violationMessage(fe),
				})
			}
			return rc, schemaError(out)
		}
		return rc.WithModel(model), nil
	})
}

func schemaError(v []Violation) *apierror.Error {
	return apierror.New(apierror.InvalidPayloadSchema, "invalid payload type").With("errors", v)
}

func decodeViolation(err error) Violation {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return Violation{
			Field:   typeErr.Field,
			Rule:    "type",
			Param:   typeErr.Type.String(),
			Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	return Violation{Rule: "json", Message: "body is not a valid JSON object"}
}

// fieldPath strips the struct name from the validator's namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "failed " + fe.Tag() + " validation"
}
