// Package errs defines the typed failures surfaced by the control plane.
//
// Every failure carries one Kind. Callers match with errors.Is against the
// sentinel kinds and use errors.As to recover the offending field.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrParse            = errors.New("parse error")
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConnectionBroken = errors.New("connection broken")
)

// Error is one typed failure with optional field context.
type Error struct {
	Kind    error
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s: field=%s", msg, e.Field)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Is matches the sentinel kind so errors.Is(err, ErrValidation) works.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func Parse(cause error) *Error {
	return &Error{Kind: ErrParse, Message: "malformed document", Cause: cause}
}

func Validation(field, message string) *Error {
	return &Error{Kind: ErrValidation, Field: field, Message: message}
}

func NotFound(entity, key string) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("%s %q", entity, key)}
}

func PermissionDenied(principal, resource string) *Error {
	return &Error{Kind: ErrPermissionDenied, Message: fmt.Sprintf("user %q on %q", principal, resource)}
}

func ConnectionBroken(cause error) *Error {
	return &Error{Kind: ErrConnectionBroken, Cause: cause}
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var target *Error
	if errors.As(err, &target) {
		return target.Field
	}
	return ""
}

// HTTPStatus maps an error onto the status returned at the control API edge.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrParse), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrConnectionBroken):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
