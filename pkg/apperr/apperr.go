// Package apperr is the error taxonomy shared by the chat core.
//
// Every error a mutating operation returns to its caller is an *Error with a
// Code. Delivery failures never surface here; they are logged and counted by
// the fan-out path instead.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation covers malformed payloads and rule violations detected
	// before persistence.
	CodeValidation Code = "VALIDATION"

	// CodeForbidden is a validation failure about the actor: not a
	// participant, not the sender, not an admin.
	CodeForbidden Code = "FORBIDDEN"

	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict reports a write that lost against persisted state, e.g. an
	// edit racing a delete.
	CodeConflict Code = "CONFLICT"
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks; they match any *Error with the same code.
var (
	ErrValidation = New(CodeValidation, "validation failed")
	ErrForbidden  = New(CodeForbidden, "forbidden")
	ErrNotFound   = New(CodeNotFound, "not found")
	ErrConflict   = New(CodeConflict, "conflict")
)

func Validation(message string) *Error { return New(CodeValidation, message) }
func Forbidden(message string) *Error  { return New(CodeForbidden, message) }
func NotFound(message string) *Error   { return New(CodeNotFound, message) }
func Conflict(message string) *Error   { return New(CodeConflict, message) }

// CodeOf extracts the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HTTPStatus maps a code to the status the HTTP ingress answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
