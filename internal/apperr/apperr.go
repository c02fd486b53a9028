// Package apperr defines the error taxonomy shared by the raffle service and
// its call surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error kind.
type Code string

const (
	CodeValidation   Code = "validation"
	CodeNotFound     Code = "not_found"
	CodeInvalidState Code = "invalid_state"
	CodePermission   Code = "permission"
	CodeConflict     Code = "conflict"
	CodeConsensus    Code = "consensus"
	CodeOracle       Code = "oracle"
	CodeInternal     Code = "internal"
)

// HTTPStatus maps the code to the status the call surface responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	case CodePermission:
		return http.StatusForbidden
	case CodeConsensus:
		return http.StatusServiceUnavailable
	case CodeOracle:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether an operation failing with this code may be
// retried without changing its inputs.
func (c Code) Transient() bool {
	return c == CodeConsensus || c == CodeOracle
}

// Error is a domain error carrying a code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrValidation   = &Error{Code: CodeValidation, Message: "validation error"}
	ErrNotFound     = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidState = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrPermission   = &Error{Code: CodePermission, Message: "permission denied"}
	ErrConflict     = &Error{Code: CodeConflict, Message: "conflict"}
	ErrConsensus    = &Error{Code: CodeConsensus, Message: "consensus not reached"}
	ErrOracle       = &Error{Code: CodeOracle, Message: "oracle failure"}
)

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with a code that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
