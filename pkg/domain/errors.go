package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeInvalidState  Code = "INVALID_STATE"
	CodeConflict      Code = "CONFLICT"
	CodePrecondition  Code = "PRECONDITION"
	CodeSequence      Code = "SEQUENCE"
	CodeDerivation    Code = "DERIVATION"
	CodeAuthorization Code = "AUTHORIZATION"
	CodeInternal      Code = "INTERNAL"
)

// HTTPStatus returns the HTTP status used when the code crosses the API boundary.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	case CodePrecondition:
		return http.StatusPreconditionFailed
	case CodeSequence:
		return http.StatusUnprocessableEntity
	case CodeDerivation:
		return http.StatusBadGateway
	case CodeAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a code, message and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithCause returns a copy of e wrapping err.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: e.Details, cause: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// Sentinels for errors.Is.
var (
	ErrValidation    = &Error{Code: CodeValidation, Message: "validation error"}
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidState  = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrConflict      = &Error{Code: CodeConflict, Message: "conflict"}
	ErrPrecondition  = &Error{Code: CodePrecondition, Message: "precondition failed"}
	ErrSequence      = &Error{Code: CodeSequence, Message: "page sequence violation"}
	ErrDerivation    = &Error{Code: CodeDerivation, Message: "derivation failed"}
	ErrAuthorization = &Error{Code: CodeAuthorization, Message: "not authorized"}
	ErrInternal      = &Error{Code: CodeInternal, Message: "internal error"}
)

func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidStatef(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func Preconditionf(format string, args ...any) *Error {
	return &Error{Code: CodePrecondition, Message: fmt.Sprintf(format, args...)}
}

func Sequencef(format string, args ...any) *Error {
	return &Error{Code: CodeSequence, Message: fmt.Sprintf(format, args...)}
}

// Derivation wraps a codec or storage failure raised while deriving an asset.
func Derivation(msg string, cause error) *Error {
	return &Error{Code: CodeDerivation, Message: msg, cause: cause}
}

func Authorizationf(format string, args ...any) *Error {
	return &Error{Code: CodeAuthorization, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the domain code of err, or CodeInternal when err is not a domain error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
