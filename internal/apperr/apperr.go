// Package apperr defines the coded errors shared by the REST API and the push
// channel. A single Code maps to both an HTTP status and a wire error code so
// that the same failure reads the same way on either transport.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an application error.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeForbidden       Code = "PERMISSION_DENIED"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeRateLimited     Code = "RESOURCE_EXHAUSTED"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeInternal        Code = "INTERNAL"
)

// Error is an error carrying a Code and a client-safe message. Cause is kept
// for logs and never serialized.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error      { return New(CodeInvalidArgument, msg) }
func NotFound(msg string) error        { return New(CodeNotFound, msg) }
func Forbidden(msg string) error       { return New(CodeForbidden, msg) }
func Unauthenticated(msg string) error { return New(CodeUnauthenticated, msg) }
func RateLimited(msg string) error     { return New(CodeRateLimited, msg) }

func Unavailable(msg string, cause error) error {
	return Wrap(CodeUnavailable, msg, cause)
}

func Internal(msg string, cause error) error {
	return Wrap(CodeInternal, msg, cause)
}

// CodeOf returns the Code of the first *Error in err's chain, or CodeInternal
// for any other non-nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error to the status code the REST API responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client. Internal causes
// are never exposed.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}
