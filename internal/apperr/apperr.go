// Package apperr defines the kernel's error taxonomy.
//
// Every error that crosses a subsystem boundary is classified into a Kind.
// Kinds map onto stable HTTP statuses and machine-readable codes, so the
// middleware layer can render any error without knowing where it came from.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport-level rendering.
type Kind string

const (
	Unauthenticated     Kind = "unauthenticated"
	Forbidden           Kind = "forbidden"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	RateLimited         Kind = "rate_limited"
	StreamLimitExceeded Kind = "stream_limit_exceeded"
	Validation          Kind = "validation"
	Timeout             Kind = "timeout"
	Unavailable         Kind = "unavailable"
	Internal            Kind = "internal"
)

// Error is a classified error. The message is safe to return to clients;
// wrapped causes are for logs only.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a classified error with a client-safe message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause is preserved for logging
// but never rendered to clients.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// SafeMessage returns the client-visible message for an error. Unclassified
// errors get a generic message so internals never leak.
func SafeMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// HTTPStatus maps a Kind to its canonical HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited, StreamLimitExceeded:
		return http.StatusTooManyRequests
	case Validation:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
