package api

import (
	"errors"
	"net/http"

	"github.com/pitchline/pitchline/auth"
	"github.com/pitchline/pitchline/bus"
	"github.com/pitchline/pitchline/memory/retriever"
	"github.com/pitchline/pitchline/memory/store"
)

// Kind classifies a request failure for status mapping.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindTimeout      Kind = "timeout"
	KindUpstream     Kind = "upstream"
	KindRateLimited  Kind = "rate_limited"
	KindInternal     Kind = "internal"
)

// Error is a kind-tagged request failure. The message is safe to return to
// clients; the wrapped cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// E builds an Error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status maps the kind to its HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// classify maps domain sentinels to kind-tagged errors. Unknown errors
// become opaque internal failures.
func classify(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, retriever.ErrTenantMismatch):
		return Wrap(KindForbidden, "tenant mismatch", err)
	case errors.Is(err, store.ErrNotFound):
		return Wrap(KindNotFound, "not found", err)
	case errors.Is(err, bus.ErrTimeout):
		return Wrap(KindTimeout, "request timed out", err)
	case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrInvalidToken):
		return Wrap(KindUnauthorized, "invalid token", err)
	default:
		return Wrap(KindInternal, "internal error", err)
	}
}
