package common

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the stable classification of an error. API boundaries map kinds to
// transport status codes; internal callers branch on kinds instead of
// matching message strings.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindRateLimited       Kind = "rate_limit_exceeded"
	KindSourceRateLimited Kind = "source_rate_limit_exceeded"
	KindProviderTransient Kind = "provider_transient"
	KindProviderPermanent Kind = "provider_permanent"
	KindSyncFailure       Kind = "sync_failure"
	KindCancelled         Kind = "cancelled"
)

// Error is the core error type. It carries a stable kind, a human-readable
// message and an optional wrapped cause. Internal trace data is never stored
// here; it is logged at the point of failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates an error with a kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError wraps a cause with a kind and message.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ErrorKind extracts the kind from an error chain. Unclassified errors
// report an empty kind.
func ErrorKind(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// RateLimitError is raised when a client-side rate limit is exceeded. It
// carries enough detail for the API boundary to build a 429 response.
type RateLimitError struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Scope      string // "client", "source" or "proxy"
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s scope: limit=%d remaining=%d retry_after=%s",
		e.Scope, e.Limit, e.Remaining, e.RetryAfter)
}

// Classified wraps the rate limit error with its taxonomy kind, depending on
// whether the overage was on the client gate or an internal source gate.
func (e *RateLimitError) Classified() *Error {
	kind := KindRateLimited
	if e.Scope == "source" || e.Scope == "proxy" {
		kind = KindSourceRateLimited
	}
	return WrapError(kind, "rate limit exceeded", e)
}

// SyncFailure wraps any unrecoverable pipeline error. The orchestrator
// cancels the job, marks it failed and publishes terminal progress when it
// sees one of these.
func SyncFailure(message string, err error) *Error {
	return WrapError(KindSyncFailure, message, err)
}
