// Package fault defines the error taxonomy shared across the indexing and
// retrieval pipeline. Components classify failures with a Kind so callers can
// decide between retrying, re-batching, or surfacing the error to the user.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a stable error classification.
type Kind string

const (
	// InvalidQuery means the sanitizer rejected input on form (length, encoding).
	InvalidQuery Kind = "invalid_query"
	// SuspiciousQuery means the sanitizer flagged potential prompt injection.
	SuspiciousQuery Kind = "suspicious_query"
	// Unauthorized means the tenant is not permitted or the session is missing.
	Unauthorized Kind = "unauthorized"
	// NotFound means a chat/job/timeline id is unknown to this tenant.
	NotFound Kind = "not_found"
	// UpstreamUnavailable means Telegram, the embedding provider or the LLM
	// kept failing after retries.
	UpstreamUnavailable Kind = "upstream_unavailable"
	// RateLimited means the tenant exceeded its throughput budget.
	RateLimited Kind = "rate_limited"
	// PayloadTooLarge means a batch exceeded provider limits; retryable after
	// re-batching.
	PayloadTooLarge Kind = "payload_too_large"
	// Conflict means the operation collided with existing state, e.g. a second
	// indexing submission while one is active.
	Conflict Kind = "conflict"
	// Internal means an invariant was violated or storage failed.
	Internal Kind = "internal"
)

// Error carries a Kind alongside the usual message and wrapped cause.
// RetryAfter is populated for RateLimited errors when the upstream provided a
// hint.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind with a static message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf returns an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf walks the error chain and returns the first classified kind, or
// Internal when the chain carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// Transient reports whether the error is worth retrying as-is. PayloadTooLarge
// is deliberately excluded: it needs re-batching first.
func Transient(err error) bool {
	switch KindOf(err) {
	case UpstreamUnavailable, RateLimited:
		return true
	}
	return false
}

// RetryAfterOf returns the retry-after hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
