// Package errs defines the typed error kinds used across the orchestrator,
// job manager, and knowledge base so callers can branch on failure class
// without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindCancelled          Kind = "cancelled"
	KindTimeout            Kind = "timeout"
	KindProviderRateLimit  Kind = "provider_rate_limited"
	KindProviderUnavail    Kind = "provider_unavailable"
	KindProviderPermanent  Kind = "provider_permanent"
	KindStorageTransient   Kind = "storage_transient"
	KindStoragePermanent   Kind = "storage_permanent"
	KindPlanParse          Kind = "plan_parse_error"
	KindNoResults          Kind = "no_results"
	KindInternal           Kind = "internal"
)

// retryable reports which kinds are retried locally with bounded backoff
// before being surfaced as a terminal job failure.
var retryable = map[Kind]bool{
	KindTimeout:           true,
	KindProviderRateLimit: true,
	KindProviderUnavail:   true,
	KindStorageTransient:  true,
}

// Error is the typed error carried through the system.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a typed error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err is
// not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err's kind is handled locally with bounded
// backoff before becoming a terminal job failure.
func IsRetryable(err error) bool {
	return retryable[KindOf(err)]
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
