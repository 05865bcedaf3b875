package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures into a small set of stable
// categories suitable for retry and compression decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication or authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and
	// retrying without changing it will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindContextOverflow indicates the provider rejected the
	// request because the history exceeds the model's context window. The
	// compression layer reacts to this kind by compressing and retrying once.
	ProviderErrorKindContextOverflow ProviderErrorKind = "context_overflow"

	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider failure
	// (5xx, network issues) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the runtime can surface stable, structured information
// in error chunks without coupling to provider SDK error types.
type ProviderError struct {
	provider  string
	operation string
	kind      ProviderErrorKind
	message   string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. Provider and kind are required;
// cause may be nil but is recommended to preserve the original error chain.
func NewProviderError(provider, operation string, kind ProviderErrorKind, message string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		kind:      kind,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.operation != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.provider, e.operation, e.kind, e.message)
	}
	return fmt.Sprintf("%s: %s: %s", e.provider, e.kind, e.message)
}

// Unwrap exposes the original provider error for errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.cause }

// IsContextOverflow reports whether err (or anything it wraps) is a provider
// context-overflow rejection.
func IsContextOverflow(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.kind == ProviderErrorKindContextOverflow
}

// IsRetryable reports whether err is a provider error worth retrying without
// changing the request. Non-provider errors are not retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.retryable
}
