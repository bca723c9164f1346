// Package errors provides structured error handling for folder-mcp.
//
// Every error that crosses a component boundary carries a Kind from the
// taxonomy below. The REST facade maps kinds to HTTP statuses and the MCP
// bridge maps them to user-visible messages.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and presentation.
type Kind string

const (
	// KindNotFound indicates an unknown folder, document, or chunk id.
	KindNotFound Kind = "NotFound"
	// KindSchemaMismatch indicates the store dimension or schema version
	// disagrees with the running model or configuration.
	KindSchemaMismatch Kind = "SchemaMismatch"
	// KindStoreCorrupt indicates a failed integrity check; the store must be rebuilt.
	KindStoreCorrupt Kind = "StoreCorrupt"
	// KindTransient indicates a retriable failure: I/O, RPC timeout,
	// embedding subprocess restarting.
	KindTransient Kind = "Transient"
	// KindPermanentTaskFailure indicates retries were exhausted for a file task.
	KindPermanentTaskFailure Kind = "PermanentTaskFailure"
	// KindResourceExhausted indicates a full queue or model OOM.
	KindResourceExhausted Kind = "ResourceExhausted"
	// KindCancelled indicates the operation was cancelled while queued or by shutdown.
	KindCancelled Kind = "Cancelled"
	// KindProtocolViolation indicates malformed RPC or REST input.
	KindProtocolViolation Kind = "ProtocolViolation"
	// KindInvariantViolation indicates a write attempted without required
	// semantic metadata. Internal-only; never persisted partially.
	KindInvariantViolation Kind = "InvariantViolation"
	// KindInternal indicates an unexpected internal failure.
	KindInternal Kind = "Internal"
)

// Error is the structured error type for folder-mcp.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a kind and contextual message.
// Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf extracts the Kind from an error chain.
// Plain errors report KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the operation that produced err may be retried.
// Only transient errors are retryable.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransient)
}
