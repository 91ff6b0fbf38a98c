// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package orcherr defines the structured error taxonomy shared by the
// orchestration layer. Every failure that crosses a component boundary is
// classified into a Kind so that retry, failover, and breaker decisions can
// be made from the kind alone without inspecting provider-specific payloads.
package orcherr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a failure for routing and retry decisions.
type Kind string

const (
	// KindTimeout indicates the provider did not answer within its deadline.
	KindTimeout Kind = "timeout"

	// KindConnection indicates the provider could not be reached at all.
	KindConnection Kind = "connection"

	// KindRateLimited indicates the provider is shedding load.
	KindRateLimited Kind = "rate_limited"

	// KindInvalidArgument indicates the caller sent arguments the operation
	// rejects. Never retried on any provider.
	KindInvalidArgument Kind = "invalid_argument"

	// KindUnknownOperation indicates no registered provider advertises the
	// requested operation.
	KindUnknownOperation Kind = "unknown_operation"

	// KindNoProvider indicates every candidate was filtered out or exhausted.
	KindNoProvider Kind = "no_provider_available"

	// KindBreakerOpen indicates the per-provider circuit rejected the call
	// without attempting it.
	KindBreakerOpen Kind = "breaker_open"

	// KindInternal indicates an unclassified failure inside the layer itself.
	KindInternal Kind = "internal"
)

// Retryable reports whether a failure of this kind may be retried on the
// same provider before failing over.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindConnection, KindRateLimited:
		return true
	default:
		return false
	}
}

// Failover reports whether a failure of this kind should move on to the
// next candidate provider once the per-provider retry budget is spent.
func (k Kind) Failover() bool {
	switch k {
	case KindTimeout, KindConnection, KindRateLimited, KindBreakerOpen:
		return true
	default:
		return false
	}
}

// Error is the structured error carried across component boundaries.
// Provider and Operation are empty when the failure is not tied to a
// specific call, for example registry lookups.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind

	// Provider is the provider that produced the failure, if any.
	Provider string

	// Operation is the tool operation being executed, if any.
	Operation string

	// Message is a short human-readable summary.
	Message string

	// Err is the wrapped cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Operation != "" {
		b.WriteString(" op=")
		b.WriteString(e.Operation)
	}
	if e.Provider != "" {
		b.WriteString(" provider=")
		b.WriteString(e.Provider)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCall attaches provider and operation identity to the error.
func (e *Error) WithCall(provider, operation string) *Error {
	e.Provider = provider
	e.Operation = operation
	return e
}

// KindOf extracts the Kind from any error in the chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return KindNoProvider
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Attempt records one failed provider attempt inside an exhausted call.
type Attempt struct {
	// Provider is the provider that was tried.
	Provider string `json:"provider"`

	// Kind is the failure classification for this attempt.
	Kind Kind `json:"kind"`

	// Reason is the short failure summary for this attempt.
	Reason string `json:"reason"`
}

// ExhaustedError is returned when every candidate provider failed or was
// rejected. It preserves the full attempt trail so callers can see which
// providers were tried and why each one failed.
type ExhaustedError struct {
	// Operation is the tool operation that could not be served.
	Operation string

	// Attempts is the ordered trail of failed attempts.
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no provider available for %s after %d attempt(s)", e.Operation, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %s (%s)", a.Provider, a.Reason, a.Kind)
	}
	return b.String()
}

// NewExhausted builds an ExhaustedError from an attempt trail.
func NewExhausted(operation string, attempts []Attempt) *ExhaustedError {
	return &ExhaustedError{Operation: operation, Attempts: attempts}
}

// AttemptsOf extracts the attempt trail from an error chain, if present.
func AttemptsOf(err error) ([]Attempt, bool) {
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ee.Attempts, true
	}
	return nil, false
}
