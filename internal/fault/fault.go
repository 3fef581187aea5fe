// Package fault defines the error taxonomy shared by the router, the agent
// loop and the provider adapters. Every user-visible failure is eventually
// expressed as one of these kinds.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by what happened, not where.
type Kind string

const (
	Validation        Kind = "validation"
	Auth              Kind = "auth"
	NotFound          Kind = "not_found"
	RateLimited       Kind = "rate_limited"
	Unavailable       Kind = "upstream_unavailable"
	Protocol          Kind = "upstream_protocol"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	ResourceExhausted Kind = "resource_exhausted"
	Internal          Kind = "internal"
	Degraded          Kind = "degraded"
)

// Error is a classified failure, optionally attributed to a provider.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the unwrap chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithProvider attributes the error to a named provider.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// ProviderOf extracts the provider attribution, if any.
func ProviderOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Provider
	}
	return ""
}
