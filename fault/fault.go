// Package fault carries the stable error taxonomy shared by every engine
// command. Callers branch on Kind; the Reason string is safe to surface to
// end users.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected command.
type Kind string

const (
	// Validation marks malformed or missing input. Never mutates state.
	Validation Kind = "validation"
	// InvalidTransition marks a stage or status guard failure.
	InvalidTransition Kind = "invalid_transition"
	// WindowClosed marks a deadline or standstill guard failure.
	WindowClosed Kind = "window_closed"
	// WindowFrozen marks an attempt to advance a countdown held by a dispute.
	WindowFrozen Kind = "window_frozen"
	// AlreadyResolved marks the idempotency guard on terminal states.
	AlreadyResolved Kind = "already_resolved"
	// Conflict marks a concurrent-mutation version mismatch. Retry after re-fetch.
	Conflict Kind = "conflict"
	// ProviderUnavailable marks an escrow adapter timeout or error. Retry with
	// the same idempotency key.
	ProviderUnavailable Kind = "provider_unavailable"
	// IntegrityViolation marks a failed audit chain verification. Fatal: writes
	// to the affected chain halt until an operator intervenes.
	IntegrityViolation Kind = "integrity_violation"
)

// Error pairs a stable kind with a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a fault with a formatted reason.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds a fault that preserves the underlying cause for errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the kind from err, or "" if err carries no fault.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Recoverable reports whether the caller may retry or surface the error to the
// end user. IntegrityViolation is the only fatal kind.
func Recoverable(err error) bool {
	k := KindOf(err)
	return k != "" && k != IntegrityViolation
}
