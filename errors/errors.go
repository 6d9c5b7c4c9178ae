// Package errors provides error handling for the Loom sync engine.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Multi-error composition
var (
	CombineErrors = crdb.CombineErrors
	Join          = crdb.Join
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the sync engine's failure taxonomy.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist locally
	ErrNotFound = New("not found")

	// ErrTimeout indicates a sync or network operation exceeded its deadline.
	// Timeouts are soft failures — the document stays eligible for retry.
	ErrTimeout = New("operation timed out")

	// ErrUnauthorized indicates the relay or API rejected our credentials
	ErrUnauthorized = New("unauthorized")

	// ErrAccessRevoked indicates the relay reported an access revocation
	// mid-sync. Surfaced to the snapshot layer as a scope change, not a crash.
	ErrAccessRevoked = New("access revoked")

	// ErrQuotaExceeded indicates a persistent write failed for lack of space
	ErrQuotaExceeded = New("storage quota exceeded")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrServiceUnavailable indicates a required remote service is unreachable
	ErrServiceUnavailable = New("service unavailable")

	// ErrCycleHeld indicates another reconciliation cycle holds the lock
	ErrCycleHeld = New("reconciliation cycle already running")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsTimeoutError checks if an error is or wraps ErrTimeout.
func IsTimeoutError(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsAccessError reports whether the error means we have lost (or never had)
// access — unauthorized at connect, or revoked mid-session.
func IsAccessError(err error) bool {
	return err != nil && IsAny(err, ErrUnauthorized, ErrAccessRevoked)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
