// Package errors provides error handling for gridwms.
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
//	// Check error kinds
//	if errors.Is(err, errors.ErrUnknownJob) {
//	    // handle missing job
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

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Error kinds of the scheduler. Every error leaving a public operation wraps
// exactly one of these sentinels; callers branch with errors.Is().
var (
	// ErrBadRequest indicates malformed requirements or a malformed resource
	// description. Caller bug, no retry.
	ErrBadRequest = New("bad request")

	// ErrUnknownJob indicates a job lookup failed
	ErrUnknownJob = New("unknown job")

	// ErrUnknownTaskQueue indicates a task queue lookup failed
	ErrUnknownTaskQueue = New("unknown task queue")

	// ErrConflict indicates a duplicate job id or a delete of a non-empty
	// task queue
	ErrConflict = New("conflict")

	// ErrStoreUnavailable indicates a transient I/O or lock failure in the
	// backing store. Caller may retry with backoff.
	ErrStoreUnavailable = New("store unavailable")

	// ErrDeadlineExceeded indicates the operation deadline expired and the
	// in-flight store call was cancelled
	ErrDeadlineExceeded = New("deadline exceeded")

	// ErrInternal indicates an invariant violation. Fatal to the operation,
	// not the process.
	ErrInternal = New("internal error")
)

// IsBadRequest checks if an error is or wraps ErrBadRequest
func IsBadRequest(err error) bool {
	return err != nil && Is(err, ErrBadRequest)
}

// IsUnknownJob checks if an error is or wraps ErrUnknownJob
func IsUnknownJob(err error) bool {
	return err != nil && Is(err, ErrUnknownJob)
}

// IsUnknownTaskQueue checks if an error is or wraps ErrUnknownTaskQueue
func IsUnknownTaskQueue(err error) bool {
	return err != nil && Is(err, ErrUnknownTaskQueue)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsStoreUnavailable checks if an error is or wraps ErrStoreUnavailable
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// IsDeadlineExceeded checks if an error is or wraps ErrDeadlineExceeded
func IsDeadlineExceeded(err error) bool {
	return err != nil && Is(err, ErrDeadlineExceeded)
}

// NewBadRequest creates a bad-request error naming the offending field
func NewBadRequest(format string, args ...interface{}) error {
	return Wrap(ErrBadRequest, Newf(format, args...).Error())
}

// NewConflict creates a conflict error with a formatted message
func NewConflict(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}
