package domain

import (
	"context"
	"errors"
)

// ErrorKind classifies a failure for retry decisions.
type ErrorKind string

const (
	// KindTransient failures are retried with backoff up to the attempt cap.
	KindTransient ErrorKind = "TRANSIENT"
	// KindPermanent failures move the job straight to FAILED.
	KindPermanent ErrorKind = "PERMANENT"
	// KindExhausted marks a job whose transient failures used every attempt.
	KindExhausted ErrorKind = "EXHAUSTED"
)

var (
	// ErrUnsupportedContentType is returned for content types outside the allowlist
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrCorruptPayload is returned when the source bytes cannot be decoded
	ErrCorruptPayload = errors.New("corrupt payload")

	// ErrDegenerateDimensions is returned for images with a zero dimension
	ErrDegenerateDimensions = errors.New("degenerate image dimensions")

	// ErrImageTooLarge is returned when the decoded pixel count exceeds the configured cap
	ErrImageTooLarge = errors.New("image exceeds pixel limit")

	// ErrObjectTooLarge is returned when the source object exceeds the byte cap
	ErrObjectTooLarge = errors.New("object exceeds size limit")

	// ErrObjectNotFound is returned when the source object does not exist
	ErrObjectNotFound = errors.New("object not found")

	// ErrPermissionDenied is returned when the object store refuses access
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDerivedKeyCollision is returned when the derived key already holds another job's output
	ErrDerivedKeyCollision = errors.New("derived key collision")

	// ErrStoreUnavailable is returned when the object store cannot be reached
	ErrStoreUnavailable = errors.New("object store unavailable")

	// ErrLedgerUnavailable is returned when the idempotency ledger cannot be reached
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrLeaseLost is returned when a reservation token no longer owns the job key
	ErrLeaseLost = errors.New("reservation lease lost")

	// ErrEntryNotFound is returned when the ledger has no entry for a job key
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrNotFailed is returned when replaying an entry that is not FAILED
	ErrNotFailed = errors.New("ledger entry is not failed")

	// ErrAttemptsExhausted is returned when a job used its attempt budget
	ErrAttemptsExhausted = errors.New("max attempts exhausted")

	// ErrBusy is returned by a non-blocking submit when the queue is full
	ErrBusy = errors.New("dispatcher busy")

	// ErrStopped is returned by submit after shutdown began
	ErrStopped = errors.New("dispatcher stopped")
)

// RetryableError wraps transient errors that should trigger a retry
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Transient wraps err as a retryable failure of the given cause
// (ErrStoreUnavailable, ErrLedgerUnavailable, ...).
func Transient(cause, err error) error {
	return NewRetryableError(errors.Join(cause, err))
}

// IsRetryable reports whether err is transient. Deadline expiry of a
// per-attempt context counts as transient; cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Classify maps err onto the error taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrAttemptsExhausted):
		return KindExhausted
	case IsRetryable(err):
		return KindTransient
	default:
		return KindPermanent
	}
}
