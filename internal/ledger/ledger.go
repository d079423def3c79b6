// Package ledger records which jobs have produced their derived object.
//
// A job key moves through RESERVED, then DONE or FAILED. RELEASED means
// no attempt holds the key: it reserves like an absent entry but keeps
// its attempt counters. At most one caller holds a RESERVED entry at a
// time, and a RESERVED entry whose lease has expired is reclaimed by
// exactly one caller.
//
// Backend failures wrap domain.ErrLedgerUnavailable and are retryable.
// They never mean the key is free.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/shared/clock"
)

// Outcome is the result of a Reserve call.
type Outcome string

const (
	// OutcomeAcquired means the caller now holds the reservation.
	OutcomeAcquired Outcome = "ACQUIRED"
	// OutcomeAlreadyDone means the derived object was committed earlier.
	OutcomeAlreadyDone Outcome = "ALREADY_DONE"
	// OutcomeAlreadyReserved means another attempt holds a live lease.
	OutcomeAlreadyReserved Outcome = "ALREADY_RESERVED"
	// OutcomePreviouslyFailed means the job is FAILED until replayed.
	OutcomePreviouslyFailed Outcome = "PREVIOUSLY_FAILED"
)

// Subject identifies what is being reserved.
type Subject struct {
	Key    domain.JobKey
	Source domain.Source
}

// Reservation is returned by Reserve.
type Reservation struct {
	Outcome Outcome
	// Token identifies the holder. Set only when Acquired.
	Token string
	// Attempt counts reservations of the key, including this one.
	Attempt    int
	DerivedKey string
	Reason     string
}

// Entry is the persisted state of one job key.
type Entry struct {
	JobKey      domain.JobKey     `json:"job_key"`
	Source      domain.Source     `json:"source"`
	State       domain.EntryState `json:"state"`
	Token       string            `json:"-"`
	Attempts    int               `json:"attempts"`
	Releases    int               `json:"releases"`
	DerivedKey  string            `json:"derived_key,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ReservedAt  time.Time         `json:"reserved_at"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Cursor marks a position in ListFailed order.
type Cursor struct {
	CompletedAt time.Time
	JobKey      domain.JobKey
}

// Ledger is implemented by every backend.
type Ledger interface {
	// Reserve attempts to take the job key.
	Reserve(ctx context.Context, subject Subject) (*Reservation, error)

	// Renew extends the lease held by token.
	Renew(ctx context.Context, key domain.JobKey, token string) error

	// Commit moves RESERVED to DONE. Repeating a successful commit with
	// the same token is a no-op.
	Commit(ctx context.Context, key domain.JobKey, token, derivedKey string) error

	// Release gives the reservation up so a later attempt can take it.
	// After the configured number of releases the entry becomes FAILED.
	Release(ctx context.Context, key domain.JobKey, token, reason string) error

	// Fail moves RESERVED to FAILED.
	Fail(ctx context.Context, key domain.JobKey, token, reason string) error

	Get(ctx context.Context, key domain.JobKey) (*Entry, error)

	// ListFailed returns FAILED entries, newest first, strictly after cursor.
	ListFailed(ctx context.Context, after *Cursor, limit int) ([]*Entry, error)

	// Replay moves a FAILED entry to RELEASED and resets its counters.
	Replay(ctx context.Context, key domain.JobKey) (*Entry, error)

	Close() error
}

// Options configure lease handling for every backend.
type Options struct {
	Lease       time.Duration
	MaxReleases int
	Clock       clock.Clock
}

// DefaultLease applies when Options.Lease is zero.
const DefaultLease = 2 * time.Minute

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

// DefaultListLimit caps ListFailed when limit is not positive.
const DefaultListLimit = 100

func newToken() string {
	return uuid.NewString()
}
