package ledger

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// Entry transitions shared by the backends that keep whole entries in
// process memory (memory, pebble). Each function takes the current entry,
// nil when absent, and returns the entry to store, nil when unchanged.

func leaseExpired(e *Entry, now time.Time, lease time.Duration) bool {
	return !now.Before(e.ReservedAt.Add(lease))
}

func decideReserve(current *Entry, subject Subject, now time.Time, lease time.Duration) (*Entry, *Reservation) {
	if current == nil {
		next := &Entry{
			JobKey:     subject.Key,
			Source:     subject.Source,
			State:      domain.EntryStateReserved,
			Token:      newToken(),
			Attempts:   1,
			ReservedAt: now,
			UpdatedAt:  now,
		}
		return next, &Reservation{Outcome: OutcomeAcquired, Token: next.Token, Attempt: 1}
	}

	switch current.State {
	case domain.EntryStateDone:
		return nil, &Reservation{Outcome: OutcomeAlreadyDone, Attempt: current.Attempts, DerivedKey: current.DerivedKey}
	case domain.EntryStateFailed:
		return nil, &Reservation{Outcome: OutcomePreviouslyFailed, Attempt: current.Attempts, Reason: current.Reason}
	case domain.EntryStateReserved:
		if !leaseExpired(current, now, lease) {
			return nil, &Reservation{Outcome: OutcomeAlreadyReserved, Attempt: current.Attempts}
		}
	}

	// RELEASED, or RESERVED with an expired lease.
	next := *current
	next.State = domain.EntryStateReserved
	next.Token = newToken()
	next.Attempts++
	next.ReservedAt = now
	next.UpdatedAt = now
	if subject.Source != (domain.Source{}) {
		next.Source = subject.Source
	}
	return &next, &Reservation{Outcome: OutcomeAcquired, Token: next.Token, Attempt: next.Attempts}
}

func leaseLost(key domain.JobKey) error {
	return fmt.Errorf("%w: %s", domain.ErrLeaseLost, key)
}

func owned(e *Entry, key domain.JobKey, token string) error {
	if e == nil || e.State != domain.EntryStateReserved || e.Token != token {
		return leaseLost(key)
	}
	return nil
}

func applyRenew(current *Entry, key domain.JobKey, token string, now time.Time) (*Entry, error) {
	if err := owned(current, key, token); err != nil {
		return nil, err
	}
	next := *current
	next.ReservedAt = now
	next.UpdatedAt = now
	return &next, nil
}

func applyCommit(current *Entry, key domain.JobKey, token, derivedKey string, now time.Time) (*Entry, error) {
	if current != nil && current.State == domain.EntryStateDone && current.Token == token {
		return nil, nil
	}
	if err := owned(current, key, token); err != nil {
		return nil, err
	}
	next := *current
	next.State = domain.EntryStateDone
	next.DerivedKey = derivedKey
	next.Reason = ""
	next.CompletedAt = now
	next.UpdatedAt = now
	return &next, nil
}

func applyRelease(current *Entry, key domain.JobKey, token, reason string, now time.Time, maxReleases int) (*Entry, error) {
	if err := owned(current, key, token); err != nil {
		return nil, err
	}
	next := *current
	next.Token = ""
	next.Releases++
	next.Reason = reason
	next.UpdatedAt = now
	if maxReleases > 0 && next.Releases >= maxReleases {
		next.State = domain.EntryStateFailed
		next.CompletedAt = now
	} else {
		next.State = domain.EntryStateReleased
	}
	return &next, nil
}

func applyFail(current *Entry, key domain.JobKey, token, reason string, now time.Time) (*Entry, error) {
	if err := owned(current, key, token); err != nil {
		return nil, err
	}
	next := *current
	next.State = domain.EntryStateFailed
	next.Token = ""
	next.Reason = reason
	next.CompletedAt = now
	next.UpdatedAt = now
	return &next, nil
}

func applyReplay(current *Entry, key domain.JobKey, now time.Time) (*Entry, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, key)
	}
	if current.State != domain.EntryStateFailed {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotFailed, key, current.State)
	}
	next := *current
	next.State = domain.EntryStateReleased
	next.Token = ""
	next.Attempts = 0
	next.Releases = 0
	next.Reason = ""
	next.CompletedAt = time.Time{}
	next.UpdatedAt = now
	return &next, nil
}

// compareFailed orders entries newest first by completion, then by key.
func compareFailed(a, b *Entry) int {
	if c := b.CompletedAt.Compare(a.CompletedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.JobKey, a.JobKey)
}

func afterCursor(e *Entry, c *Cursor) bool {
	if c == nil {
		return true
	}
	return compareFailed(e, &Entry{CompletedAt: c.CompletedAt, JobKey: c.JobKey}) > 0
}

// pageFailed sorts failed entries and returns up to limit after cursor.
func pageFailed(entries []*Entry, after *Cursor, limit int) []*Entry {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	slices.SortFunc(entries, compareFailed)

	page := make([]*Entry, 0, min(limit, len(entries)))
	for _, e := range entries {
		if !afterCursor(e, after) {
			continue
		}
		page = append(page, e)
		if len(page) == limit {
			break
		}
	}
	return page
}
