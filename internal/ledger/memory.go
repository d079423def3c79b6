package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// Memory is a process-local ledger. It gives no durability across
// restarts and suits tests and single-shot tools.
type Memory struct {
	opts Options

	mu      sync.Mutex
	entries map[domain.JobKey]*Entry
}

// NewMemory returns an empty Memory ledger.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:    opts.withDefaults(),
		entries: make(map[domain.JobKey]*Entry),
	}
}

func (m *Memory) Reserve(ctx context.Context, subject Subject) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next, res := decideReserve(m.entries[subject.Key], subject, m.opts.Clock.Now(), m.opts.Lease)
	if next != nil {
		m.entries[subject.Key] = next
	}
	return res, nil
}

// update applies fn to the entry under the lock.
func (m *Memory) update(ctx context.Context, key domain.JobKey, fn func(*Entry) (*Entry, error)) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.entries[key])
	if err != nil {
		return nil, err
	}
	if next != nil {
		m.entries[key] = next
	}
	return next, nil
}

func (m *Memory) Renew(ctx context.Context, key domain.JobKey, token string) error {
	_, err := m.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyRenew(e, key, token, m.opts.Clock.Now())
	})
	return err
}

func (m *Memory) Commit(ctx context.Context, key domain.JobKey, token, derivedKey string) error {
	_, err := m.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyCommit(e, key, token, derivedKey, m.opts.Clock.Now())
	})
	return err
}

func (m *Memory) Release(ctx context.Context, key domain.JobKey, token, reason string) error {
	_, err := m.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyRelease(e, key, token, reason, m.opts.Clock.Now(), m.opts.MaxReleases)
	})
	return err
}

func (m *Memory) Fail(ctx context.Context, key domain.JobKey, token, reason string) error {
	_, err := m.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyFail(e, key, token, reason, m.opts.Clock.Now())
	})
	return err
}

func (m *Memory) Get(ctx context.Context, key domain.JobKey) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, key)
	}
	clone := *e
	return &clone, nil
}

func (m *Memory) ListFailed(ctx context.Context, after *Cursor, limit int) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var failed []*Entry
	for _, e := range m.entries {
		if e.State == domain.EntryStateFailed {
			clone := *e
			failed = append(failed, &clone)
		}
	}
	m.mu.Unlock()

	return pageFailed(failed, after, limit), nil
}

func (m *Memory) Replay(ctx context.Context, key domain.JobKey) (*Entry, error) {
	next, err := m.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyReplay(e, key, m.opts.Clock.Now())
	})
	if err != nil {
		return nil, err
	}
	clone := *next
	return &clone, nil
}

func (m *Memory) Close() error {
	return nil
}
