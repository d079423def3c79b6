package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

const pebbleKeyPrefix = "l|"

// Pebble keeps the ledger in an embedded Pebble store. It is safe for one
// process; read-modify-write cycles are serialized by a mutex.
type Pebble struct {
	db   *pebble.DB
	opts Options

	mu sync.Mutex
}

// record is the on-disk CBOR form of an Entry.
type record struct {
	JobKey        string `cbor:"1,keyasint"`
	Collection    string `cbor:"2,keyasint,omitempty"`
	SourceKey     string `cbor:"3,keyasint,omitempty"`
	SourceVersion string `cbor:"4,keyasint,omitempty"`
	State         string `cbor:"5,keyasint"`
	Token         string `cbor:"6,keyasint,omitempty"`
	Attempts      int    `cbor:"7,keyasint"`
	Releases      int    `cbor:"8,keyasint"`
	DerivedKey    string `cbor:"9,keyasint,omitempty"`
	Reason        string `cbor:"10,keyasint,omitempty"`
	ReservedAt    int64  `cbor:"11,keyasint"`
	CompletedAt   int64  `cbor:"12,keyasint,omitempty"`
	UpdatedAt     int64  `cbor:"13,keyasint"`
}

var recordEncMode cbor.EncMode

func init() {
	var err error
	recordEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ledger: CBOR encoder initialization failed: " + err.Error())
	}
}

// OpenPebble opens (or creates) a Pebble ledger in dir.
func OpenPebble(dir string, opts Options) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble ledger: %w", err)
	}
	return &Pebble{db: db, opts: opts.withDefaults()}, nil
}

func pebbleKey(key domain.JobKey) []byte {
	return []byte(pebbleKeyPrefix + string(key))
}

func (p *Pebble) load(key domain.JobKey) (*Entry, error) {
	val, closer, err := p.db.Get(pebbleKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, domain.Transient(domain.ErrLedgerUnavailable, err)
	}
	defer closer.Close()

	return decodeRecord(val)
}

func (p *Pebble) store(e *Entry) error {
	val, err := recordEncMode.Marshal(toRecord(e))
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	if err := p.db.Set(pebbleKey(e.JobKey), val, pebble.Sync); err != nil {
		return domain.Transient(domain.ErrLedgerUnavailable, err)
	}
	return nil
}

func (p *Pebble) update(ctx context.Context, key domain.JobKey, fn func(*Entry) (*Entry, error)) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.load(key)
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next != nil {
		if err := p.store(next); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (p *Pebble) Reserve(ctx context.Context, subject Subject) (*Reservation, error) {
	var res *Reservation
	_, err := p.update(ctx, subject.Key, func(e *Entry) (*Entry, error) {
		var next *Entry
		next, res = decideReserve(e, subject, p.opts.Clock.Now(), p.opts.Lease)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pebble) Renew(ctx context.Context, key domain.JobKey, token string) error {
	_, err := p.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyRenew(e, key, token, p.opts.Clock.Now())
	})
	return err
}

func (p *Pebble) Commit(ctx context.Context, key domain.JobKey, token, derivedKey string) error {
	_, err := p.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyCommit(e, key, token, derivedKey, p.opts.Clock.Now())
	})
	return err
}

func (p *Pebble) Release(ctx context.Context, key domain.JobKey, token, reason string) error {
	_, err := p.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyRelease(e, key, token, reason, p.opts.Clock.Now(), p.opts.MaxReleases)
	})
	return err
}

func (p *Pebble) Fail(ctx context.Context, key domain.JobKey, token, reason string) error {
	_, err := p.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyFail(e, key, token, reason, p.opts.Clock.Now())
	})
	return err
}

func (p *Pebble) Get(ctx context.Context, key domain.JobKey) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := p.load(key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, key)
	}
	return e, nil
}

// ListFailed scans every entry; the Pebble backend targets single-node
// deployments where the ledger stays small.
func (p *Pebble) ListFailed(ctx context.Context, after *Cursor, limit int) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleKeyPrefix),
		UpperBound: []byte("l}"),
	})
	if err != nil {
		return nil, domain.Transient(domain.ErrLedgerUnavailable, err)
	}
	defer iter.Close()

	var failed []*Entry
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		if e.State == domain.EntryStateFailed {
			failed = append(failed, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, domain.Transient(domain.ErrLedgerUnavailable, err)
	}

	return pageFailed(failed, after, limit), nil
}

func (p *Pebble) Replay(ctx context.Context, key domain.JobKey) (*Entry, error) {
	return p.update(ctx, key, func(e *Entry) (*Entry, error) {
		return applyReplay(e, key, p.opts.Clock.Now())
	})
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

func toRecord(e *Entry) record {
	return record{
		JobKey:        string(e.JobKey),
		Collection:    e.Source.Collection,
		SourceKey:     e.Source.Key,
		SourceVersion: e.Source.Version,
		State:         string(e.State),
		Token:         e.Token,
		Attempts:      e.Attempts,
		Releases:      e.Releases,
		DerivedKey:    e.DerivedKey,
		Reason:        e.Reason,
		ReservedAt:    unixNanos(e.ReservedAt),
		CompletedAt:   unixNanos(e.CompletedAt),
		UpdatedAt:     unixNanos(e.UpdatedAt),
	}
}

func decodeRecord(val []byte) (*Entry, error) {
	var r record
	if err := cbor.Unmarshal(val, &r); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	return &Entry{
		JobKey:      domain.JobKey(r.JobKey),
		Source:      domain.Source{Collection: r.Collection, Key: r.SourceKey, Version: r.SourceVersion},
		State:       domain.EntryState(r.State),
		Token:       r.Token,
		Attempts:    r.Attempts,
		Releases:    r.Releases,
		DerivedKey:  r.DerivedKey,
		Reason:      r.Reason,
		ReservedAt:  fromUnixNanos(r.ReservedAt),
		CompletedAt: fromUnixNanos(r.CompletedAt),
		UpdatedAt:   fromUnixNanos(r.UpdatedAt),
	}, nil
}

// unixNanos maps the zero time to 0 so "never" survives a round trip.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
