package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// Schema creates the ledger table. It is safe to apply repeatedly.
//
//go:embed schema.sql
var Schema string

// SQL is a ledger over PostgreSQL or SQLite. Timestamps are stored as
// Unix nanoseconds taken from the injected clock, never from the database.
type SQL struct {
	db     *sqlx.DB
	opts   Options
	ownsDB bool
}

// NewSQL uses an existing connection. The caller applies Schema and
// closes db.
func NewSQL(db *sqlx.DB, opts Options) *SQL {
	return &SQL{db: db, opts: opts.withDefaults()}
}

// OpenSQLite opens (or creates) a SQLite ledger at path and applies Schema.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
	}
	// One connection keeps the pragmas below in effect and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &SQL{db: db, opts: opts.withDefaults(), ownsDB: true}, nil
}

const entryColumns = `job_key, collection, source_key, source_version, state, token,
	attempts, releases, derived_key, reason, reserved_at, completed_at, updated_at`

type entryRow struct {
	JobKey        string `db:"job_key"`
	Collection    string `db:"collection"`
	SourceKey     string `db:"source_key"`
	SourceVersion string `db:"source_version"`
	State         string `db:"state"`
	Token         string `db:"token"`
	Attempts      int    `db:"attempts"`
	Releases      int    `db:"releases"`
	DerivedKey    string `db:"derived_key"`
	Reason        string `db:"reason"`
	ReservedAt    int64  `db:"reserved_at"`
	CompletedAt   int64  `db:"completed_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r *entryRow) entry() *Entry {
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
	}
}

// unavailable maps a driver error onto the retryable ledger error.
// Context errors pass through unchanged.
func unavailable(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return domain.Transient(domain.ErrLedgerUnavailable, err)
}

const reserveQuery = `
	INSERT INTO ledger_entries
		(job_key, collection, source_key, source_version, state, token, attempts, releases, reserved_at, updated_at)
	VALUES (?, ?, ?, ?, 'RESERVED', ?, 1, 0, ?, ?)
	ON CONFLICT (job_key) DO UPDATE SET
		state = 'RESERVED',
		token = excluded.token,
		attempts = ledger_entries.attempts + 1,
		reserved_at = excluded.reserved_at,
		updated_at = excluded.updated_at,
		collection = CASE WHEN excluded.source_key <> '' THEN excluded.collection ELSE ledger_entries.collection END,
		source_version = CASE WHEN excluded.source_key <> '' THEN excluded.source_version ELSE ledger_entries.source_version END,
		source_key = CASE WHEN excluded.source_key <> '' THEN excluded.source_key ELSE ledger_entries.source_key END
	WHERE ledger_entries.state = 'RELEASED'
	   OR (ledger_entries.state = 'RESERVED' AND ledger_entries.reserved_at <= ?)
	RETURNING attempts
`

// reserveRounds bounds how often Reserve re-runs the upsert after losing
// a race to a concurrent release.
const reserveRounds = 3

func (s *SQL) Reserve(ctx context.Context, subject Subject) (*Reservation, error) {
	for range reserveRounds {
		now := s.opts.Clock.Now()
		token := newToken()
		expiredBefore := now.Add(-s.opts.Lease).UnixNano()

		var attempts int
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(reserveQuery),
			string(subject.Key),
			subject.Source.Collection,
			subject.Source.Key,
			subject.Source.Version,
			token,
			now.UnixNano(),
			now.UnixNano(),
			expiredBefore,
		).Scan(&attempts)
		if err == nil {
			return &Reservation{Outcome: OutcomeAcquired, Token: token, Attempt: attempts}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, unavailable(ctx, err)
		}

		row, err := s.getRow(ctx, subject.Key)
		if err != nil {
			return nil, err
		}
		if row == nil {
			continue
		}

		switch domain.EntryState(row.State) {
		case domain.EntryStateDone:
			return &Reservation{Outcome: OutcomeAlreadyDone, Attempt: row.Attempts, DerivedKey: row.DerivedKey}, nil
		case domain.EntryStateFailed:
			return &Reservation{Outcome: OutcomePreviouslyFailed, Attempt: row.Attempts, Reason: row.Reason}, nil
		case domain.EntryStateReserved:
			if row.ReservedAt > expiredBefore {
				return &Reservation{Outcome: OutcomeAlreadyReserved, Attempt: row.Attempts}, nil
			}
		}
	}

	return &Reservation{Outcome: OutcomeAlreadyReserved}, nil
}

// execOwned runs an UPDATE guarded by state = 'RESERVED' AND token = ?
// and reports ErrLeaseLost when it matched nothing.
func (s *SQL) execOwned(ctx context.Context, key domain.JobKey, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return unavailable(ctx, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable(ctx, err)
	}
	if n == 0 {
		return leaseLost(key)
	}
	return nil
}

func (s *SQL) Renew(ctx context.Context, key domain.JobKey, token string) error {
	now := s.opts.Clock.Now().UnixNano()
	return s.execOwned(ctx, key, `
		UPDATE ledger_entries SET reserved_at = ?, updated_at = ?
		WHERE job_key = ? AND state = 'RESERVED' AND token = ?
	`, now, now, string(key), token)
}

func (s *SQL) Commit(ctx context.Context, key domain.JobKey, token, derivedKey string) error {
	now := s.opts.Clock.Now().UnixNano()
	err := s.execOwned(ctx, key, `
		UPDATE ledger_entries
		SET state = 'DONE', derived_key = ?, reason = '', completed_at = ?, updated_at = ?
		WHERE job_key = ? AND state = 'RESERVED' AND token = ?
	`, derivedKey, now, now, string(key), token)
	if !errors.Is(err, domain.ErrLeaseLost) {
		return err
	}

	// A retried commit whose first try landed is not a lost lease.
	row, getErr := s.getRow(ctx, key)
	if getErr != nil {
		return getErr
	}
	if row != nil && domain.EntryState(row.State) == domain.EntryStateDone && row.Token == token {
		return nil
	}
	return err
}

func (s *SQL) Release(ctx context.Context, key domain.JobKey, token, reason string) error {
	now := s.opts.Clock.Now().UnixNano()
	if s.opts.MaxReleases <= 0 {
		return s.execOwned(ctx, key, `
			UPDATE ledger_entries
			SET state = 'RELEASED', token = '', releases = releases + 1, reason = ?, updated_at = ?
			WHERE job_key = ? AND state = 'RESERVED' AND token = ?
		`, reason, now, string(key), token)
	}

	return s.execOwned(ctx, key, `
		UPDATE ledger_entries
		SET state = CASE WHEN releases + 1 >= ? THEN 'FAILED' ELSE 'RELEASED' END,
			completed_at = CASE WHEN releases + 1 >= ? THEN ? ELSE completed_at END,
			token = '',
			releases = releases + 1,
			reason = ?,
			updated_at = ?
		WHERE job_key = ? AND state = 'RESERVED' AND token = ?
	`, s.opts.MaxReleases, s.opts.MaxReleases, now, reason, now, string(key), token)
}

func (s *SQL) Fail(ctx context.Context, key domain.JobKey, token, reason string) error {
	now := s.opts.Clock.Now().UnixNano()
	return s.execOwned(ctx, key, `
		UPDATE ledger_entries
		SET state = 'FAILED', token = '', reason = ?, completed_at = ?, updated_at = ?
		WHERE job_key = ? AND state = 'RESERVED' AND token = ?
	`, reason, now, now, string(key), token)
}

func (s *SQL) getRow(ctx context.Context, key domain.JobKey) (*entryRow, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE job_key = ?`), string(key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(ctx, err)
	}
	return &row, nil
}

func (s *SQL) Get(ctx context.Context, key domain.JobKey) (*Entry, error) {
	row, err := s.getRow(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, key)
	}
	return row.entry(), nil
}

func (s *SQL) ListFailed(ctx context.Context, after *Cursor, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE state = 'FAILED'`
	var args []any
	if after != nil {
		completed := unixNanos(after.CompletedAt)
		query += ` AND (completed_at < ? OR (completed_at = ? AND job_key < ?))`
		args = append(args, completed, completed, string(after.JobKey))
	}
	query += ` ORDER BY completed_at DESC, job_key DESC LIMIT ?`
	args = append(args, limit)

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, unavailable(ctx, err)
	}

	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].entry())
	}
	return entries, nil
}

func (s *SQL) Replay(ctx context.Context, key domain.JobKey) (*Entry, error) {
	var row entryRow
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		UPDATE ledger_entries
		SET state = 'RELEASED', token = '', attempts = 0, releases = 0, reason = '', completed_at = 0, updated_at = ?
		WHERE job_key = ? AND state = 'FAILED'
		RETURNING `+entryColumns), s.opts.Clock.Now().UnixNano(), string(key)).StructScan(&row)
	if err == nil {
		return row.entry(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable(ctx, err)
	}

	current, getErr := s.getRow(ctx, key)
	if getErr != nil {
		return nil, getErr
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, key)
	}
	return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotFailed, key, current.State)
}

// Close closes the database only when OpenSQLite created it.
func (s *SQL) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
