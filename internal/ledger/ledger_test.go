package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/shared/clock"
)

const testLease = time.Minute

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type openFunc func(t *testing.T, opts Options) Ledger

// backends lists every ledger the suite runs against. Postgres and Redis
// join when PIPELINE_TEST_POSTGRES_DSN / PIPELINE_TEST_REDIS_ADDR are set.
func backends() map[string]openFunc {
	m := map[string]openFunc{
		"memory": func(t *testing.T, opts Options) Ledger {
			return NewMemory(opts)
		},
		"sqlite": func(t *testing.T, opts Options) Ledger {
			l, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), opts)
			require.NoError(t, err)
			t.Cleanup(func() { l.Close() })
			return l
		},
		"pebble": func(t *testing.T, opts Options) Ledger {
			l, err := OpenPebble(t.TempDir(), opts)
			require.NoError(t, err)
			t.Cleanup(func() { l.Close() })
			return l
		},
	}

	if dsn := os.Getenv("PIPELINE_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T, opts Options) Ledger {
			db, err := sqlx.Connect("postgres", dsn)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			_, err = db.Exec(Schema)
			require.NoError(t, err)
			_, err = db.Exec(`TRUNCATE ledger_entries`)
			require.NoError(t, err)
			return NewSQL(db, opts)
		}
	}

	if addr := os.Getenv("PIPELINE_TEST_REDIS_ADDR"); addr != "" {
		m["redis"] = func(t *testing.T, opts Options) Ledger {
			rdb := redis.NewClient(&redis.Options{Addr: addr})
			t.Cleanup(func() { rdb.Close() })
			return NewRedis(rdb, "test:"+uuid.NewString()+":", opts)
		}
	}

	return m
}

// forEachBackend runs fn against a fresh ledger of every backend, driven
// by a fake clock.
func forEachBackend(t *testing.T, maxReleases int, fn func(t *testing.T, l Ledger, clk *clock.Fake)) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(testStart)
			l := open(t, Options{Lease: testLease, MaxReleases: maxReleases, Clock: clk})
			fn(t, l, clk)
		})
	}
}

func subject(name string) Subject {
	src := domain.Source{Collection: "photos", Key: name}
	return Subject{Key: src.JobKey(), Source: src}
}

func TestLedger_ReserveAndCommit(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("cat.jpg")

		first, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAcquired, first.Outcome)
		assert.Equal(t, 1, first.Attempt)
		assert.NotEmpty(t, first.Token)

		second, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyReserved, second.Outcome)
		assert.Empty(t, second.Token)

		require.NoError(t, l.Commit(ctx, subj.Key, first.Token, "resized/cat_800x600.jpg"))
		// retried commit
		require.NoError(t, l.Commit(ctx, subj.Key, first.Token, "resized/cat_800x600.jpg"))

		clk.Advance(24 * time.Hour)
		done, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyDone, done.Outcome)
		assert.Equal(t, "resized/cat_800x600.jpg", done.DerivedKey)

		entry, err := l.Get(ctx, subj.Key)
		require.NoError(t, err)
		assert.Equal(t, domain.EntryStateDone, entry.State)
		assert.Equal(t, subj.Source, entry.Source)
		assert.Equal(t, 1, entry.Attempts)
		assert.True(t, entry.CompletedAt.Equal(testStart), "completed at %s", entry.CompletedAt)
	})
}

func TestLedger_CommitWithForeignToken(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("dog.png")

		_, err := l.Reserve(ctx, subj)
		require.NoError(t, err)

		err = l.Commit(ctx, subj.Key, "not-the-token", "resized/dog_1x1.png")
		assert.ErrorIs(t, err, domain.ErrLeaseLost)

		err = l.Commit(ctx, subject("absent.png").Key, "whatever", "resized/x.png")
		assert.ErrorIs(t, err, domain.ErrLeaseLost)
	})
}

func TestLedger_LeaseExpiryReclaim(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("bird.gif")

		first, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		require.Equal(t, OutcomeAcquired, first.Outcome)

		clk.Advance(testLease - time.Second)
		held, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyReserved, held.Outcome)

		clk.Advance(time.Second)
		reclaimed, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAcquired, reclaimed.Outcome)
		assert.Equal(t, 2, reclaimed.Attempt)
		assert.NotEqual(t, first.Token, reclaimed.Token)

		// the crashed holder can no longer settle the job
		assert.ErrorIs(t, l.Commit(ctx, subj.Key, first.Token, "resized/bird_1x1.gif"), domain.ErrLeaseLost)
		assert.ErrorIs(t, l.Release(ctx, subj.Key, first.Token, "late"), domain.ErrLeaseLost)
		require.NoError(t, l.Commit(ctx, subj.Key, reclaimed.Token, "resized/bird_1x1.gif"))
	})
}

func TestLedger_RenewExtendsLease(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("slow.jpg")

		res, err := l.Reserve(ctx, subj)
		require.NoError(t, err)

		clk.Advance(testLease - 10*time.Second)
		require.NoError(t, l.Renew(ctx, subj.Key, res.Token))

		clk.Advance(20 * time.Second)
		again, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyReserved, again.Outcome)

		assert.ErrorIs(t, l.Renew(ctx, subj.Key, "stranger"), domain.ErrLeaseLost)
	})
}

func TestLedger_ReleaseAllowsRetry(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("flaky.jpg")

		first, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, subj.Key, first.Token, "store unavailable"))

		entry, err := l.Get(ctx, subj.Key)
		require.NoError(t, err)
		assert.Equal(t, domain.EntryStateReleased, entry.State)
		assert.Equal(t, 1, entry.Releases)
		assert.Equal(t, "store unavailable", entry.Reason)

		second, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAcquired, second.Outcome)
		assert.Equal(t, 2, second.Attempt)
	})
}

func TestLedger_MaxReleasesFails(t *testing.T) {
	forEachBackend(t, 2, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("poison.jpg")

		for range 2 {
			res, err := l.Reserve(ctx, subj)
			require.NoError(t, err)
			require.Equal(t, OutcomeAcquired, res.Outcome)
			require.NoError(t, l.Release(ctx, subj.Key, res.Token, "timeout"))
		}

		res, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomePreviouslyFailed, res.Outcome)
		assert.Equal(t, "timeout", res.Reason)

		failed, err := l.ListFailed(ctx, nil, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, subj.Key, failed[0].JobKey)
	})
}

func TestLedger_FailAndReplay(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("broken.bmp")

		res, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		require.NoError(t, l.Fail(ctx, subj.Key, res.Token, "unsupported content type"))

		failed, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomePreviouslyFailed, failed.Outcome)
		assert.Equal(t, "unsupported content type", failed.Reason)

		entry, err := l.Replay(ctx, subj.Key)
		require.NoError(t, err)
		assert.Equal(t, domain.EntryStateReleased, entry.State)
		assert.Equal(t, 0, entry.Attempts)
		assert.Equal(t, subj.Source, entry.Source)

		list, err := l.ListFailed(ctx, nil, 10)
		require.NoError(t, err)
		assert.Empty(t, list)

		again, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAcquired, again.Outcome)
		assert.Equal(t, 1, again.Attempt)

		_, err = l.Replay(ctx, subj.Key)
		assert.ErrorIs(t, err, domain.ErrNotFailed)

		_, err = l.Replay(ctx, subject("never-seen.jpg").Key)
		assert.ErrorIs(t, err, domain.ErrEntryNotFound)
	})
}

func TestLedger_GetMissing(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		_, err := l.Get(context.Background(), subject("ghost.jpg").Key)
		assert.ErrorIs(t, err, domain.ErrEntryNotFound)
	})
}

func TestLedger_ListFailedPagination(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()

		fail := func(name string) {
			subj := subject(name)
			res, err := l.Reserve(ctx, subj)
			require.NoError(t, err)
			require.NoError(t, l.Fail(ctx, subj.Key, res.Token, "corrupt"))
		}

		// three distinct timestamps, then a tie of three
		for i := range 3 {
			fail(fmt.Sprintf("old-%d.jpg", i))
			clk.Advance(time.Second)
		}
		for i := range 3 {
			fail(fmt.Sprintf("tied-%d.jpg", i))
		}

		var all []*Entry
		var cursor *Cursor
		for page := 0; page < 10; page++ {
			entries, err := l.ListFailed(ctx, cursor, 2)
			require.NoError(t, err)
			if len(entries) == 0 {
				break
			}
			assert.LessOrEqual(t, len(entries), 2)
			all = append(all, entries...)
			last := entries[len(entries)-1]
			cursor = &Cursor{CompletedAt: last.CompletedAt, JobKey: last.JobKey}
		}

		require.Len(t, all, 6)
		seen := make(map[domain.JobKey]bool)
		for i, e := range all {
			assert.False(t, seen[e.JobKey], "duplicate %s", e.JobKey)
			seen[e.JobKey] = true
			if i > 0 {
				assert.LessOrEqual(t, compareFailed(all[i-1], e), 0, "entries out of order at %d", i)
			}
		}
		assert.True(t, all[0].CompletedAt.Equal(testStart.Add(3*time.Second)))
		assert.True(t, all[5].CompletedAt.Equal(testStart))
	})
}

func TestLedger_ConcurrentReserveIsExclusive(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("contended.jpg")

		const callers = 16
		outcomes := make(chan Outcome, callers)
		var wg sync.WaitGroup
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := l.Reserve(ctx, subj)
				if assert.NoError(t, err) {
					outcomes <- res.Outcome
				}
			}()
		}
		wg.Wait()
		close(outcomes)

		counts := make(map[Outcome]int)
		for o := range outcomes {
			counts[o]++
		}
		assert.Equal(t, 1, counts[OutcomeAcquired])
		assert.Equal(t, callers-1, counts[OutcomeAlreadyReserved])
	})
}

func TestLedger_ConcurrentReclaimIsExclusive(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, l Ledger, clk *clock.Fake) {
		ctx := context.Background()
		subj := subject("expired.jpg")

		_, err := l.Reserve(ctx, subj)
		require.NoError(t, err)
		clk.Advance(testLease)

		const callers = 8
		var acquired sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for range callers {
			acquired.Add(1)
			go func() {
				defer acquired.Done()
				res, err := l.Reserve(ctx, subj)
				if assert.NoError(t, err) && res.Outcome == OutcomeAcquired {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		acquired.Wait()

		assert.Equal(t, 1, wins)
	})
}

func TestPageFailed(t *testing.T) {
	e := func(key string, sec int) *Entry {
		return &Entry{JobKey: domain.JobKey(key), CompletedAt: testStart.Add(time.Duration(sec) * time.Second)}
	}
	entries := []*Entry{e("a", 1), e("c", 2), e("b", 2), e("d", 0)}

	page := pageFailed(entries, nil, 3)
	require.Len(t, page, 3)
	assert.Equal(t, domain.JobKey("c"), page[0].JobKey)
	assert.Equal(t, domain.JobKey("b"), page[1].JobKey)
	assert.Equal(t, domain.JobKey("a"), page[2].JobKey)

	rest := pageFailed(entries, &Cursor{CompletedAt: page[2].CompletedAt, JobKey: page[2].JobKey}, 3)
	require.Len(t, rest, 1)
	assert.Equal(t, domain.JobKey("d"), rest[0].JobKey)
}
