package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// Redis keeps each entry in a hash at {prefix}{job_key} and indexes FAILED
// entries in a sorted set at {prefix}failed scored by completion time.
// Every transition runs as one Lua script. Timestamps are Unix
// microseconds so they stay exact as Lua numbers and sorted set scores.
//
// The scripts touch two keys per call, so the backend expects a single
// Redis node rather than a cluster.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedis returns a ledger over rdb. prefix namespaces every key.
func NewRedis(rdb redis.UniversalClient, prefix string, opts Options) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, opts: opts.withDefaults()}
}

func (r *Redis) entryKey(key domain.JobKey) string {
	return r.prefix + string(key)
}

func (r *Redis) failedKey() string {
	return r.prefix + "failed"
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}

var reserveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  redis.call('HSET', KEYS[1],
    'job_key', ARGV[1], 'collection', ARGV[2], 'source_key', ARGV[3], 'source_version', ARGV[4],
    'state', 'RESERVED', 'token', ARGV[5], 'attempts', 1, 'releases', 0,
    'derived_key', '', 'reason', '', 'reserved_at', ARGV[6], 'completed_at', 0, 'updated_at', ARGV[6])
  return {'ACQUIRED', 1, '', ''}
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
if state == 'DONE' then
  return {'ALREADY_DONE', attempts, redis.call('HGET', KEYS[1], 'derived_key'), ''}
end
if state == 'FAILED' then
  return {'PREVIOUSLY_FAILED', attempts, '', redis.call('HGET', KEYS[1], 'reason')}
end
if state == 'RESERVED' and tonumber(redis.call('HGET', KEYS[1], 'reserved_at')) > tonumber(ARGV[7]) then
  return {'ALREADY_RESERVED', attempts, '', ''}
end
attempts = attempts + 1
redis.call('HSET', KEYS[1], 'state', 'RESERVED', 'token', ARGV[5], 'attempts', attempts,
  'reserved_at', ARGV[6], 'updated_at', ARGV[6])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'collection', ARGV[2], 'source_key', ARGV[3], 'source_version', ARGV[4])
end
return {'ACQUIRED', attempts, '', ''}
`)

var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'RESERVED' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'reserved_at', ARGV[2], 'updated_at', ARGV[2])
return 1
`)

var commitScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
local token = redis.call('HGET', KEYS[1], 'token')
if state == 'DONE' and token == ARGV[1] then
  return 1
end
if state ~= 'RESERVED' or token ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'DONE', 'derived_key', ARGV[2], 'reason', '',
  'completed_at', ARGV[3], 'updated_at', ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'RESERVED' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
local releases = tonumber(redis.call('HGET', KEYS[1], 'releases')) + 1
local limit = tonumber(ARGV[4])
if limit > 0 and releases >= limit then
  redis.call('HSET', KEYS[1], 'state', 'FAILED', 'token', '', 'releases', releases, 'reason', ARGV[2],
    'completed_at', ARGV[3], 'updated_at', ARGV[3])
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
else
  redis.call('HSET', KEYS[1], 'state', 'RELEASED', 'token', '', 'releases', releases, 'reason', ARGV[2],
    'updated_at', ARGV[3])
end
return 1
`)

var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'RESERVED' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'FAILED', 'token', '', 'reason', ARGV[2],
  'completed_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

var replayScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'FAILED' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'RELEASED', 'token', '', 'attempts', 0, 'releases', 0,
  'reason', '', 'completed_at', 0, 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

func (r *Redis) Reserve(ctx context.Context, subject Subject) (*Reservation, error) {
	now := r.opts.Clock.Now()
	token := newToken()

	values, err := reserveScript.Run(ctx, r.rdb, []string{r.entryKey(subject.Key)},
		string(subject.Key),
		subject.Source.Collection,
		subject.Source.Key,
		subject.Source.Version,
		token,
		micros(now),
		micros(now.Add(-r.opts.Lease)),
	).Slice()
	if err != nil {
		return nil, unavailable(ctx, err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("unexpected reserve reply: %v", values)
	}

	outcome, _ := values[0].(string)
	attempt, _ := values[1].(int64)
	derived, _ := values[2].(string)
	reason, _ := values[3].(string)

	res := &Reservation{
		Outcome:    Outcome(outcome),
		Attempt:    int(attempt),
		DerivedKey: derived,
		Reason:     reason,
	}
	if res.Outcome == OutcomeAcquired {
		res.Token = token
	}
	return res, nil
}

// runOwned runs a token-guarded script and reports ErrLeaseLost when it
// returns 0.
func (r *Redis) runOwned(ctx context.Context, key domain.JobKey, script *redis.Script, keys []string, args ...any) error {
	n, err := script.Run(ctx, r.rdb, keys, args...).Int()
	if err != nil {
		return unavailable(ctx, err)
	}
	if n == 0 {
		return leaseLost(key)
	}
	return nil
}

func (r *Redis) Renew(ctx context.Context, key domain.JobKey, token string) error {
	return r.runOwned(ctx, key, renewScript, []string{r.entryKey(key)},
		token, micros(r.opts.Clock.Now()))
}

func (r *Redis) Commit(ctx context.Context, key domain.JobKey, token, derivedKey string) error {
	return r.runOwned(ctx, key, commitScript, []string{r.entryKey(key)},
		token, derivedKey, micros(r.opts.Clock.Now()))
}

func (r *Redis) Release(ctx context.Context, key domain.JobKey, token, reason string) error {
	return r.runOwned(ctx, key, releaseScript, []string{r.entryKey(key), r.failedKey()},
		token, reason, micros(r.opts.Clock.Now()), r.opts.MaxReleases, string(key))
}

func (r *Redis) Fail(ctx context.Context, key domain.JobKey, token, reason string) error {
	return r.runOwned(ctx, key, failScript, []string{r.entryKey(key), r.failedKey()},
		token, reason, micros(r.opts.Clock.Now()), string(key))
}

func (r *Redis) Get(ctx context.Context, key domain.JobKey) (*Entry, error) {
	fields, err := r.rdb.HGetAll(ctx, r.entryKey(key)).Result()
	if err != nil {
		return nil, unavailable(ctx, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, key)
	}
	return parseHash(fields)
}

func (r *Redis) ListFailed(ctx context.Context, after *Cursor, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var keys []string
	upper := "+inf"
	if after != nil {
		score := strconv.FormatInt(micros(after.CompletedAt), 10)

		// Members sharing the cursor's score sort by key.
		tied, err := r.rdb.ZRevRangeByScore(ctx, r.failedKey(), &redis.ZRangeBy{Max: score, Min: score}).Result()
		if err != nil {
			return nil, unavailable(ctx, err)
		}
		for _, member := range tied {
			if member < string(after.JobKey) && len(keys) < limit {
				keys = append(keys, member)
			}
		}
		upper = "(" + score
	}

	if len(keys) < limit {
		rest, err := r.rdb.ZRevRangeByScore(ctx, r.failedKey(), &redis.ZRangeBy{
			Max:   upper,
			Min:   "-inf",
			Count: int64(limit - len(keys)),
		}).Result()
		if err != nil {
			return nil, unavailable(ctx, err)
		}
		keys = append(keys, rest...)
	}

	if len(keys) == 0 {
		return []*Entry{}, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, r.entryKey(domain.JobKey(k)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(ctx, err)
	}

	entries := make([]*Entry, 0, len(keys))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := parseHash(fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Redis) Replay(ctx context.Context, key domain.JobKey) (*Entry, error) {
	n, err := replayScript.Run(ctx, r.rdb, []string{r.entryKey(key), r.failedKey()},
		micros(r.opts.Clock.Now()), string(key)).Int()
	if err != nil {
		return nil, unavailable(ctx, err)
	}

	switch n {
	case -1:
		return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, key)
	case 0:
		entry, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotFailed, key, entry.State)
	}
	return r.Get(ctx, key)
}

// Close leaves the shared client open.
func (r *Redis) Close() error {
	return nil
}

func parseHash(fields map[string]string) (*Entry, error) {
	var errs []error
	parseInt := func(name string) int64 {
		raw, ok := fields[name]
		if !ok || raw == "" {
			return 0
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
		}
		return n
	}

	e := &Entry{
		JobKey: domain.JobKey(fields["job_key"]),
		Source: domain.Source{
			Collection: fields["collection"],
			Key:        fields["source_key"],
			Version:    fields["source_version"],
		},
		State:       domain.EntryState(fields["state"]),
		Token:       fields["token"],
		Attempts:    int(parseInt("attempts")),
		Releases:    int(parseInt("releases")),
		DerivedKey:  fields["derived_key"],
		Reason:      fields["reason"],
		ReservedAt:  fromMicros(parseInt("reserved_at")),
		CompletedAt: fromMicros(parseInt("completed_at")),
		UpdatedAt:   fromMicros(parseInt("updated_at")),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	return e, nil
}
