package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/facebookgo/clock"
	"github.com/redis/go-redis/v9"

	"example.com/buskercal/internal/domain"
)

const (
	eventKeyPrefix = "event:"
	timelineKey    = "events_timeline"
	errorLogKey    = "errors:log"
	runKeyPrefix   = "run:"
	lockKeyPrefix  = "scraper:lock:"
)

// releaseScript deletes the lock only when it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock TTL only when it still carries the caller's token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis implements Store on a Redis server. Record and lock TTLs are native
// key expirations; the timeline is a sorted set scored by day number.
type Redis struct {
	client *redis.Client
	clock  clock.Clock
}

var _ Store = (*Redis)(nil)

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{client: client, clock: o.clock}
}

func eventKey(fp domain.Fingerprint) string { return eventKeyPrefix + string(fp) }

func (r *Redis) Put(ctx context.Context, rec domain.EventRecord, ttl time.Duration) error {
	score, err := dayIndex(rec.Date)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	rec.ExpiresAt = now.Add(ttl).UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, eventKey(rec.Fingerprint), payload, ttl)
		pipe.ZAdd(ctx, timelineKey, redis.Z{Score: float64(score), Member: string(rec.Fingerprint)})
		return nil
	})
	if err != nil {
		return redisErr("put event", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, fp domain.Fingerprint) (domain.EventRecord, error) {
	raw, err := r.client.Get(ctx, eventKey(fp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.EventRecord{}, ErrNotFound
		}
		return domain.EventRecord{}, redisErr("get event", err)
	}
	var rec domain.EventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.EventRecord{}, fmt.Errorf("decode event %s: %w", fp.Short(), err)
	}
	return rec, nil
}

func (r *Redis) Exists(ctx context.Context, fp domain.Fingerprint) (bool, error) {
	n, err := r.client.Exists(ctx, eventKey(fp)).Result()
	if err != nil {
		return false, redisErr("check event", err)
	}
	return n == 1, nil
}

func (r *Redis) Delete(ctx context.Context, fp domain.Fingerprint) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, eventKey(fp))
		pipe.ZRem(ctx, timelineKey, string(fp))
		return nil
	})
	if err != nil {
		return redisErr("delete event", err)
	}
	return nil
}

func (r *Redis) IndexByDateRange(ctx context.Context, from, to string) ([]domain.Fingerprint, error) {
	lo, err := dayIndex(from)
	if err != nil {
		return nil, err
	}
	hi, err := dayIndex(to)
	if err != nil {
		return nil, err
	}
	members, err := r.client.ZRangeByScore(ctx, timelineKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(lo, 10),
		Max: strconv.FormatInt(hi, 10),
	}).Result()
	if err != nil {
		return nil, redisErr("index by date", err)
	}
	live, _, err := r.splitLive(ctx, members)
	if err != nil {
		return nil, err
	}
	return live, nil
}

// PruneTimeline removes timeline members whose event key has expired.
func (r *Redis) PruneTimeline(ctx context.Context) (int, error) {
	members, err := r.client.ZRange(ctx, timelineKey, 0, -1).Result()
	if err != nil {
		return 0, redisErr("prune timeline", err)
	}
	_, dead, err := r.splitLive(ctx, members)
	if err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		return 0, nil
	}
	args := make([]any, len(dead))
	for i, fp := range dead {
		args[i] = fp
	}
	n, err := r.client.ZRem(ctx, timelineKey, args...).Result()
	if err != nil {
		return 0, redisErr("prune timeline", err)
	}
	return int(n), nil
}

func (r *Redis) splitLive(ctx context.Context, members []string) ([]domain.Fingerprint, []string, error) {
	if len(members) == 0 {
		return nil, nil, nil
	}
	cmds := make([]*redis.IntCmd, len(members))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.Exists(ctx, eventKeyPrefix+m)
		}
		return nil
	})
	if err != nil {
		return nil, nil, redisErr("check timeline", err)
	}
	var (
		live []domain.Fingerprint
		dead []string
	)
	for i, m := range members {
		if cmds[i].Val() == 1 {
			live = append(live, domain.Fingerprint(m))
		} else {
			dead = append(dead, m)
		}
	}
	return live, dead, nil
}

func (r *Redis) AppendError(ctx context.Context, entry domain.ErrorLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal error entry: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, errorLogKey, payload)
		pipe.LTrim(ctx, errorLogKey, 0, domain.MaxErrorLogEntries-1)
		return nil
	})
	if err != nil {
		return redisErr("append error", err)
	}
	return nil
}

func (r *Redis) RecentErrors(ctx context.Context, n int) ([]domain.ErrorLogEntry, error) {
	n = clampErrorCount(n)
	raw, err := r.client.LRange(ctx, errorLogKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, redisErr("recent errors", err)
	}
	entries := make([]domain.ErrorLogEntry, 0, len(raw))
	for _, item := range raw {
		var e domain.ErrorLogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Redis) RecordRun(ctx context.Context, job domain.JobType, meta domain.RunMetadata) error {
	meta.JobType = job
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	if err := r.client.Set(ctx, runKeyPrefix+string(job), payload, 0).Err(); err != nil {
		return redisErr("record run", err)
	}
	return nil
}

func (r *Redis) LastRun(ctx context.Context, job domain.JobType) (domain.RunMetadata, error) {
	raw, err := r.client.Get(ctx, runKeyPrefix+string(job)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.RunMetadata{}, ErrNotFound
		}
		return domain.RunMetadata{}, redisErr("last run", err)
	}
	var meta domain.RunMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return domain.RunMetadata{}, fmt.Errorf("decode run metadata: %w", err)
	}
	return meta, nil
}

func (r *Redis) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return false, redisErr("acquire lock", err)
	}
	return ok, nil
}

func (r *Redis) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{lockKeyPrefix + name}, token).Int()
	if err != nil {
		return false, redisErr("release lock", err)
	}
	return n == 1, nil
}

func (r *Redis) RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{lockKeyPrefix + name}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, redisErr("renew lock", err)
	}
	return n == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return redisErr("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func redisErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}
