// Package queue is a durable at-least-once job queue on Redis. A job is
// identified by the photo it processes, so a photo has at most one job
// waiting, delayed or active at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	Prefix       string
	MaxAttempts  int
	BackoffBase  time.Duration
	StallTimeout time.Duration
	KeepComplete int64
	KeepFailed   int64
}

func DefaultOptions() Options {
	return Options{
		Prefix:       "photosearch:photo-jobs",
		MaxAttempts:  3,
		BackoffBase:  5 * time.Second,
		StallTimeout: 10 * time.Minute,
		KeepComplete: 1000,
		KeepFailed:   5000,
	}
}

type Job struct {
	PhotoID uuid.UUID
	Attempt int
}

type Queue struct {
	rdb  *redis.Client
	opts Options
	now  func() time.Time
}

func New(rdb *redis.Client, opts Options) *Queue {
	d := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = d.Prefix
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = d.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = d.BackoffBase
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = d.StallTimeout
	}
	if opts.KeepComplete <= 0 {
		opts.KeepComplete = d.KeepComplete
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = d.KeepFailed
	}
	return &Queue{rdb: rdb, opts: opts, now: time.Now}
}

func (q *Queue) key(name string) string { return q.opts.Prefix + ":" + name }

func (q *Queue) jobKey(id string) string { return q.opts.Prefix + ":job:" + id }

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'attempts', 0, 'enqueued_at', ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// Enqueue adds a job for the photo unless one is already pending. It
// reports whether a new job was created.
func (q *Queue) Enqueue(ctx context.Context, photoID uuid.UUID) (bool, error) {
	id := photoID.String()
	n, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.key("wait")},
		id, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return n == 1, nil
}

// Dequeue blocks up to timeout for the next job and marks it active. A nil
// job with nil error means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, q.key("wait"), q.key("active"), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	photoID, err := uuid.Parse(id)
	if err != nil {
		q.rdb.LRem(ctx, q.key("active"), 1, id)
		return nil, fmt.Errorf("dequeue: bad job id %q: %w", id, err)
	}

	now := q.now().UnixMilli()
	pipe := q.rdb.TxPipeline()
	attempts := pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
	pipe.HSet(ctx, q.jobKey(id), "started_at", now)
	pipe.ZAdd(ctx, q.key("active_since"), redis.Z{Score: float64(now), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("mark active %s: %w", id, err)
	}
	return &Job{PhotoID: photoID, Attempt: int(attempts.Val())}, nil
}

var completeScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
redis.call('ZREMRANGEBYRANK', KEYS[4], 0, -(tonumber(ARGV[3]) + 1))
return 1
`)

func (q *Queue) Complete(ctx context.Context, job *Job) error {
	id := job.PhotoID.String()
	err := completeScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("active_since"), q.jobKey(id), q.key("completed")},
		id, q.now().UnixMilli(), q.opts.KeepComplete,
	).Err()
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

var retryScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'last_error', ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 1
`)

// Fail records a failed attempt. The job is scheduled again with
// exponential backoff until MaxAttempts is reached, then moved to the
// failed history. It reports whether another attempt will be made.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	id := job.PhotoID.String()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if job.Attempt >= q.opts.MaxAttempts {
		err := completeScript.Run(ctx, q.rdb,
			[]string{q.key("active"), q.key("active_since"), q.jobKey(id), q.key("failed")},
			id, q.now().UnixMilli(), q.opts.KeepFailed,
		).Err()
		if err != nil {
			return false, fmt.Errorf("fail %s: %w", id, err)
		}
		return false, nil
	}

	runAt := q.now().Add(q.Backoff(job.Attempt)).UnixMilli()
	err := retryScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("active_since"), q.jobKey(id), q.key("delayed")},
		id, runAt, msg,
	).Err()
	if err != nil {
		return false, fmt.Errorf("schedule retry %s: %w", id, err)
	}
	return true, nil
}

// Backoff is the delay before retrying after the given attempt number.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.opts.BackoffBase * time.Duration(1<<(attempt-1))
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// PromoteDelayed moves retries whose backoff has elapsed back to waiting.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("wait")},
		q.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

var requeueStalledScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
	redis.call('RPUSH', KEYS[3], ARGV[1])
end
return removed
`)

// RecoverStalled returns active jobs older than StallTimeout to the head of
// the wait list. An active job with no recorded start has its clock started
// now, so it is recovered one StallTimeout later.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	active, err := q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}

	cutoff := q.now().Add(-q.opts.StallTimeout).UnixMilli()
	recovered := 0
	for _, id := range active {
		started, err := q.rdb.ZScore(ctx, q.key("active_since"), id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return recovered, fmt.Errorf("read start of %s: %w", id, err)
		}
		if errors.Is(err, redis.Nil) {
			q.rdb.ZAddNX(ctx, q.key("active_since"), redis.Z{Score: float64(q.now().UnixMilli()), Member: id})
			continue
		}
		if int64(started) > cutoff {
			continue
		}
		n, err := requeueStalledScript.Run(ctx, q.rdb,
			[]string{q.key("active"), q.key("active_since"), q.key("wait")},
			id,
		).Int()
		if err != nil {
			return recovered, fmt.Errorf("requeue stalled %s: %w", id, err)
		}
		recovered += n
	}
	return recovered, nil
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	w := pipe.LLen(ctx, q.key("wait"))
	a := pipe.LLen(ctx, q.key("active"))
	d := pipe.ZCard(ctx, q.key("delayed"))
	c := pipe.ZCard(ctx, q.key("completed"))
	f := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Waiting: w.Val(), Active: a.Val(), Delayed: d.Val(), Completed: c.Val(), Failed: f.Val()}, nil
}

// LastError returns the error recorded by the most recent failed attempt
// of a job that is still pending retry.
func (q *Queue) LastError(ctx context.Context, photoID uuid.UUID) (string, error) {
	v, err := q.rdb.HGet(ctx, q.jobKey(photoID.String()), "last_error").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
