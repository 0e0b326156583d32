package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using a Redis sorted set.
//
// Tasks live in a single key:
//
//	<prefix>tasks
//
// Members are msgpack-encoded Task structs scored by their due time in
// unix milliseconds, so delayed wake-ups need no separate timer.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "orderflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "orderflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue adds the task scored by its due time (ZADD).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	due := t.NotBefore
	if due.IsZero() {
		due = t.EnqueuedAt
	}

	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err()
}

// Dequeue polls for the earliest due member and claims it with ZREM.
// Only the worker whose ZREM removes the member gets the task.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: 1,
		}).Result()
		if err != nil {
			return nil, err
		}

		if len(members) == 1 {
			removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
			if err != nil {
				return nil, err
			}
			if removed == 1 {
				task, err := DecodeTask([]byte(members[0]))
				if err != nil {
					// A member we cannot decode would block the head of the queue forever.
					slog.Default().ErrorContext(ctx, "redis queue: dropping undecodable task", slog.Any("error", err))
					continue
				}
				return task, nil
			}
			// Another worker claimed it first.
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Len returns the number of queued tasks (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Default().Error("redis queue: Len failed", slog.Any("error", err))
		}
		return 0
	}
	return int(n)
}
