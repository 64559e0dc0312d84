package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Queue backed by Redis, usable by workers on other hosts.
//
//	<prefix>ready    => LIST of gob-encoded tasks (LPUSH / BRPOP)
//	<prefix>delayed  => ZSET of gob-encoded tasks scored by NotBefore
//
// Delayed tasks are moved to the ready list by whichever consumer sees them
// first. ZREM decides the winner, so a task is promoted once.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a RedisQueue. prefix defaults to "fluxoml:queue:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "fluxoml:queue:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: time.Second,
	}
}

func (q *RedisQueue) keyReady() string   { return q.prefix + "ready" }
func (q *RedisQueue) keyDelayed() string { return q.prefix + "delayed" }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	if t.NotBefore.After(time.Now()) {
		return q.client.ZAdd(ctx, q.keyDelayed(), redis.Z{
			Score:  float64(t.NotBefore.UnixNano()),
			Member: data,
		}).Err()
	}
	return q.client.LPush(ctx, q.keyReady(), data).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := q.promote(ctx); err != nil {
			return nil, err
		}

		res, err := q.client.BRPop(ctx, q.pollInterval, q.keyReady()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		// res is [key, value].
		return DecodeTask([]byte(res[1]))
	}
}

// promote moves due delayed tasks onto the ready list.
func (q *RedisQueue) promote(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.keyDelayed(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixNano(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.keyDelayed(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.keyReady(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready, err := q.client.LLen(ctx, q.keyReady()).Result()
	if err != nil {
		return 0
	}
	delayed, err := q.client.ZCard(ctx, q.keyDelayed()).Result()
	if err != nil {
		return int(ready)
	}
	return int(ready + delayed)
}
