package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "analysisqueue:"

// requeueStale moves processing entries whose lease is at or before ARGV[1]
// back to the consuming end of the queue.
var requeueStale = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
local moved = 0
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[3], id)
	if redis.call('LREM', KEYS[2], 1, id) > 0 then
		redis.call('RPUSH', KEYS[1], id)
		moved = moved + 1
	end
end
return moved
`)

// RedisQueue is a reliable list queue: Enqueue pushes on the left, Dequeue moves
// the oldest ID into a processing list and leases it, and Ack removes both.
type RedisQueue struct {
	client        redis.UniversalClient
	queueKey      string
	processingKey string
	leaseKey      string
	now           func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisQueue{
		client:        client,
		queueKey:      prefix + "tasks",
		processingKey: prefix + "tasks:processing",
		leaseKey:      prefix + "tasks:leases",
		now:           time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queueKey, taskID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %q: %w", taskID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, blockFor time.Duration) (*Delivery, error) {
	taskID, err := q.client.BRPopLPush(ctx, q.queueKey, q.processingKey, blockFor).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}

	lease := redis.Z{Score: float64(q.now().UnixMilli()), Member: taskID}
	if err := q.client.ZAdd(ctx, q.leaseKey, lease).Err(); err != nil {
		// The entry stays in the processing list; RecoverInflight still finds it.
		return nil, fmt.Errorf("failed to lease task %q: %w", taskID, err)
	}

	return &Delivery{
		TaskID: taskID,
		ack: func(ctx context.Context) error {
			_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey, 1, taskID)
				pipe.ZRem(ctx, q.leaseKey, taskID)
				return nil
			})
			return err
		},
	}, nil
}

// RequeueStale returns processing entries leased longer than visibility ago to
// the front of the queue, so a task held by a crashed worker is delivered again.
// A worker that is merely slow may see its task delivered twice.
func (q *RedisQueue) RequeueStale(ctx context.Context, visibility time.Duration) (int, error) {
	cutoff := q.now().Add(-visibility).UnixMilli()
	moved, err := requeueStale.Run(ctx, q.client,
		[]string{q.queueKey, q.processingKey, q.leaseKey},
		strconv.FormatInt(cutoff, 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale tasks: %w", err)
	}
	return moved, nil
}

// RecoverInflight moves every ID left in the processing list back onto the queue
// and returns how many were moved. It is only safe when no other worker process
// is running against the same keys.
func (q *RedisQueue) RecoverInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			return moved, q.client.Del(ctx, q.leaseKey).Err()
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight tasks: %w", err)
		}
		moved++
	}
}

// Len returns the number of IDs waiting to be dequeued.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

// InflightLen returns the number of IDs dequeued but not yet acknowledged.
func (q *RedisQueue) InflightLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processingKey).Result()
}
