package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-analysisqueue/model"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "analysisqueue:"

// RedisStore keeps each record as a JSON string under its own key and relies on
// native key expiry for the TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(taskID string) string {
	return s.prefix + "task:" + taskID
}

func (s *RedisStore) Save(ctx context.Context, record model.TaskRecord, ttl time.Duration) error {
	if err := checkWrite(record, ttl); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode task record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(record.TaskID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save task record: %w", err)
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context, record model.TaskRecord, ttl time.Duration) (bool, error) {
	if err := checkWrite(record, ttl); err != nil {
		return false, err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to encode task record: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.key(record.TaskID), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create task record: %w", err)
	}
	return created, nil
}

func (s *RedisStore) Exists(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check task record: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (model.TaskRecord, error) {
	var record model.TaskRecord

	data, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return record, ErrNotFound
		}
		return record, fmt.Errorf("failed to load task record: %w", err)
	}

	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("failed to decode task record %q: %w", taskID, err)
	}
	return record, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.key(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete task record: %w", err)
	}
	return nil
}
