// Package store persists task metadata with a time-to-live. The store is the
// single source of truth for whether a task exists; every mutation is a single
// atomic per-key operation.
package store

import (
	"context"
	"errors"
	"time"

	"go-analysisqueue/model"
)

var (
	ErrNotFound = errors.New("task record not found")
	ErrEmptyID  = errors.New("task id is empty")
	ErrBadTTL   = errors.New("ttl must be positive")
)

// Store holds TaskRecords keyed by task ID.
type Store interface {
	// Save writes the record with the given TTL, replacing any existing record.
	Save(ctx context.Context, record model.TaskRecord, ttl time.Duration) error

	// Create writes the record only if no record exists for its ID. It reports
	// whether the record was written.
	Create(ctx context.Context, record model.TaskRecord, ttl time.Duration) (bool, error)

	Exists(ctx context.Context, taskID string) (bool, error)

	// Get returns ErrNotFound when the record is absent or expired.
	Get(ctx context.Context, taskID string) (model.TaskRecord, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, taskID string) error
}

func checkWrite(record model.TaskRecord, ttl time.Duration) error {
	if record.TaskID == "" {
		return ErrEmptyID
	}
	if ttl <= 0 {
		return ErrBadTTL
	}
	return nil
}
