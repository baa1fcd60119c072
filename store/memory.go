package store

import (
	"context"
	"sync"
	"time"

	"go-analysisqueue/model"
)

type memoryEntry struct {
	record    model.TaskRecord
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Expired entries are treated as absent and
// dropped the next time they are touched.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Save(_ context.Context, record model.TaskRecord, ttl time.Duration) error {
	if err := checkWrite(record, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[record.TaskID] = memoryEntry{record: record, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Create(_ context.Context, record model.TaskRecord, ttl time.Duration) (bool, error) {
	if err := checkWrite(record, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[record.TaskID]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[record.TaskID] = memoryEntry{record: record, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Exists(ctx context.Context, taskID string) (bool, error) {
	_, err := s.Get(ctx, taskID)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (model.TaskRecord, error) {
	s.mu.RLock()
	e, ok := s.entries[taskID]
	now := s.now()
	s.mu.RUnlock()

	if !ok {
		return model.TaskRecord{}, ErrNotFound
	}
	if !now.Before(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[taskID]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.entries, taskID)
		}
		s.mu.Unlock()
		return model.TaskRecord{}, ErrNotFound
	}
	return e.record, nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	delete(s.entries, taskID)
	s.mu.Unlock()
	return nil
}

// Len reports the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
