package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is a buffered channel queue for single-process deployments.
// Enqueue never blocks: a full buffer is reported as ErrQueueFull.
type MemoryQueue struct {
	tasks  chan string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewMemoryQueue(size int, logger *slog.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{
		tasks:  make(chan string, size),
		logger: logger,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- taskID:
		q.logger.Debug("task enqueued",
			"task_id", taskID,
			"queue_len", len(q.tasks),
			"queue_cap", cap(q.tasks))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.tasks))
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, blockFor time.Duration) (*Delivery, error) {
	timer := time.NewTimer(blockFor)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case taskID, ok := <-q.tasks:
		if !ok {
			return nil, ErrQueueClosed
		}
		return &Delivery{TaskID: taskID}, nil
	}
}

// Close stops further submissions. IDs already buffered can still be dequeued.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.tasks)
		q.logger.Info("task queue closed")
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}
