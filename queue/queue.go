// Package queue hands task IDs from intake to workers. A queued ID is delivered to
// one worker at a time; an ID may be delivered again if a worker dies before
// acknowledging it.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// Queue is the work queue between intake and the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error

	// Dequeue waits up to blockFor for the next task. It returns a nil Delivery
	// and a nil error when nothing arrived in time.
	Dequeue(ctx context.Context, blockFor time.Duration) (*Delivery, error)
}

// Delivery is one hand-off of a task ID to a worker. The worker must Ack it once
// it is finished with the task, whatever the outcome.
type Delivery struct {
	TaskID string
	ack    func(ctx context.Context) error
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}
