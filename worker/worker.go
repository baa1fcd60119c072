// Package worker pulls task IDs off the work queue and drives each task through
// its procedure and notification.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go-analysisqueue/model"
	"go-analysisqueue/queue"

	"github.com/cenkalti/backoff/v4"
)

// Processor handles one dequeued task.
type Processor interface {
	Process(ctx context.Context, taskID string) model.TaskState
}

type PoolConfig struct {
	// WorkerCount is the number of concurrent workers. Values below 1 mean 1.
	WorkerCount int

	// BlockFor bounds each dequeue wait so workers notice shutdown.
	BlockFor time.Duration
}

// Pool runs WorkerCount workers against one queue.
type Pool struct {
	queue     queue.Queue
	processor Processor
	config    PoolConfig
	logger    *slog.Logger
}

func NewPool(q queue.Queue, processor Processor, config PoolConfig, logger *slog.Logger) *Pool {
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.BlockFor <= 0 {
		config.BlockFor = 2 * time.Second
	}
	return &Pool{
		queue:     q,
		processor: processor,
		config:    config,
		logger:    logger.With("component", "worker_pool"),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker has
// finished its current task.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i + 1)
	}
	p.logger.Info("workers started", "count", p.config.WorkerCount)

	wg.Wait()
	p.logger.Info("all workers stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, id int) {
	logger := p.logger.With("worker_id", id)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			logger.Debug("shutting down")
			return
		default:
		}

		delivery, err := p.queue.Dequeue(ctx, p.config.BlockFor)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				logger.Info("queue closed, stopping")
				return
			}
			wait := retry.NextBackOff()
			logger.Error("dequeue error", "error", err, "retry_in", wait)
			sleep(ctx, wait)
			continue
		}
		retry.Reset()
		if delivery == nil {
			continue
		}

		// A dequeued task runs to completion even if shutdown starts meanwhile.
		taskCtx := context.WithoutCancel(ctx)
		state := p.processor.Process(taskCtx, delivery.TaskID)
		if err := delivery.Ack(taskCtx); err != nil {
			logger.Error("failed to ack task", "task_id", delivery.TaskID, "error", err)
		}
		logger.Debug("task finished", "task_id", delivery.TaskID, "state", state)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
