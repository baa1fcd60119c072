package notify

import (
	"context"
	"log/slog"
	"time"

	"go-analysisqueue/model"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxElapsed bounds a retry schedule when none is configured.
const DefaultMaxElapsed = 30 * time.Second

// RetryingSender retries a failed delivery with exponential backoff. It is off
// unless notify.max_retries is set; a plain HTTPSender makes exactly one attempt.
// No retry starts once maxElapsed has passed since the first attempt, so a
// delivery holds its worker for at most maxElapsed plus one sender timeout.
type RetryingSender struct {
	next            Sender
	maxRetries      uint64
	initialInterval time.Duration
	maxElapsed      time.Duration
	logger          *slog.Logger
}

func NewRetryingSender(next Sender, maxRetries uint64, initialInterval, maxElapsed time.Duration, logger *slog.Logger) *RetryingSender {
	if initialInterval <= 0 {
		initialInterval = 500 * time.Millisecond
	}
	if maxElapsed <= 0 {
		maxElapsed = DefaultMaxElapsed
	}
	return &RetryingSender{
		next:            next,
		maxRetries:      maxRetries,
		initialInterval: initialInterval,
		maxElapsed:      maxElapsed,
		logger:          logger.With("component", "notify_retry"),
	}
}

func (s *RetryingSender) Deliver(ctx context.Context, endpoint string, payload model.ResultPayload) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := s.next.Deliver(ctx, endpoint, payload)
		if err != nil {
			s.logger.Warn("notification attempt failed",
				"task_id", payload.TaskID,
				"attempt", attempt,
				"error", err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.initialInterval
	eb.MaxElapsedTime = s.maxElapsed
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.maxRetries), ctx)
	return backoff.Retry(operation, b)
}
