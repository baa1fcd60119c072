package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-analysisqueue/api"
	"go-analysisqueue/config"
	"go-analysisqueue/intake"
	"go-analysisqueue/journal"
	"go-analysisqueue/logger"
	"go-analysisqueue/notify"
	"go-analysisqueue/procedure"
	"go-analysisqueue/queue"
	"go-analysisqueue/resolver"
	"go-analysisqueue/store"
	"go-analysisqueue/worker"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.Setup(cfg.Server.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		st store.Store
		q  queue.Queue
		rq *queue.RedisQueue
	)
	switch cfg.Store.Backend {
	case config.BackendMemory:
		log.Warn("using in-memory store and queue; state is lost on restart")
		st = store.NewMemoryStore()
		q = queue.NewMemoryQueue(cfg.Queue.Size, log)
	default:
		client, err := connectRedis(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer client.Close()

		rq = queue.NewRedisQueue(client, cfg.Redis.KeyPrefix)
		if cfg.Queue.RecoverInflight {
			n, err := rq.RecoverInflight(ctx)
			if err != nil {
				return fmt.Errorf("failed to recover in-flight tasks: %w", err)
			}
			log.Info("recovered in-flight tasks", "count", n)
		} else if n, err := rq.InflightLen(ctx); err != nil {
			log.Warn("failed to read in-flight task count", "error", err)
		} else if n > 0 {
			log.Warn("unacknowledged tasks found in processing list",
				"count", n,
				"visibility_timeout", cfg.Queue.VisibilityTimeout)
		}
		st = store.NewRedisStore(client, cfg.Redis.KeyPrefix)
		q = rq
	}

	registry, err := procedure.NewDefaultRegistry(procedure.ImageInspector{})
	if err != nil {
		return fmt.Errorf("failed to build procedure registry: %w", err)
	}

	res, err := resolver.NewHTTPResolver(resolver.Config{
		Dir:      cfg.Input.Dir,
		MaxBytes: cfg.Input.MaxBytes,
		Timeout:  cfg.Input.Timeout,
	}, log)
	if err != nil {
		return err
	}

	intakeSvc, err := intake.NewService(st, q, registry, res, cfg.Task.TTL, log)
	if err != nil {
		return err
	}

	var sender notify.Sender = notify.NewHTTPSender(cfg.Notify.Timeout, log)
	if cfg.Notify.MaxRetries > 0 {
		sender = notify.NewRetryingSender(sender, cfg.Notify.MaxRetries, cfg.Notify.RetryInterval, cfg.Notify.MaxElapsed, log)
	}

	var (
		outcomes worker.Journal
		history  api.HistorySource
		pj       *journal.PostgresJournal
	)
	if cfg.Journal.DatabaseURL != "" {
		pool, err := journal.Connect(ctx, cfg.Journal.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := journal.Migrate(ctx, pool); err != nil {
			return err
		}
		pj = journal.New(pool, log)
		outcomes, history = pj, pj
	}

	dispatcher := worker.NewDispatcher(st, registry, procedure.ReportFormatter{Now: time.Now}, sender, outcomes,
		worker.DispatcherConfig{NotifyOnFailure: cfg.Worker.NotifyOnFailure}, log)
	pool := worker.NewPool(q, dispatcher, worker.PoolConfig{
		WorkerCount: cfg.Worker.Count,
		BlockFor:    cfg.Queue.BlockFor,
	}, log)

	server := api.NewServer(cfg.Server.Addr, intakeSvc, history, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return pool.Run(gctx)
	})

	g.Go(func() error {
		prune(gctx, cfg, res, pj, log)
		return nil
	})

	if rq != nil && cfg.Queue.VisibilityTimeout > 0 {
		g.Go(func() error {
			requeueStale(gctx, rq, cfg.Queue.VisibilityTimeout, log)
			return nil
		})
	}

	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case s := <-sig:
			log.Info("shutdown signal received", "signal", s.String())
		case <-gctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("all workers stopped")
	return err
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ping := func() error {
		return client.Ping(ctx).Err()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.RetryNotify(ping, b, func(err error, next time.Duration) {
		log.Warn("redis not ready, retrying", "addr", cfg.Addr, "retry_in", next, "error", err)
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	log.Info("connected to redis", "addr", cfg.Addr)
	return client, nil
}

// requeueStale returns tasks held past the visibility timeout to the queue
// until ctx is cancelled.
func requeueStale(ctx context.Context, rq *queue.RedisQueue, visibility time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(max(visibility/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := rq.RequeueStale(ctx, visibility)
		if err != nil {
			log.Warn("failed to requeue stale tasks", "error", err)
			continue
		}
		if n > 0 {
			log.Warn("requeued tasks past visibility timeout", "count", n)
		}
	}
}

// prune removes downloaded inputs older than the task TTL and journal rows
// past retention until ctx is cancelled.
func prune(ctx context.Context, cfg *config.Config, res *resolver.HTTPResolver, pj *journal.PostgresJournal, log *slog.Logger) {
	ticker := time.NewTicker(cfg.Input.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := res.Prune(cfg.Task.TTL); err != nil {
			log.Warn("failed to prune inputs", "error", err)
		} else if n > 0 {
			log.Info("pruned inputs", "count", n)
		}

		if pj != nil {
			if _, err := pj.Prune(ctx, time.Now().Add(-cfg.Journal.Retention)); err != nil {
				log.Warn("failed to prune journal", "error", err)
			}
		}
	}
}
