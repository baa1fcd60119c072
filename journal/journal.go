// Package journal keeps an append-only Postgres record of how each task ended.
// It stores outcomes only, never result documents, so it does not extend the
// lifetime of task data beyond the metadata TTL.
package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-analysisqueue/model"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresJournal implements worker.Journal.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *PostgresJournal {
	return &PostgresJournal{pool: pool, logger: logger.With("component", "journal")}
}

// Connect opens a pool and verifies the connection.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Record(ctx context.Context, o model.TaskOutcome) error {
	if o.TaskID == "" {
		return errors.New("journal: outcome has no task id")
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}

	_, err := j.pool.Exec(ctx, `
		INSERT INTO task_outcomes (task_id, task_type, state, status, endpoint, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.TaskID, string(o.TaskType), string(o.State), string(o.Status), o.Endpoint, o.Detail, o.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for task %q: %w", o.TaskID, err)
	}
	return nil
}

// History returns the recorded outcomes of a task, oldest first.
func (j *PostgresJournal) History(ctx context.Context, taskID string) ([]model.TaskOutcome, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT task_id, task_type, state, status, endpoint, detail, recorded_at
		FROM task_outcomes WHERE task_id = $1 ORDER BY recorded_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []model.TaskOutcome{}
	for rows.Next() {
		var o model.TaskOutcome
		if err := rows.Scan(&o.TaskID, &o.TaskType, &o.State, &o.Status, &o.Endpoint, &o.Detail, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// Prune deletes outcomes recorded before cutoff and returns how many were removed.
func (j *PostgresJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := j.pool.Exec(ctx, `DELETE FROM task_outcomes WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outcomes: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		j.logger.Info("pruned task outcomes", "count", n, "cutoff", cutoff)
	}
	return tag.RowsAffected(), nil
}
