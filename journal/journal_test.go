package journal

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"testing"

	"go-analysisqueue/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequiresTaskID(t *testing.T) {
	j := New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := j.Record(context.Background(), model.TaskOutcome{State: model.StateAborted})
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	data, err := fs.ReadFile(migrations, names[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "-- +goose Up")
	assert.Contains(t, string(data), "task_outcomes")
}
