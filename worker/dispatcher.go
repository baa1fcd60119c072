package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go-analysisqueue/model"
	"go-analysisqueue/notify"
	"go-analysisqueue/procedure"
	"go-analysisqueue/store"
)

// Journal records terminal task outcomes. Record errors are logged and never
// change how a task finishes.
type Journal interface {
	Record(ctx context.Context, outcome model.TaskOutcome) error
}

// DispatcherConfig holds optional dispatcher behavior.
type DispatcherConfig struct {
	// NotifyOnFailure sends a FAILURE payload when a procedure fails. When false
	// a failed task is aborted without notifying the caller and its record is
	// left to expire.
	NotifyOnFailure bool
}

// Dispatcher runs one task from its queued ID to a terminal state.
type Dispatcher struct {
	store     store.Store
	registry  *procedure.Registry
	formatter procedure.Formatter
	sender    notify.Sender
	journal   Journal
	config    DispatcherConfig
	now       func() time.Time
	logger    *slog.Logger
}

func NewDispatcher(
	st store.Store,
	registry *procedure.Registry,
	formatter procedure.Formatter,
	sender notify.Sender,
	journal Journal,
	config DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:     st,
		registry:  registry,
		formatter: formatter,
		sender:    sender,
		journal:   journal,
		config:    config,
		now:       time.Now,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Process loads the task record, runs its procedure, notifies the caller and
// finalizes the record. It returns the terminal state reached.
func (d *Dispatcher) Process(ctx context.Context, taskID string) model.TaskState {
	logger := d.logger.With("task_id", taskID)

	record, err := d.store.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		// Expired, or already finished by an earlier delivery of the same ID.
		logger.Debug("task record absent, skipping")
		return model.StateAborted
	}
	if err != nil {
		logger.Error("failed to load task record", "error", err)
		return model.StateAborted
	}
	logger = logger.With("task_type", record.TaskType)

	proc, err := d.registry.Lookup(record.TaskType)
	if err != nil {
		logger.Error("no procedure registered for task type", "error", err)
		d.record(ctx, logger, record, model.StateAborted, "", err.Error())
		return model.StateAborted
	}

	logger.Info("running procedure")
	start := time.Now()
	data, err := d.execute(ctx, proc, record)
	if err != nil {
		logger.Error("procedure failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
		if !d.config.NotifyOnFailure {
			d.record(ctx, logger, record, model.StateAborted, model.ResultFailure, err.Error())
			return model.StateAborted
		}
		return d.deliver(ctx, logger, record, d.failurePayload(record, err))
	}
	logger.Info("procedure finished", "duration_ms", time.Since(start).Milliseconds())

	return d.deliver(ctx, logger, record, d.successPayload(record, data))
}

func (d *Dispatcher) execute(ctx context.Context, proc procedure.Procedure, record model.TaskRecord) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("procedure panicked",
				"task_id", record.TaskID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			err = &procedure.ProcedureError{TaskType: record.TaskType, Code: "ANALYSIS_PANICKED", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err := proc.Run(ctx, record.InputReference, record.AuxiliaryInput)
	if err != nil {
		return nil, err
	}

	data, err = d.formatter.Format(result, record.AuxiliaryInput)
	if err != nil {
		return nil, &procedure.ProcedureError{TaskType: record.TaskType, Code: "REPORT_FORMAT_FAILED", Err: err}
	}
	return data, nil
}

func (d *Dispatcher) deliver(ctx context.Context, logger *slog.Logger, record model.TaskRecord, payload model.ResultPayload) model.TaskState {
	if err := d.sender.Deliver(ctx, record.NotifyEndpoint, payload); err != nil {
		logger.Warn("notification failed, retaining task record until it expires",
			"status", payload.Status,
			"error", err)
		d.record(ctx, logger, record, model.StateNotifiedRetained, payload.Status, err.Error())
		return model.StateNotifiedRetained
	}

	if err := d.store.Delete(ctx, record.TaskID); err != nil {
		logger.Error("notification delivered but task record could not be deleted", "error", err)
	}
	logger.Info("notification delivered", "status", payload.Status)
	d.record(ctx, logger, record, model.StateNotifiedClean, payload.Status, "")
	return model.StateNotifiedClean
}

func (d *Dispatcher) successPayload(record model.TaskRecord, data map[string]any) model.ResultPayload {
	p := d.basePayload(record)
	p.Status = model.ResultSuccess
	p.Data = data
	return p
}

func (d *Dispatcher) failurePayload(record model.TaskRecord, err error) model.ResultPayload {
	code := "ANALYSIS_FAILED"
	var perr *procedure.ProcedureError
	if errors.As(err, &perr) {
		code = perr.Code
	}

	p := d.basePayload(record)
	p.Status = model.ResultFailure
	p.Error = &model.ErrorInfo{
		Code:           code,
		Message:        err.Error(),
		DisplayMessage: "The image could not be analyzed.",
	}
	return p
}

func (d *Dispatcher) basePayload(record model.TaskRecord) model.ResultPayload {
	completed := d.now().UTC()
	return model.ResultPayload{
		TaskID:         record.TaskID,
		CompletedAt:    completed,
		ElapsedMillis:  completed.Sub(record.CreatedAt).Milliseconds(),
		CallerMetadata: record.CallerMetadata,
		Request: model.RequestSummary{
			TaskType:     record.TaskType,
			InputLocator: record.InputLocator,
		},
	}
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, record model.TaskRecord, state model.TaskState, status model.ResultStatus, detail string) {
	if d.journal == nil {
		return
	}
	outcome := model.TaskOutcome{
		TaskID:     record.TaskID,
		TaskType:   record.TaskType,
		State:      state,
		Status:     status,
		Endpoint:   record.NotifyEndpoint,
		Detail:     detail,
		RecordedAt: d.now().UTC(),
	}
	if err := d.journal.Record(ctx, outcome); err != nil {
		logger.Warn("failed to journal task outcome", "state", state, "error", err)
	}
}
