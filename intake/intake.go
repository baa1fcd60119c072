// Package intake accepts new analysis tasks. It validates a request, guards
// against duplicate task IDs, persists the task record and enqueues the task for
// the worker pool. A rejected request leaves nothing behind in the store or the
// queue.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"go-analysisqueue/model"
	"go-analysisqueue/procedure"
	"go-analysisqueue/queue"
	"go-analysisqueue/resolver"
	"go-analysisqueue/store"

	"github.com/go-playground/validator/v10"
)

// Request is a task submission.
type Request struct {
	TaskID         string            `json:"task_id" validate:"required,max=128,printascii"`
	TaskType       model.TaskType    `json:"task_type" validate:"required"`
	InputLocator   string            `json:"input_locator" validate:"required,http_url"`
	NotifyEndpoint string            `json:"notify_endpoint" validate:"required,http_url"`
	CallerMetadata json.RawMessage   `json:"caller_metadata,omitempty"`
	AuxiliaryInput map[string]string `json:"auxiliary_input,omitempty"`
}

// Accepted is the synchronous answer to a successful submission.
type Accepted struct {
	TaskID         string         `json:"task_id"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	CallerMetadata json.RawMessage `json:"caller_metadata,omitempty"`
}

// Resolver turns an input locator into a local, validated input reference.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
	Discard(ref string) error
}

// Service implements task submission.
type Service struct {
	store    store.Store
	queue    queue.Queue
	registry *procedure.Registry
	resolver Resolver
	ttl      time.Duration
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(
	st store.Store,
	q queue.Queue,
	registry *procedure.Registry,
	res Resolver,
	ttl time.Duration,
	logger *slog.Logger,
) (*Service, error) {
	if st == nil || q == nil || registry == nil || res == nil {
		return nil, errors.New("intake: store, queue, registry and resolver are required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("intake: ttl must be positive, got %s", ttl)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		store:    st,
		queue:    q,
		registry: registry,
		resolver: res,
		ttl:      ttl,
		validate: validate,
		now:      time.Now,
		logger:   logger.With("component", "intake"),
	}, nil
}

// Submit runs the intake steps in order; each one must succeed before the next
// starts. The returned error is always an *Error.
func (s *Service) Submit(ctx context.Context, req Request) (Accepted, error) {
	logger := s.logger.With("task_id", req.TaskID, "task_type", req.TaskType)

	proc, verr := s.validateRequest(req)
	if verr != nil {
		logger.Debug("task rejected", "code", verr.Code, "field", verr.Field)
		return Accepted{}, verr
	}

	exists, err := s.store.Exists(ctx, req.TaskID)
	if err != nil {
		logger.Error("failed to check task record", "error", err)
		return Accepted{}, internalError("STORE_UNAVAILABLE", "failed to check for an existing task", err)
	}
	if exists {
		logger.Info("duplicate task rejected")
		return Accepted{}, conflictError(req.TaskID)
	}

	inputRef, err := s.resolver.Resolve(ctx, req.InputLocator)
	if err != nil {
		logger.Info("input rejected", "error", err)
		return Accepted{}, validationError(resolver.Code(err), "input_locator", err.Error(), nil, err)
	}

	record := model.TaskRecord{
		TaskID:         req.TaskID,
		TaskType:       req.TaskType,
		InputReference: inputRef,
		InputLocator:   req.InputLocator,
		NotifyEndpoint: req.NotifyEndpoint,
		CallerMetadata: req.CallerMetadata,
		AuxiliaryInput: procedure.DeclaredInput(proc, req.AuxiliaryInput),
		CreatedAt:      s.now().UTC(),
	}

	created, err := s.store.Create(ctx, record, s.ttl)
	if err != nil {
		s.discard(logger, inputRef)
		logger.Error("failed to persist task record", "error", err)
		return Accepted{}, internalError("STORE_UNAVAILABLE", "failed to persist the task", err)
	}
	if !created {
		// Another submission with the same ID won the race after our Exists check.
		s.discard(logger, inputRef)
		logger.Info("duplicate task rejected")
		return Accepted{}, conflictError(req.TaskID)
	}

	if err := s.queue.Enqueue(ctx, record.TaskID); err != nil {
		if delErr := s.store.Delete(context.WithoutCancel(ctx), record.TaskID); delErr != nil {
			logger.Error("failed to remove task record after enqueue failure", "error", delErr)
		}
		s.discard(logger, inputRef)
		logger.Error("failed to enqueue task", "error", err)
		return Accepted{}, internalError("QUEUE_UNAVAILABLE", "failed to enqueue the task", err)
	}

	logger.Info("task accepted")
	return Accepted{
		TaskID:         record.TaskID,
		Status:         model.StatusQueued,
		CreatedAt:      record.CreatedAt,
		CallerMetadata: record.CallerMetadata,
	}, nil
}

// Pending reports whether a task record exists for the ID.
func (s *Service) Pending(ctx context.Context, taskID string) (bool, error) {
	return s.store.Exists(ctx, taskID)
}

func (s *Service) validateRequest(req Request) (procedure.Procedure, *Error) {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, validationError("INVALID_FIELD", fe.Field(), describe(fe), nil, err)
		}
		return nil, validationError("INVALID_REQUEST", "request", err.Error(), nil, err)
	}

	proc, err := s.registry.Lookup(req.TaskType)
	if err != nil {
		expected := make([]string, 0)
		for _, t := range s.registry.Types() {
			expected = append(expected, string(t))
		}
		return nil, validationError("UNKNOWN_TASK_TYPE", "task_type", err.Error(), expected, err)
	}

	if err := proc.ValidateInput(req.AuxiliaryInput); err != nil {
		var verr *procedure.ValidationError
		if errors.As(err, &verr) {
			return nil, validationError("INVALID_AUXILIARY_INPUT", verr.Field, verr.Error(), verr.Expected, err)
		}
		return nil, validationError("INVALID_AUXILIARY_INPUT", "auxiliary_input", err.Error(), nil, err)
	}
	return proc, nil
}

func (s *Service) discard(logger *slog.Logger, inputRef string) {
	if err := s.resolver.Discard(inputRef); err != nil {
		logger.Warn("failed to discard resolved input", "input_reference", inputRef, "error", err)
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "printascii":
		return fe.Field() + " must contain printable ASCII characters only"
	case "http_url":
		return fe.Field() + " must be an http(s) URL"
	default:
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
}
