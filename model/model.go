package model

import (
	"encoding/json"
	"time"
)

// TaskType selects the procedure variant that processes a task.
type TaskType string

const (
	TaskTypePanoramic     TaskType = "panoramic"
	TaskTypeCephalometric TaskType = "cephalometric"
)

// StatusQueued is the status reported when a task is accepted.
const StatusQueued = "queued"

// StatusPending is reported by lookups while a task record still exists. The
// record may belong to a task that is waiting, running, or finished but
// retained until its TTL because delivery failed.
const StatusPending = "pending"

// TaskRecord is the per-task state held in the metadata store. Once enqueued it is
// never modified; it is only created and deleted.
type TaskRecord struct {
	TaskID         string            `json:"task_id"`
	TaskType       TaskType          `json:"task_type"`
	InputReference string            `json:"input_reference"`
	InputLocator   string            `json:"input_locator"`
	NotifyEndpoint string            `json:"notify_endpoint"`
	CallerMetadata json.RawMessage   `json:"caller_metadata,omitempty"`
	AuxiliaryInput map[string]string `json:"auxiliary_input,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ResultStatus is the outcome reported to the notification endpoint.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
)

type RequestSummary struct {
	TaskType     TaskType `json:"task_type"`
	InputLocator string   `json:"input_locator"`
}

// ErrorInfo carries a machine code, a developer-facing message and a message safe
// to show to the caller's end users.
type ErrorInfo struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	DisplayMessage string `json:"display_message"`
}

// ResultPayload is the JSON body posted to a task's notify endpoint.
// Data is set iff Status is SUCCESS, Error iff Status is FAILURE.
type ResultPayload struct {
	TaskID         string         `json:"task_id"`
	Status         ResultStatus   `json:"status"`
	CompletedAt    time.Time      `json:"completed_at"`
	ElapsedMillis  int64          `json:"elapsed_ms"`
	CallerMetadata json.RawMessage `json:"caller_metadata,omitempty"`
	Request        RequestSummary `json:"request"`
	Data           map[string]any `json:"data,omitempty"`
	Error          *ErrorInfo     `json:"error,omitempty"`
}

// TaskState is a terminal state of the dispatcher state machine.
type TaskState string

const (
	StateNotifiedClean    TaskState = "notified_clean"
	StateNotifiedRetained TaskState = "notified_retained"
	StateAborted          TaskState = "aborted"
)

// TaskOutcome describes how the dispatcher finished with a task.
type TaskOutcome struct {
	TaskID     string       `json:"task_id"`
	TaskType   TaskType     `json:"task_type"`
	State      TaskState    `json:"state"`
	Status     ResultStatus `json:"status,omitempty"`
	Endpoint   string       `json:"endpoint"`
	Detail     string       `json:"detail,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}
