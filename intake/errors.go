package intake

import (
	"errors"
	"fmt"
)

// Error kinds, usable with errors.Is on any error returned by Submit.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("task already exists")
	ErrInternal   = errors.New("internal error")
)

// Error is returned by Submit. Message is meant for developers and logs,
// DisplayMessage for end users.
type Error struct {
	Kind           error
	Code           string
	Message        string
	DisplayMessage string
	Field          string
	Expected       []string
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(code, field, message string, expected []string, err error) *Error {
	return &Error{
		Kind:           ErrValidation,
		Code:           code,
		Message:        message,
		DisplayMessage: "The request is invalid. Please check " + field + ".",
		Field:          field,
		Expected:       expected,
		Err:            err,
	}
}

func conflictError(taskID string) *Error {
	return &Error{
		Kind:           ErrConflict,
		Code:           "DUPLICATE_TASK",
		Message:        fmt.Sprintf("task %q is already pending", taskID),
		DisplayMessage: "This task has already been submitted.",
		Field:          "task_id",
	}
}

func internalError(code, message string, err error) *Error {
	return &Error{
		Kind:           ErrInternal,
		Code:           code,
		Message:        message,
		DisplayMessage: "The service is temporarily unavailable. Please try again later.",
		Err:            err,
	}
}
