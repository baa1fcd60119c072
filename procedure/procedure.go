// Package procedure defines the contract every analysis procedure satisfies and
// the registry that maps a task type to its implementation.
//
// Adding a procedure means registering a new task type with a constructor; the
// dispatcher and intake look procedures up by tag and never switch on concrete
// types.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go-analysisqueue/model"
)

var (
	ErrUnknownType     = errors.New("unknown task type")
	ErrDuplicateType   = errors.New("task type already registered")
	ErrNilConstructor  = errors.New("procedure constructor is nil")
	ErrNotImplemented  = errors.New("analysis not implemented")
	ErrInputUnreadable = errors.New("input could not be read")
)

// Result is the structured document produced by a procedure. Its shape is
// specific to the procedure and is not interpreted by the dispatcher.
type Result map[string]any

// Procedure is one analysis variant.
type Procedure interface {
	// ValidateInput checks the auxiliary input before any image is loaded.
	// Variants that need no auxiliary input accept anything.
	ValidateInput(aux map[string]string) error

	// Run executes the analysis on the resolved input. Failures are returned as
	// *ProcedureError.
	Run(ctx context.Context, inputRef string, aux map[string]string) (Result, error)
}

// InputFields is implemented by procedures that take auxiliary input.
type InputFields interface {
	InputFields() []string
}

// DeclaredInput returns the entries of aux that proc declares through
// InputFields. It returns nil for procedures that declare none, so undeclared
// input is never stored or reported.
func DeclaredInput(proc Procedure, aux map[string]string) map[string]string {
	decl, ok := proc.(InputFields)
	if !ok || len(aux) == 0 {
		return nil
	}
	kept := make(map[string]string)
	for _, field := range decl.InputFields() {
		if v, ok := aux[field]; ok {
			kept[field] = v
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// Constructor builds a fresh Procedure for one task.
type Constructor func() Procedure

// ValidationError reports an auxiliary input field that is missing or holds a
// value outside its permitted set.
type ValidationError struct {
	Field    string
	Expected []string
	Reason   string
}

func (e *ValidationError) Error() string {
	if len(e.Expected) > 0 {
		return fmt.Sprintf("invalid %s: %s (expected one of %s)", e.Field, e.Reason, strings.Join(e.Expected, ", "))
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProcedureError wraps a failure raised while a procedure ran.
type ProcedureError struct {
	TaskType model.TaskType
	Code     string
	Err      error
}

func (e *ProcedureError) Error() string {
	return fmt.Sprintf("%s procedure failed (%s): %v", e.TaskType, e.Code, e.Err)
}

func (e *ProcedureError) Unwrap() error {
	return e.Err
}

// Registry maps task types to procedure constructors. It is safe for concurrent
// use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[model.TaskType]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[model.TaskType]Constructor)}
}

func (r *Registry) Register(taskType model.TaskType, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("%w: %s", ErrNilConstructor, taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.constructors[taskType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, taskType)
	}
	r.constructors[taskType] = ctor
	return nil
}

// Lookup returns a new Procedure for the task type.
func (r *Registry) Lookup(taskType model.TaskType) (Procedure, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[taskType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, taskType)
	}
	return ctor(), nil
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []model.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]model.TaskType, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// NewDefaultRegistry registers the panoramic and cephalometric procedures, both
// backed by the given analyzer.
func NewDefaultRegistry(analyzer Analyzer) (*Registry, error) {
	r := NewRegistry()
	if err := r.Register(model.TaskTypePanoramic, func() Procedure {
		return NewPanoramic(analyzer)
	}); err != nil {
		return nil, err
	}
	if err := r.Register(model.TaskTypeCephalometric, func() Procedure {
		return NewCephalometric(analyzer)
	}); err != nil {
		return nil, err
	}
	return r, nil
}
