package procedure

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go-analysisqueue/model"
)

// Auxiliary input fields required by the cephalometric procedure.
const (
	FieldSex      = "sex"
	FieldAgeGroup = "age_group"
)

// cephalometricFields lists the permitted values of each required field.
var cephalometricFields = map[string][]string{
	FieldSex:      {"male", "female"},
	FieldAgeGroup: {"adult", "child"},
}

// Analyzer runs an analysis algorithm on a resolved input.
type Analyzer interface {
	Analyze(ctx context.Context, taskType model.TaskType, inputRef string, aux map[string]string) (Result, error)
}

// Panoramic analyzes panoramic radiographs. It takes no auxiliary input.
type Panoramic struct {
	analyzer Analyzer
}

func NewPanoramic(analyzer Analyzer) *Panoramic {
	return &Panoramic{analyzer: analyzer}
}

func (p *Panoramic) ValidateInput(map[string]string) error {
	return nil
}

func (p *Panoramic) Run(ctx context.Context, inputRef string, _ map[string]string) (Result, error) {
	return run(ctx, p.analyzer, model.TaskTypePanoramic, inputRef, nil)
}

// Cephalometric analyzes lateral cephalograms. Landmark norms depend on the
// subject, so sex and age group are required.
type Cephalometric struct {
	analyzer Analyzer
}

func NewCephalometric(analyzer Analyzer) *Cephalometric {
	return &Cephalometric{analyzer: analyzer}
}

func (c *Cephalometric) InputFields() []string {
	fields := make([]string, 0, len(cephalometricFields))
	for f := range cephalometricFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (c *Cephalometric) ValidateInput(aux map[string]string) error {
	fields := c.InputFields()

	if aux == nil {
		return &ValidationError{Field: "auxiliary_input", Expected: fields, Reason: "required for cephalometric tasks"}
	}

	for _, field := range fields {
		allowed := cephalometricFields[field]
		value, ok := aux[field]
		if !ok || value == "" {
			return &ValidationError{Field: field, Expected: allowed, Reason: "missing"}
		}
		if !contains(allowed, value) {
			return &ValidationError{Field: field, Expected: allowed, Reason: fmt.Sprintf("unsupported value %q", value)}
		}
	}
	return nil
}

func (c *Cephalometric) Run(ctx context.Context, inputRef string, aux map[string]string) (Result, error) {
	if err := c.ValidateInput(aux); err != nil {
		return nil, &ProcedureError{TaskType: model.TaskTypeCephalometric, Code: "INVALID_AUXILIARY_INPUT", Err: err}
	}
	return run(ctx, c.analyzer, model.TaskTypeCephalometric, inputRef, aux)
}

func run(ctx context.Context, analyzer Analyzer, taskType model.TaskType, inputRef string, aux map[string]string) (Result, error) {
	if analyzer == nil {
		return nil, &ProcedureError{TaskType: taskType, Code: "ANALYSIS_NOT_IMPLEMENTED", Err: ErrNotImplemented}
	}

	result, err := analyzer.Analyze(ctx, taskType, inputRef, aux)
	if err != nil {
		var perr *ProcedureError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, &ProcedureError{TaskType: taskType, Code: errorCode(err), Err: err}
	}
	return result, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInputUnreadable):
		return "INPUT_UNREADABLE"
	case errors.Is(err, ErrNotImplemented):
		return "ANALYSIS_NOT_IMPLEMENTED"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "ANALYSIS_INTERRUPTED"
	default:
		return "ANALYSIS_FAILED"
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
