package procedure

import (
	"errors"
	"time"
)

var ErrEmptyResult = errors.New("procedure returned no result")

// Formatter turns a procedure result into the report document sent to the
// caller.
type Formatter interface {
	Format(result Result, aux map[string]string) (map[string]any, error)
}

// ReportFormatter wraps the raw findings with the subject attributes they were
// computed for.
type ReportFormatter struct {
	Now func() time.Time
}

func (f ReportFormatter) Format(result Result, aux map[string]string) (map[string]any, error) {
	if result == nil {
		return nil, ErrEmptyResult
	}

	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	report := map[string]any{
		"findings":     map[string]any(result),
		"generated_at": now().UTC().Format(time.RFC3339),
	}
	if p, ok := result["procedure"]; ok {
		report["procedure"] = p
	}
	if len(aux) > 0 {
		subject := make(map[string]string, len(aux))
		for k, v := range aux {
			subject[k] = v
		}
		report["subject"] = subject
	}
	return report, nil
}
