package procedure

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"go-analysisqueue/model"
)

// ImageInspector is the built-in Analyzer. It reads the image header and reports
// the format and dimensions; the diagnostic models plug in behind Analyzer.
type ImageInspector struct{}

func (ImageInspector) Analyze(ctx context.Context, taskType model.TaskType, inputRef string, aux map[string]string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(inputRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}

	result := Result{
		"procedure": string(taskType),
		"image": map[string]any{
			"format": format,
			"width":  cfg.Width,
			"height": cfg.Height,
		},
	}
	if len(aux) > 0 {
		result["subject"] = aux
	}
	return result, nil
}
