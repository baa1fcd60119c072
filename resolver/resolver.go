// Package resolver downloads a task's source image to local disk and rejects
// anything that is not an image or is too large.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported input format")
	ErrTooLarge          = errors.New("input exceeds size limit")
	ErrUnreachable       = errors.New("input unreachable")
	ErrTimeout           = errors.New("input download timed out")
)

// Code returns the machine code for a resolver error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		return "UNSUPPORTED_FORMAT"
	case errors.Is(err, ErrTooLarge):
		return "TOO_LARGE"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	default:
		return "UNREACHABLE"
	}
}

// Config controls downloads.
type Config struct {
	Dir      string
	MaxBytes int64
	Timeout  time.Duration
}

// HTTPResolver fetches inputs over HTTP(S) into Dir.
type HTTPResolver struct {
	client   *http.Client
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

func NewHTTPResolver(cfg Config, logger *slog.Logger) (*HTTPResolver, error) {
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be positive, got %d", cfg.MaxBytes)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create input directory: %w", err)
	}

	return &HTTPResolver{
		client:   &http.Client{Timeout: cfg.Timeout},
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		logger:   logger.With("component", "resolver"),
	}, nil
}

// Resolve downloads the image at locator and returns the local path it was
// written to.
func (r *HTTPResolver) Resolve(ctx context.Context, locator string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !strings.HasPrefix(mediaType, "image/") {
			return "", fmt.Errorf("%w: content type %q", ErrUnsupportedFormat, ct)
		}
	}
	if resp.ContentLength > r.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return "", classify(err)
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, r.maxBytes)
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", fmt.Errorf("%w: detected %s", ErrUnsupportedFormat, detected.String())
	}

	path := filepath.Join(r.dir, uuid.NewString()+detected.Extension())
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to store input: %w", err)
	}

	r.logger.Debug("input resolved",
		"locator", locator,
		"path", path,
		"bytes", len(data),
		"mime", detected.String())
	return path, nil
}

// Discard removes a resolved input. Missing files are ignored.
func (r *HTTPResolver) Discard(ref string) error {
	if ref == "" || filepath.Dir(ref) != filepath.Clean(r.dir) {
		return nil
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to discard input: %w", err)
	}
	return nil
}

// Prune removes inputs older than maxAge and returns how many were removed.
// Inputs of tasks whose records expired are never discarded by a worker, so
// this runs periodically with the task TTL as maxAge.
func (r *HTTPResolver) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list input directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(r.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
