// Package notify delivers result payloads to the caller's notification endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go-analysisqueue/model"

	"github.com/google/uuid"
)

const (
	HeaderTimestamp  = "X-Timestamp"
	HeaderDeliveryID = "X-Delivery-ID"
	HeaderTaskID     = "X-Task-ID"

	DefaultTimeout = 5 * time.Second
)

// ErrDeliveryFailed is wrapped by every error returned from a Sender.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Sender delivers a payload to an endpoint. A nil error means the endpoint
// acknowledged the delivery.
type Sender interface {
	Deliver(ctx context.Context, endpoint string, payload model.ResultPayload) error
}

// DeliveryError describes a failed attempt. StatusCode is zero when no response
// was received.
type DeliveryError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery to %s failed with status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.Endpoint, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeliveryFailed}
	}
	return []error{ErrDeliveryFailed, e.Err}
}

// HTTPSender makes exactly one POST per Deliver call, bounded by a fixed timeout.
type HTTPSender struct {
	client *http.Client
	now    func() time.Time
	logger *slog.Logger
}

func NewHTTPSender(timeout time.Duration, logger *slog.Logger) *HTTPSender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		logger: logger.With("component", "notify"),
	}
}

func (s *HTTPSender) Deliver(ctx context.Context, endpoint string, payload model.ResultPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Endpoint: endpoint, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Endpoint: endpoint, Err: err}
	}
	deliveryID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(s.now().Unix(), 10))
	req.Header.Set(HeaderDeliveryID, deliveryID)
	req.Header.Set(HeaderTaskID, payload.TaskID)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return &DeliveryError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	s.logger.Debug("notification attempt finished",
		"task_id", payload.TaskID,
		"delivery_id", deliveryID,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	return nil
}
