// Package events delivers workflow outcome notifications to an external webhook.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the webhook rejected the notify token.
var ErrUnauthorized = errors.New("notification unauthorized")

// ErrInvalidArgument indicates the webhook rejected the payload.
var ErrInvalidArgument = errors.New("notification invalid argument")

// ErrNotFound indicates the webhook endpoint does not exist.
var ErrNotFound = errors.New("notification endpoint not found")

// Event is the outcome of one workflow run.
type Event struct {
	Workflow      string
	BranchName    string
	Status        string
	Message       string
	CorrelationID string
	OccurredAt    time.Time
}

// Emitter posts events to a webhook URL.
type Emitter struct {
	url    string
	client *resty.Client
	now    func() time.Time
}

// NewEmitter creates an Emitter posting to url, authenticating with token when set.
func NewEmitter(url, token string, timeout time.Duration) (*Emitter, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("notification url required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token = strings.TrimSpace(token); token != "" {
		client.SetHeader("X-Notify-Token", token)
	}
	return &Emitter{url: trimmed, client: client, now: time.Now}, nil
}

// Emit sends event.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("notification emitter not initialised")
	}
	if strings.TrimSpace(event.Workflow) == "" {
		return errors.New("notification requires workflow")
	}
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(buildPayload(event, e.now)).
		Post(e.url)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return errorForStatus(resp.StatusCode(), resp.Status(), resp.Body())
	}
	return nil
}

func errorForStatus(code int, status string, body []byte) error {
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	summary := strings.TrimSpace(string(body))
	if summary == "" {
		summary = status
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("notification request failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	return map[string]any{
		"workflow":       strings.TrimSpace(event.Workflow),
		"branch_name":    strings.TrimSpace(event.BranchName),
		"status":         strings.TrimSpace(event.Status),
		"message":        strings.TrimSpace(event.Message),
		"correlation_id": event.CorrelationID,
		"occurred_at":    occurred.UTC().Format(time.RFC3339Nano),
	}
}

// Sink accepts events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Publish sends event to sink when one is configured. Failures are logged and dropped.
func Publish(ctx context.Context, sink Sink, logger *slog.Logger, event Event) {
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, event); err != nil && logger != nil {
		logger.Warn("workflow notification failed", "workflow", event.Workflow, "error", err)
	}
}
