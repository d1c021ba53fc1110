// Package executor invokes a task's endpoint over HTTP.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

const (
	defaultTimeout = 10 * time.Second

	// responses larger than this are truncated in execution records
	maxResultBytes = 4 << 10
)

// ErrNoBaseURL is returned when a relative endpoint is dispatched without a base URL
var ErrNoBaseURL = errors.New("base url required for relative endpoint")

// StatusError is returned when the endpoint answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Config configures the HTTP executor
type Config struct {
	// BaseURL is prefixed to relative endpoints, e.g. http://127.0.0.1:8080
	BaseURL string

	// Timeout bounds every invocation. Zero means 10s.
	Timeout time.Duration

	// AuthToken, when set, is sent as a bearer token so self-calls pass the
	// API's auth middleware
	AuthToken string
}

// Request is the JSON body posted to a task endpoint
type Request struct {
	TaskID             string    `json:"taskId"`
	ScheduledExecution bool      `json:"scheduledExecution"`
	Timestamp          time.Time `json:"timestamp"`
}

// Result is the outcome of a successful invocation
type Result struct {
	StatusCode int
	Body       string
}

// HTTPExecutor posts to task endpoints with a uniform timeout
type HTTPExecutor struct {
	logger     *zap.Logger
	httpClient *http.Client
	config     Config
}

// New creates an HTTP executor
func New(config Config, logger *zap.Logger) *HTTPExecutor {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	return &HTTPExecutor{
		logger: logger.Named("executor"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
	}
}

// Dispatch invokes the task endpoint. Transport errors and non-2xx statuses
// are returned as errors; a *StatusError carries the status code.
func (e *HTTPExecutor) Dispatch(ctx context.Context, task model.Task, trigger model.Trigger) (*Result, error) {
	target, err := e.resolve(task.Endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(Request{
		TaskID:             task.ID,
		ScheduledExecution: trigger == model.TriggerSchedule,
		Timestamp:          time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.AuthToken)
	}

	e.logger.Debug("Dispatching task",
		zap.String("task_id", task.ID),
		zap.String("url", target))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	text := strings.TrimSpace(string(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: text}
	}

	return &Result{StatusCode: resp.StatusCode, Body: text}, nil
}

func (e *HTTPExecutor) resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if e.config.BaseURL == "" {
		return "", ErrNoBaseURL
	}
	base, err := url.Parse(e.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", e.config.BaseURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}
