// Package crew is a Backend that runs workflows on a crew execution service
// over HTTP.
package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/seantiz/conductor/internal/backend"
	"github.com/seantiz/conductor/internal/model"
)

const (
	executePath = "/api/crew/execute"

	// DefaultTimeout bounds a single HTTP call. The worker's per-attempt
	// deadline usually fires first.
	DefaultTimeout = 300 * time.Second

	maxDetailLen = 512
)

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Client)(nil)

// executeRequest is the body of POST /api/crew/execute.
type executeRequest struct {
	ExecutionID   string          `json:"execution_id"`
	Workflow      string          `json:"workflow"`
	Agents        []string        `json:"agents"`
	InputData     json.RawMessage `json:"input_data"`
	ProcessType   string          `json:"process_type"`
	MemoryEnabled bool            `json:"memory_enabled"`
	Verbose       bool            `json:"verbose"`
}

// Client calls the crew execution service. It never retries on its own:
// failed attempts go back through the run queue.
type Client struct {
	http    *resty.Client
	baseURL string
	logger  *slog.Logger
}

// NewClient creates a client for the service at baseURL. A non-positive
// timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		baseURL: baseURL,
		logger:  logger,
	}
}

// Execute posts the job to the service and returns its results.
func (c *Client) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	processType := req.Spec.ProcessType
	if processType == "" {
		processType = model.ProcessSequential
	}
	input := req.Spec.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	agents := req.Spec.Agents
	if agents == nil {
		agents = []string{}
	}

	body := executeRequest{
		ExecutionID:   req.RunID,
		Workflow:      req.Spec.Workflow,
		Agents:        agents,
		InputData:     input,
		ProcessType:   processType,
		MemoryEnabled: req.Spec.MemoryEnabled,
		Verbose:       req.Spec.Verbose,
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(executePath)
	if err != nil {
		return backend.Result{}, transportError(ctx, err)
	}

	durationMS := time.Since(start).Milliseconds()
	c.logger.Debug("crew: execute returned",
		"run_id", req.RunID,
		"attempt", req.Attempt,
		"status_code", resp.StatusCode(),
		"duration_ms", durationMS,
	)

	if resp.IsError() {
		return backend.Result{}, statusError(resp)
	}

	return backend.Result{
		Output:     extractResults(resp.Body()),
		DurationMS: durationMS,
	}, nil
}

// Capabilities reports the service endpoint.
func (c *Client) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "crew", Endpoint: c.baseURL + executePath}
}

// transportError wraps a failed call. Transport failures never reached a
// decision on the service side, so they are always transient.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	detail := fmt.Sprintf("call crew service: %v", err)
	if backend.IsTimeout(err) {
		detail = fmt.Sprintf("crew service timed out: %v", err)
	}
	return &backend.ExecutionError{
		Kind:   model.FailureTransient,
		Detail: detail,
		Err:    err,
	}
}

// statusError classifies a non-2xx response. Server errors, request timeouts
// and rate limiting are transient; every other client error is permanent.
func statusError(resp *resty.Response) error {
	code := resp.StatusCode()
	kind := model.FailurePermanent
	if code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests {
		kind = model.FailureTransient
	}
	return &backend.ExecutionError{
		Kind:       kind,
		Detail:     responseDetail(resp.Body()),
		StatusCode: code,
	}
}

// responseDetail extracts an error message from a response body.
func responseDetail(body []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	if detail == "" {
		detail = "empty response body"
	}
	return detail
}

// extractResults returns the "results" field of a JSON object body, the
// whole body if it has none, or the body as a JSON string if it is not JSON.
func extractResults(body []byte) json.RawMessage {
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return quoted
	}
	var envelope map[string]json.RawMessage
	if json.Unmarshal(body, &envelope) == nil {
		if results, ok := envelope["results"]; ok {
			return results
		}
	}
	return json.RawMessage(body)
}
