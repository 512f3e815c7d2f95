// Package backend defines the interface to the external workflow engines
// that execute runs, the registry that maps workflows to engines, and the
// transient/permanent classification of execution errors.
package backend

import (
	"context"
	"encoding/json"

	"github.com/seantiz/conductor/internal/model"
)

// Backend executes one attempt of a run on an external workflow engine.
type Backend interface {
	// Execute runs the job and returns its result payload. The context
	// carries the per-attempt deadline; implementations must return promptly
	// once it is done.
	Execute(ctx context.Context, req Request) (Result, error)

	// Capabilities reports what this backend serves.
	Capabilities() Capabilities
}

// Request describes one execution attempt.
type Request struct {
	RunID   string        `json:"run_id"`
	Attempt int           `json:"attempt"`
	Spec    model.JobSpec `json:"job_spec"`
}

// Result holds the output of a successful attempt.
type Result struct {
	Output     json.RawMessage `json:"output"`
	DurationMS int64           `json:"duration_ms"`
}

// Capabilities describes a backend.
type Capabilities struct {
	Name           string `json:"name"`
	Endpoint       string `json:"endpoint,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
}

// Func adapts an ordinary function to the Backend interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f(ctx, req).
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Capabilities reports a generic name for function backends.
func (f Func) Capabilities() Capabilities {
	return Capabilities{Name: "func"}
}
