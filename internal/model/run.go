package model

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// FailureKind classifies an execution failure for the retry policy.
type FailureKind string

// Failure kinds.
const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusPending:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final state.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// RunError describes why a run failed.
type RunError struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (e *RunError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

// Run is a single submitted job tracked through its lifecycle.
type Run struct {
	ID           string          `json:"id"`
	Spec         JobSpec         `json:"job_spec"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *RunError       `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// EnqueuedAt is set while a queue delivery is known to exist for a
	// pending run. The reconciliation sweep looks for pending runs without it.
	EnqueuedAt *time.Time `json:"-"`
}

// Event is the push notification emitted on every run state change.
type Event struct {
	RunID        string          `json:"run_id"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	Timestamp    time.Time       `json:"timestamp"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *RunError       `json:"error,omitempty"`
}

// EventFor builds the event describing the current state of r.
func EventFor(r *Run) Event {
	return Event{
		RunID:        r.ID,
		Status:       r.Status,
		AttemptCount: r.AttemptCount,
		Timestamp:    r.UpdatedAt,
		Result:       r.Result,
		Error:        r.Error,
	}
}
