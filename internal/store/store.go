// Package store persists run records. Every state change goes through
// TransitionRun, an atomic compare-and-set on the stored status.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/conductor/internal/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrConflict is returned by TransitionRun when the stored status no
	// longer matches the expected one. The record is left untouched.
	ErrConflict = errors.New("run status conflict")

	// ErrInvalidTransition is returned when a status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Update carries the fields written atomically with a status transition.
// Set-once fields (StartedAt, CompletedAt, Result, Error) keep their first
// stored value.
type Update struct {
	IncrementAttempt bool
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Result           json.RawMessage
	Error            *model.RunError
}

// ListFilter selects runs for ListRuns. An empty Status matches all runs.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	AvgAttempts     float64        `json:"avg_attempts"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
	AwaitingEnqueue int            `json:"awaiting_enqueue"`
}

// Store defines the persistence operations for runs.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f ListFilter) ([]*model.Run, int, error)

	// TransitionRun moves a run from status from to status to, applying u in
	// the same atomic statement, and returns the updated record.
	TransitionRun(ctx context.Context, id, from, to string, u Update) (*model.Run, error)

	// MarkEnqueued records that a queue delivery exists for a pending run.
	// It reports false if the run is not pending or is already marked.
	MarkEnqueued(ctx context.Context, id string, at time.Time) (bool, error)
	// ClearEnqueued drops the marker of a pending run after a failed enqueue.
	ClearEnqueued(ctx context.Context, id string) error
	// ResetEnqueued drops the marker of every pending run and returns how
	// many were cleared. It is used when the queue's contents did not survive
	// a restart.
	ResetEnqueued(ctx context.Context) (int64, error)

	// ListOrphanedRuns returns pending runs whose queue delivery is missing:
	// unmarked runs last updated before unmarkedBefore, and runs whose marker
	// was set before markedBefore.
	ListOrphanedRuns(ctx context.Context, unmarkedBefore, markedBefore time.Time, limit int) ([]*model.Run, error)
	// ClaimOrphan sets the marker of a pending run to at if it is unset or
	// older than markedBefore. Only one of several concurrent claims succeeds.
	ClaimOrphan(ctx context.Context, id string, markedBefore, at time.Time) (bool, error)
	// ListStaleRuns returns running runs last updated before olderThan.
	ListStaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]*model.Run, error)

	GetRunStats(ctx context.Context) (*RunStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// checkTransition validates the requested transition before it reaches the database.
func checkTransition(from, to string) error {
	if !model.ValidTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}

// errorColumns splits a RunError into its nullable kind and detail columns.
func errorColumns(e *model.RunError) (kind, detail any) {
	if e == nil {
		return nil, nil
	}
	return string(e.Kind), e.Detail
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
