// Package orchestrator is the entry point for callers: it validates and
// records new runs, hands them to the queue, and answers status queries.
// It never changes a run after creation; workers own every later transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/conductor/internal/backend"
	"github.com/seantiz/conductor/internal/model"
	"github.com/seantiz/conductor/internal/queue"
	"github.com/seantiz/conductor/internal/store"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ErrNotFound is returned by Query when no run has the given ID.
var ErrNotFound = errors.New("run not found")

var (
	runsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_runs_submitted_total",
		Help: "Total number of runs accepted by Submit.",
	})

	enqueueFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_enqueue_failures_total",
		Help: "Total number of accepted runs whose initial enqueue failed.",
	})
)

func init() {
	prometheus.MustRegister(runsSubmitted)
	prometheus.MustRegister(enqueueFailures)
}

// Orchestrator accepts and reports on runs.
type Orchestrator struct {
	store    store.Store
	queue    queue.Queue
	registry *backend.Registry
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(s store.Store, q queue.Queue, reg *backend.Registry, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    s,
		queue:    q,
		registry: reg,
		logger:   logger,
	}
}

// Submit validates spec, records a pending run and enqueues it. It returns
// the new run ID. Only a *model.ValidationError or a store failure is
// returned: if the queue is unavailable the run stays pending and the
// reconciliation sweep enqueues it later.
func (o *Orchestrator) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if _, err := o.registry.Resolve(spec.Workflow); err != nil {
		return "", &model.ValidationError{Field: "workflow", Reason: "no backend serves this workflow"}
	}

	now := time.Now().UTC()
	r := &model.Run{
		ID:        model.NewID(),
		Spec:      spec,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRun(ctx, r); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	runsSubmitted.Inc()

	logger := o.logger.With("run_id", r.ID, "workflow", spec.Workflow)
	if err := o.queue.Enqueue(ctx, r.ID, 0); err != nil {
		enqueueFailures.Inc()
		logger.Error("enqueue failed, run left for reconciliation", "error", err)
		return r.ID, nil
	}
	if _, err := o.store.MarkEnqueued(ctx, r.ID, time.Now().UTC()); err != nil {
		// Without the marker the sweep may enqueue a duplicate, which workers absorb.
		logger.Warn("mark enqueued failed", "error", err)
	}

	logger.Info("run submitted")
	return r.ID, nil
}

// Query returns the current state of a run.
func (o *Orchestrator) Query(ctx context.Context, id string) (*model.Run, error) {
	r, err := o.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// List returns a page of runs, newest first, and the total matching count.
// The limit is clamped to [1, MaxListLimit] with DefaultListLimit for zero.
func (o *Orchestrator) List(ctx context.Context, f store.ListFilter) ([]*model.Run, int, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	runs, total, err := o.store.ListRuns(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return runs, total, nil
}

// Stats returns aggregate run statistics.
func (o *Orchestrator) Stats(ctx context.Context) (*store.RunStats, error) {
	stats, err := o.store.GetRunStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	return stats, nil
}

// Backends lists the registered workflow backends.
func (o *Orchestrator) Backends() []backend.BackendInfo {
	return o.registry.List()
}
