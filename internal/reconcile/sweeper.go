// Package reconcile repairs runs that the normal submit and worker paths
// left behind: pending runs whose enqueue was lost, and running runs whose
// worker disappeared before recording an outcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/conductor/internal/model"
	"github.com/seantiz/conductor/internal/queue"
	"github.com/seantiz/conductor/internal/retry"
	"github.com/seantiz/conductor/internal/store"
)

const (
	DefaultInterval    = time.Minute
	DefaultOrphanGrace = 2 * time.Minute
	DefaultStaleAfter  = 10 * time.Minute
	DefaultBatchSize   = 100

	// DefaultMarkerTTL covers a redelivery after the visibility timeout and
	// the longest retry delay.
	DefaultMarkerTTL = queue.DefaultVisibilityTimeout + retry.DefaultMaxDelay + DefaultOrphanGrace
)

var sweepActions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conductor_reconcile_actions_total",
		Help: "Total number of runs repaired by the reconciliation sweep, by action.",
	},
	[]string{"action"},
)

func init() {
	prometheus.MustRegister(sweepActions)
}

// Publisher receives run events for transitions the sweep performs.
type Publisher interface {
	Publish(ev model.Event)
}

// Report summarizes one sweep.
type Report struct {
	Reenqueued int `json:"reenqueued"`
	Requeued   int `json:"requeued"`
	Failed     int `json:"failed"`
}

// Sweeper periodically re-enqueues orphaned pending runs and recovers stale
// running runs.
type Sweeper struct {
	store       store.Store
	queue       queue.Queue
	events      Publisher
	policy      retry.Policy
	logger      *slog.Logger
	interval    time.Duration
	orphanGrace time.Duration
	staleAfter  time.Duration
	markerTTL   time.Duration
	batchSize   int
	now         func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithOrphanGrace sets how long a pending run may go without a known queue
// delivery before it is re-enqueued.
func WithOrphanGrace(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.orphanGrace = d
		}
	}
}

// WithStaleAfter sets how long a run may stay running before its worker is
// presumed lost. It must exceed the worker's per-attempt timeout.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithMarkerTTL sets how long a pending run may stay marked enqueued before
// its delivery is presumed lost, for example with a queue that did not
// survive a restart.
func WithMarkerTTL(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.markerTTL = d
		}
	}
}

// WithBatchSize caps the runs repaired per category in one sweep.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithPolicy sets the retry policy applied to stale running runs.
func WithPolicy(p retry.Policy) Option {
	return func(s *Sweeper) { s.policy = p }
}

// NewSweeper creates a Sweeper.
func NewSweeper(s store.Store, q queue.Queue, events Publisher, logger *slog.Logger, opts ...Option) *Sweeper {
	sw := &Sweeper{
		store:       s,
		queue:       q,
		events:      events,
		policy:      retry.DefaultPolicy(),
		logger:      logger,
		interval:    DefaultInterval,
		orphanGrace: DefaultOrphanGrace,
		staleAfter:  DefaultStaleAfter,
		markerTTL:   DefaultMarkerTTL,
		batchSize:   DefaultBatchSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("reconciliation sweep starting",
		"interval", s.interval.String(),
		"orphan_grace", s.orphanGrace.String(),
		"marker_ttl", s.markerTTL.String(),
		"stale_after", s.staleAfter.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("reconciliation sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweep stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := s.now().UTC()

	markedBefore := now.Add(-s.markerTTL)
	orphans, err := s.store.ListOrphanedRuns(ctx, now.Add(-s.orphanGrace), markedBefore, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("list orphaned runs: %w", err)
	}
	for _, r := range orphans {
		if s.reenqueue(ctx, r, markedBefore, now) {
			report.Reenqueued++
		}
	}

	stale, err := s.store.ListStaleRuns(ctx, now.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return report, fmt.Errorf("list stale runs: %w", err)
	}
	for _, r := range stale {
		switch s.recoverStale(ctx, r, now) {
		case model.StatusPending:
			report.Requeued++
		case model.StatusFailed:
			report.Failed++
		}
	}

	if report != (Report{}) {
		s.logger.Info("reconciliation sweep repaired runs",
			"reenqueued", report.Reenqueued,
			"requeued", report.Requeued,
			"failed", report.Failed,
		)
	}
	return report, nil
}

// reenqueue claims the orphan's enqueue marker and pushes it to the queue.
// The marker claim makes concurrent sweeps enqueue each orphan at most once.
func (s *Sweeper) reenqueue(ctx context.Context, r *model.Run, markedBefore, now time.Time) bool {
	logger := s.logger.With("run_id", r.ID)

	claimed, err := s.store.ClaimOrphan(ctx, r.ID, markedBefore, now)
	if err != nil {
		logger.Error("claim orphaned run failed", "error", err)
		return false
	}
	if !claimed {
		return false
	}

	if err := s.queue.Enqueue(ctx, r.ID, 0); err != nil {
		logger.Error("re-enqueue orphaned run failed", "error", err)
		if err := s.store.ClearEnqueued(ctx, r.ID); err != nil {
			logger.Error("release orphan claim failed", "error", err)
		}
		return false
	}

	sweepActions.WithLabelValues("reenqueued").Inc()
	if r.EnqueuedAt != nil {
		logger.Warn("re-enqueued run whose delivery was lost", "enqueued_at", *r.EnqueuedAt)
	} else {
		logger.Warn("re-enqueued orphaned run", "pending_since", r.UpdatedAt)
	}
	return true
}

// recoverStale treats a stale running run as a failed transient attempt and
// returns the status it was moved to, or "" if it was left alone.
func (s *Sweeper) recoverStale(ctx context.Context, r *model.Run, now time.Time) string {
	logger := s.logger.With("run_id", r.ID, "attempt", r.AttemptCount)
	decision := s.policy.Decide(r.AttemptCount, model.FailureTransient)

	if decision.Action == retry.Requeue {
		updated, err := s.store.TransitionRun(ctx, r.ID, model.StatusRunning, model.StatusPending, store.Update{})
		if err != nil {
			logTransitionError(logger, "requeue stale run", err)
			return ""
		}
		s.events.Publish(model.EventFor(updated))

		if err := s.queue.Enqueue(ctx, r.ID, decision.Delay); err != nil {
			logger.Error("enqueue stale run failed, leaving it for the orphan pass", "error", err)
		} else if _, err := s.store.MarkEnqueued(ctx, r.ID, now); err != nil {
			logger.Error("mark enqueued failed", "error", err)
		}

		sweepActions.WithLabelValues("requeued").Inc()
		logger.Warn("requeued stale run", "running_since", r.UpdatedAt, "delay", decision.Delay.String())
		return model.StatusPending
	}

	updated, err := s.store.TransitionRun(ctx, r.ID, model.StatusRunning, model.StatusFailed, store.Update{
		CompletedAt: &now,
		Error: &model.RunError{
			Kind:   model.FailureTransient,
			Detail: fmt.Sprintf("worker lost: no outcome recorded within %s", s.staleAfter),
		},
	})
	if err != nil {
		logTransitionError(logger, "fail stale run", err)
		return ""
	}
	s.events.Publish(model.EventFor(updated))

	sweepActions.WithLabelValues("failed").Inc()
	logger.Error("failed stale run after final attempt", "running_since", r.UpdatedAt)
	return model.StatusFailed
}

func logTransitionError(logger *slog.Logger, action string, err error) {
	if errors.Is(err, store.ErrConflict) {
		logger.Debug(action+": run moved on concurrently", "error", err)
		return
	}
	logger.Error(action+" failed", "error", err)
}
