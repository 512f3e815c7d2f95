// Package worker consumes run deliveries from the queue, executes them on a
// backend and records the outcome. The conditional status update in the
// store is the only coordination between workers, so duplicate and
// concurrent deliveries of the same run are harmless.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/conductor/internal/backend"
	"github.com/seantiz/conductor/internal/model"
	"github.com/seantiz/conductor/internal/queue"
	"github.com/seantiz/conductor/internal/retry"
	"github.com/seantiz/conductor/internal/store"
)

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = time.Second
	DefaultExecTimeout  = 5 * time.Minute
)

// Outcome is what a worker did with one delivery.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeNacked    Outcome = "nacked"
)

// Publisher receives run events after each recorded transition.
type Publisher interface {
	Publish(ev model.Event)
}

// Pool runs a fixed number of dequeue loops.
type Pool struct {
	store        store.Store
	queue        queue.Queue
	registry     *backend.Registry
	events       Publisher
	policy       retry.Policy
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration
	execTimeout  time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	active    map[string]context.CancelFunc
	activeMu  sync.Mutex
	nextToken uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of concurrent dequeue loops.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle loop sleeps before polling again.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithExecTimeout sets the hard deadline for one execution attempt.
func WithExecTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.execTimeout = d
		}
	}
}

// WithPolicy sets the retry policy applied to failed attempts.
func WithPolicy(policy retry.Policy) Option {
	return func(p *Pool) { p.policy = policy }
}

// NewPool creates a worker pool.
func NewPool(
	s store.Store,
	q queue.Queue,
	reg *backend.Registry,
	events Publisher,
	logger *slog.Logger,
	opts ...Option,
) *Pool {
	p := &Pool{
		store:        s,
		queue:        q,
		registry:     reg,
		events:       events,
		policy:       retry.DefaultPolicy(),
		logger:       logger,
		concurrency:  DefaultConcurrency,
		pollInterval: DefaultPollInterval,
		execTimeout:  DefaultExecTimeout,
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the dequeue loops. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		"concurrency", p.concurrency,
		"poll_interval", p.pollInterval.String(),
		"exec_timeout", p.execTimeout.String(),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}
	return nil
}

// Stop signals the loops to exit and waits for in-flight attempts. If ctx
// expires first, active attempts are cancelled and recorded as transient
// failures.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active attempts")
		p.cancelActive()
		<-done
	}
	return nil
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		d, err := p.queue.Dequeue(context.Background())
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				p.logger.Error("dequeue error", "error", err)
			}
			p.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		token := p.track(cancel)
		outcome := p.Handle(ctx, d)
		p.untrack(token)
		cancel()

		// A nacked delivery is ready again at once; back off while the
		// store is failing.
		if outcome == OutcomeNacked {
			p.sleep()
		}
	}
}

// Handle processes one delivery and reports what it did. The delivery is
// always acked or nacked before Handle returns.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) Outcome {
	outcome := p.handle(ctx, d)
	deliveriesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (p *Pool) handle(ctx context.Context, d *queue.Delivery) Outcome {
	// Outcome writes must land even if the attempt context was cancelled.
	recordCtx := context.WithoutCancel(ctx)
	logger := p.logger.With("run_id", d.RunID)

	run, err := p.store.GetRun(recordCtx, d.RunID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("delivery for unknown run, discarding")
		p.ack(recordCtx, d, logger)
		return OutcomeDiscarded
	}
	if err != nil {
		logger.Error("load run failed", "error", err)
		p.nack(recordCtx, d, logger)
		return OutcomeNacked
	}
	if model.IsTerminal(run.Status) {
		logger.Debug("duplicate delivery for finished run", "status", run.Status)
		p.ack(recordCtx, d, logger)
		return OutcomeDiscarded
	}

	startedAt := time.Now().UTC()
	claimed, err := p.store.TransitionRun(recordCtx, run.ID, model.StatusPending, model.StatusRunning, store.Update{
		IncrementAttempt: true,
		StartedAt:        &startedAt,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		logger.Debug("run already claimed, discarding delivery")
		p.ack(recordCtx, d, logger)
		return OutcomeDiscarded
	}
	if err != nil {
		logger.Error("claim run failed", "error", err)
		p.nack(recordCtx, d, logger)
		return OutcomeNacked
	}

	logger = logger.With("attempt", claimed.AttemptCount)
	logger.Info("run claimed", "workflow", claimed.Spec.Workflow)
	p.events.Publish(model.EventFor(claimed))

	result, execErr := p.execute(ctx, claimed)
	var outcome Outcome
	if execErr == nil {
		outcome = p.complete(recordCtx, claimed, result, logger)
	} else {
		outcome = p.fail(recordCtx, claimed, execErr, logger)
	}
	p.ack(recordCtx, d, logger)
	return outcome
}

// execute runs one attempt under the per-attempt deadline.
func (p *Pool) execute(ctx context.Context, run *model.Run) (backend.Result, error) {
	b, err := p.registry.Resolve(run.Spec.Workflow)
	if err != nil {
		return backend.Result{}, backend.Permanent(err.Error())
	}

	execCtx, cancel := context.WithTimeout(ctx, p.execTimeout)
	defer cancel()

	activeAttempts.Inc()
	start := time.Now()
	result, err := b.Execute(execCtx, backend.Request{
		RunID:   run.ID,
		Attempt: run.AttemptCount,
		Spec:    run.Spec,
	})
	activeAttempts.Dec()

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = &backend.ExecutionError{
				Kind:   model.FailureTransient,
				Detail: fmt.Sprintf("execution timed out after %s", p.execTimeout),
				Err:    execCtx.Err(),
			}
		} else if ctx.Err() != nil {
			err = backend.Transient(fmt.Sprintf("execution interrupted: %v", ctx.Err()))
		}
	}
	attemptDuration.WithLabelValues(attemptLabel(err)).Observe(time.Since(start).Seconds())
	return result, err
}

// attemptLabel names the attempt result for the duration histogram.
func attemptLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case backend.IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

func (p *Pool) complete(ctx context.Context, run *model.Run, result backend.Result, logger *slog.Logger) Outcome {
	now := time.Now().UTC()
	updated, err := p.store.TransitionRun(ctx, run.ID, model.StatusRunning, model.StatusCompleted, store.Update{
		CompletedAt: &now,
		Result:      normalizeResult(result.Output),
	})
	if err != nil {
		p.logTransitionError(logger, "record completion", err)
		return OutcomeDiscarded
	}

	logger.Info("run completed")
	p.events.Publish(model.EventFor(updated))
	return OutcomeCompleted
}

func (p *Pool) fail(ctx context.Context, run *model.Run, execErr error, logger *slog.Logger) Outcome {
	kind := backend.Classify(execErr)
	decision := p.policy.Decide(run.AttemptCount, kind)

	if decision.Action == retry.Requeue {
		updated, err := p.store.TransitionRun(ctx, run.ID, model.StatusRunning, model.StatusPending, store.Update{})
		if err != nil {
			p.logTransitionError(logger, "record requeue", err)
			return OutcomeDiscarded
		}

		logger.Warn("attempt failed, requeueing",
			"error", execErr,
			"kind", string(kind),
			"delay", decision.Delay.String(),
		)
		p.events.Publish(model.EventFor(updated))

		if err := p.queue.Enqueue(ctx, run.ID, decision.Delay); err != nil {
			logger.Error("requeue enqueue failed, leaving run for reconciliation", "error", err)
			return OutcomeRequeued
		}
		if _, err := p.store.MarkEnqueued(ctx, run.ID, time.Now().UTC()); err != nil {
			logger.Error("mark enqueued failed", "error", err)
		}
		return OutcomeRequeued
	}

	now := time.Now().UTC()
	updated, err := p.store.TransitionRun(ctx, run.ID, model.StatusRunning, model.StatusFailed, store.Update{
		CompletedAt: &now,
		Error:       &model.RunError{Kind: kind, Detail: errorDetail(execErr)},
	})
	if err != nil {
		p.logTransitionError(logger, "record failure", err)
		return OutcomeDiscarded
	}

	logger.Error("run failed", "error", execErr, "kind", string(kind))
	p.events.Publish(model.EventFor(updated))
	return OutcomeFailed
}

// logTransitionError logs a failed outcome write. Conflicts mean another
// party already moved the run on and are expected.
func (p *Pool) logTransitionError(logger *slog.Logger, action string, err error) {
	if errors.Is(err, store.ErrConflict) {
		logger.Warn(action+": run status changed concurrently", "error", err)
		return
	}
	logger.Error(action+" failed", "error", err)
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	if err := p.queue.Ack(ctx, d.Receipt); err != nil {
		if errors.Is(err, queue.ErrUnknownReceipt) {
			logger.Warn("ack after visibility timeout", "receipt", d.Receipt)
			return
		}
		logger.Error("ack failed", "receipt", d.Receipt, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	if err := p.queue.Nack(ctx, d.Receipt); err != nil {
		logger.Error("nack failed", "receipt", d.Receipt, "error", err)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(cancel context.CancelFunc) string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	p.nextToken++
	token := fmt.Sprintf("attempt-%d", p.nextToken)
	p.active[token] = cancel
	return token
}

func (p *Pool) untrack(token string) {
	p.activeMu.Lock()
	delete(p.active, token)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for token, cancel := range p.active {
		p.logger.Warn("cancelling active attempt", "token", token)
		cancel()
	}
}

// normalizeResult guarantees a non-empty, valid JSON result payload.
func normalizeResult(out json.RawMessage) json.RawMessage {
	if len(out) == 0 {
		return json.RawMessage("null")
	}
	if !json.Valid(out) {
		quoted, _ := json.Marshal(string(out))
		return quoted
	}
	return out
}

func errorDetail(err error) string {
	var execErr *backend.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Detail
	}
	return err.Error()
}
