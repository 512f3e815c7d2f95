// testserver starts a conductor API server with stub backends for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/conductor/internal/api"
	"github.com/seantiz/conductor/internal/backend"
	"github.com/seantiz/conductor/internal/notify"
	"github.com/seantiz/conductor/internal/orchestrator"
	"github.com/seantiz/conductor/internal/queue"
	"github.com/seantiz/conductor/internal/reconcile"
	"github.com/seantiz/conductor/internal/retry"
	"github.com/seantiz/conductor/internal/store"
	"github.com/seantiz/conductor/internal/worker"
)

// stubBackend is a configurable mock backend for E2E tests. It fails the
// first failTimes attempts of every run with failKind.
type stubBackend struct {
	name      string
	delay     time.Duration
	failTimes int
	failKind  string

	mu       sync.Mutex
	attempts map[string]int
}

func (s *stubBackend) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return backend.Result{}, ctx.Err()
	}

	s.mu.Lock()
	s.attempts[req.RunID]++
	n := s.attempts[req.RunID]
	s.mu.Unlock()

	if n <= s.failTimes {
		if s.failKind == "permanent" {
			return backend.Result{}, backend.Permanent("stub rejected the input")
		}
		return backend.Result{}, backend.Transient("stub engine unavailable")
	}

	out, err := json.Marshal(map[string]any{
		"backend": s.name,
		"attempt": req.Attempt,
		"input":   req.Spec.Input,
	})
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{Output: out, DurationMS: s.delay.Milliseconds()}, nil
}

func (s *stubBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: s.name, MaxConcurrency: 10}
}

func newStub(name string, delay time.Duration, failTimes int, failKind string) *stubBackend {
	return &stubBackend{
		name:      name,
		delay:     delay,
		failTimes: failTimes,
		failKind:  failKind,
		attempts:  make(map[string]int),
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("CONDUCTOR_LISTEN_ADDR"); v != "" {
		addr = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register("echo", newStub("stub-echo", 500*time.Millisecond, 0, ""))
	reg.Register("flaky", newStub("stub-flaky", 200*time.Millisecond, 1, "transient"))
	reg.Register("reject", newStub("stub-reject", 100*time.Millisecond, 1, "permanent"))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	q := queue.NewMemoryQueue(queue.DefaultVisibilityTimeout)
	hub := notify.NewHub(notify.DefaultBufferSize)
	defer hub.Close()

	pool := worker.NewPool(db, q, reg, hub, logger,
		worker.WithPollInterval(100*time.Millisecond),
		worker.WithPolicy(policy),
	)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("failed to start worker pool: %v", err)
	}
	defer pool.Stop(context.Background())

	sweeper := reconcile.NewSweeper(db, q, hub, logger, reconcile.WithPolicy(policy))
	go sweeper.Run(ctx)

	orch := orchestrator.New(db, q, reg, logger)
	srv := api.NewServer(addr, orch, hub, db, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
