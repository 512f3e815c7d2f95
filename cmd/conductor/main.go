package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/conductor/internal/api"
	"github.com/seantiz/conductor/internal/backend"
	"github.com/seantiz/conductor/internal/backend/crew"
	"github.com/seantiz/conductor/internal/config"
	"github.com/seantiz/conductor/internal/notify"
	"github.com/seantiz/conductor/internal/orchestrator"
	"github.com/seantiz/conductor/internal/reconcile"
	"github.com/seantiz/conductor/internal/retry"
	"github.com/seantiz/conductor/internal/worker"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("conductor: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"queue_driver", cfg.QueueDriver,
		"workflow_engine_url", cfg.WorkflowEngineURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	q, err := openQueue(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open queue: %v", err)
	}
	defer q.Close()

	if cfg.QueueDriver == config.QueueDriverMemory {
		// Deliveries from a previous process are gone; let the sweep re-enqueue.
		n, err := db.ResetEnqueued(ctx)
		if err != nil {
			log.Fatalf("failed to reset enqueue markers: %v", err)
		}
		if n > 0 {
			logger.Warn("cleared enqueue markers lost with the in-memory queue", "runs", n)
		}
	}

	reg := backend.NewRegistry()
	reg.Register(backend.DefaultWorkflow, crew.NewClient(cfg.WorkflowEngineURL, cfg.ExecTimeout, logger))

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	hub := notify.NewHub(cfg.HubBuffer)
	defer hub.Close()

	orch := orchestrator.New(db, q, reg, logger)
	pool := worker.NewPool(db, q, reg, hub, logger,
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithExecTimeout(cfg.ExecTimeout),
		worker.WithPolicy(policy),
	)
	sweeper := reconcile.NewSweeper(db, q, hub, logger,
		reconcile.WithInterval(cfg.SweepInterval),
		reconcile.WithOrphanGrace(cfg.OrphanGrace),
		reconcile.WithStaleAfter(cfg.StaleAfter),
		reconcile.WithMarkerTTL(cfg.MarkerTTL),
		reconcile.WithPolicy(policy),
	)
	srv := api.NewServer(cfg.ListenAddr, orch, hub, db, logger)

	if err := pool.Start(ctx); err != nil {
		log.Fatalf("failed to start worker pool: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := pool.Stop(drainCtx); err != nil {
		logger.Error("worker pool stop", "error", err)
	}

	if runErr != nil {
		logger.Error("conductor: exiting", "error", runErr)
		os.Exit(1)
	}
	logger.Info("conductor: stopped")
}
