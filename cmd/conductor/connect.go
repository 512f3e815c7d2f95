package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/seantiz/conductor/internal/config"
	"github.com/seantiz/conductor/internal/queue"
	"github.com/seantiz/conductor/internal/store"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// withConnectRetry retries fn with exponential backoff while a dependency
// comes up.
func withConnectRetry(ctx context.Context, logger *slog.Logger, what string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(connectBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			logger.Warn("connect failed, retrying", "target", what, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DBDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres driver requires a database URL")
		}
		var pg *store.PostgresStore
		err := withConnectRetry(ctx, logger, "postgres", func(ctx context.Context) error {
			var err error
			pg, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
			return err
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return store.NewSQLiteStore(cfg.DBPath)
	}
}

func openQueue(ctx context.Context, cfg config.Config, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		err = withConnectRetry(ctx, logger, "redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		return &ownedRedisQueue{
			RedisQueue: queue.NewRedisQueue(client, cfg.QueueName, cfg.VisibilityTimeout),
			client:     client,
		}, nil
	default:
		return queue.NewMemoryQueue(cfg.VisibilityTimeout), nil
	}
}

// ownedRedisQueue closes the client it was built on.
type ownedRedisQueue struct {
	*queue.RedisQueue
	client *goredis.Client
}

func (q *ownedRedisQueue) Close() error {
	return q.client.Close()
}
