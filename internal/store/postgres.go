package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/conductor/internal/model"
)

const pgMigration = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    job_spec      JSONB NOT NULL,
    status        TEXT NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    result        JSONB,
    error_kind    TEXT,
    error_detail  TEXT,
    created_at    TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    updated_at    TIMESTAMPTZ NOT NULL,
    enqueued_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs (status, updated_at);`

// pgxDB is the subset of *pgxpool.Pool used by PostgresStore.
type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL. TransitionRun is a single
// conditional UPDATE ... RETURNING statement.
type PostgresStore struct {
	db pgxDB
}

// NewPostgresStore connects to the database at dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgMigration); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate runs table: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateRun inserts a new run record.
func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	spec, err := json.Marshal(r.Spec)
	if err != nil {
		return fmt.Errorf("encode job spec: %w", err)
	}
	errKind, errDetail := errorColumns(r.Error)

	_, err = s.db.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, spec, r.Status, r.AttemptCount, nullableJSON(r.Result), errKind, errDetail,
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt, r.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanPgRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of runs ordered by created_at DESC and the total
// number of runs matching the filter.
func (s *PostgresStore) ListRuns(ctx context.Context, f ListFilter) ([]*model.Run, int, error) {
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE ($1 = '' OR status = $1)`, f.Status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		f.Status, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	runs, err := collectPgRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// TransitionRun applies a compare-and-set status change in one statement.
func (s *PostgresStore) TransitionRun(ctx context.Context, id, from, to string, u Update) (*model.Run, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	inc := 0
	if u.IncrementAttempt {
		inc = 1
	}
	errKind, errDetail := errorColumns(u.Error)

	r, err := scanPgRun(s.db.QueryRow(ctx,
		`UPDATE runs SET
			status        = $1,
			attempt_count = attempt_count + $2,
			started_at    = COALESCE(started_at, $3),
			completed_at  = COALESCE(completed_at, $4),
			result        = COALESCE(result, $5),
			error_kind    = COALESCE(error_kind, $6),
			error_detail  = COALESCE(error_detail, $7),
			updated_at    = $8,
			enqueued_at   = CASE WHEN $9 THEN NULL ELSE enqueued_at END
		WHERE id = $10 AND status = $11
		RETURNING `+runColumns,
		to, inc, u.StartedAt, u.CompletedAt, nullableJSON(u.Result), errKind, errDetail,
		time.Now().UTC(), to == model.StatusPending,
		id, from,
	))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition run: %w", err)
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check run exists: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConflict
}

// MarkEnqueued sets enqueued_at on a pending run that has none.
func (s *PostgresStore) MarkEnqueued(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE runs SET enqueued_at = $1
		WHERE id = $2 AND status = $3 AND enqueued_at IS NULL`,
		at.UTC(), id, model.StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark enqueued: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearEnqueued removes the enqueued marker from a pending run.
func (s *PostgresStore) ClearEnqueued(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE runs SET enqueued_at = NULL WHERE id = $1 AND status = $2`,
		id, model.StatusPending,
	); err != nil {
		return fmt.Errorf("clear enqueued: %w", err)
	}
	return nil
}

// ResetEnqueued clears the marker of every pending run.
func (s *PostgresStore) ResetEnqueued(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE runs SET enqueued_at = NULL WHERE status = $1 AND enqueued_at IS NOT NULL`,
		model.StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("reset enqueued: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimOrphan moves the marker of an orphaned pending run to at.
func (s *PostgresStore) ClaimOrphan(ctx context.Context, id string, markedBefore, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE runs SET enqueued_at = $1
		WHERE id = $2 AND status = $3 AND (enqueued_at IS NULL OR enqueued_at < $4)`,
		at.UTC(), id, model.StatusPending, markedBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim orphan: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListOrphanedRuns returns pending runs with no live queue delivery.
func (s *PostgresStore) ListOrphanedRuns(ctx context.Context, unmarkedBefore, markedBefore time.Time, limit int) ([]*model.Run, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE status = $1
			AND ((enqueued_at IS NULL AND updated_at < $2) OR enqueued_at < $3)
		ORDER BY updated_at LIMIT $4`,
		model.StatusPending, unmarkedBefore.UTC(), markedBefore.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphaned runs: %w", err)
	}
	return collectPgRuns(rows)
}

// ListStaleRuns returns running runs whose last transition is older than olderThan.
func (s *PostgresStore) ListStaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]*model.Run, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at LIMIT $3`,
		model.StatusRunning, olderThan.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return collectPgRuns(rows)
}

// GetRunStats returns aggregate counts across all runs.
func (s *PostgresStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avgAttempts, avgDuration *float64
	if err := s.db.QueryRow(ctx,
		`SELECT AVG(attempt_count)::float8,
			AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)::float8
		FROM runs WHERE status IN ($1, $2)`,
		model.StatusCompleted, model.StatusFailed,
	).Scan(&avgAttempts, &avgDuration); err != nil {
		return nil, fmt.Errorf("average run metrics: %w", err)
	}
	if avgAttempts != nil {
		stats.AvgAttempts = *avgAttempts
	}
	if avgDuration != nil {
		stats.AvgDurationMS = *avgDuration
	}

	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = $1 AND enqueued_at IS NULL`,
		model.StatusPending,
	).Scan(&stats.AwaitingEnqueue); err != nil {
		return nil, fmt.Errorf("count awaiting enqueue: %w", err)
	}

	return stats, nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var (
		r         model.Run
		spec      []byte
		result    []byte
		errKind   *string
		errDetail *string
	)
	if err := row.Scan(
		&r.ID, &spec, &r.Status, &r.AttemptCount, &result, &errKind, &errDetail,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt, &r.EnqueuedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &r.Spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	if len(result) > 0 {
		r.Result = json.RawMessage(result)
	}
	if errKind != nil {
		r.Error = &model.RunError{Kind: model.FailureKind(*errKind)}
		if errDetail != nil {
			r.Error.Detail = *errDetail
		}
	}
	return &r, nil
}

func collectPgRuns(rows pgx.Rows) ([]*model.Run, error) {
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
