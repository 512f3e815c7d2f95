package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/conductor/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    job_spec      BLOB NOT NULL,
    status        TEXT NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    result        BLOB,
    error_kind    TEXT,
    error_detail  TEXT,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    completed_at  DATETIME,
    updated_at    DATETIME NOT NULL,
    enqueued_at   DATETIME
)`

const createRunsStatusIndex = `
CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs (status, updated_at)`

const runColumns = `id, job_spec, status, attempt_count, result, error_kind, error_detail,
	created_at, started_at, completed_at, updated_at, enqueued_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers anyway; one connection also keeps a
	// :memory: database shared by every caller.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunsStatusIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate runs table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	spec, err := json.Marshal(r.Spec)
	if err != nil {
		return fmt.Errorf("encode job spec: %w", err)
	}
	errKind, errDetail := errorColumns(r.Error)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, spec, r.Status, r.AttemptCount, nullableJSON(r.Result), errKind, errDetail,
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt, r.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	return getRun(ctx, s.db, id)
}

// ListRuns returns a page of runs ordered by created_at DESC, along with the
// total number of runs matching the filter.
func (s *SQLiteStore) ListRuns(ctx context.Context, f ListFilter) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := "", []any{}
	if f.Status != "" {
		where, args = " WHERE status = ?", append(args, f.Status)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// TransitionRun applies a compare-and-set status change. The conditional
// UPDATE and the read of the new row share one transaction.
func (s *SQLiteStore) TransitionRun(ctx context.Context, id, from, to string, u Update) (*model.Run, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	inc := 0
	if u.IncrementAttempt {
		inc = 1
	}
	errKind, errDetail := errorColumns(u.Error)

	result, err := tx.ExecContext(ctx,
		`UPDATE runs SET
			status        = ?,
			attempt_count = attempt_count + ?,
			started_at    = COALESCE(started_at, ?),
			completed_at  = COALESCE(completed_at, ?),
			result        = COALESCE(result, ?),
			error_kind    = COALESCE(error_kind, ?),
			error_detail  = COALESCE(error_detail, ?),
			updated_at    = ?,
			enqueued_at   = CASE WHEN ? THEN NULL ELSE enqueued_at END
		WHERE id = ? AND status = ?`,
		to, inc, u.StartedAt, u.CompletedAt, nullableJSON(u.Result), errKind, errDetail,
		time.Now().UTC(), to == model.StatusPending,
		id, from,
	)
	if err != nil {
		return nil, fmt.Errorf("transition run: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM runs WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("check run exists: %w", err)
		}
		return nil, ErrConflict
	}

	r, err := getRun(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return r, nil
}

// MarkEnqueued sets enqueued_at on a pending run that has none.
func (s *SQLiteStore) MarkEnqueued(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET enqueued_at = ?
		WHERE id = ? AND status = ? AND enqueued_at IS NULL`,
		at.UTC(), id, model.StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark enqueued: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimOrphan moves the marker of an orphaned pending run to at.
func (s *SQLiteStore) ClaimOrphan(ctx context.Context, id string, markedBefore, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET enqueued_at = ?
		WHERE id = ? AND status = ? AND (enqueued_at IS NULL OR enqueued_at < ?)`,
		at.UTC(), id, model.StatusPending, markedBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim orphan: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ClearEnqueued removes the enqueued marker from a pending run.
func (s *SQLiteStore) ClearEnqueued(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET enqueued_at = NULL WHERE id = ? AND status = ?",
		id, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("clear enqueued: %w", err)
	}
	return nil
}

// ResetEnqueued clears the marker of every pending run.
func (s *SQLiteStore) ResetEnqueued(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET enqueued_at = NULL WHERE status = ? AND enqueued_at IS NOT NULL",
		model.StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("reset enqueued: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// ListOrphanedRuns returns pending runs with no live queue delivery.
func (s *SQLiteStore) ListOrphanedRuns(ctx context.Context, unmarkedBefore, markedBefore time.Time, limit int) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE status = ?
			AND ((enqueued_at IS NULL AND updated_at < ?) OR enqueued_at < ?)
		ORDER BY updated_at LIMIT ?`,
		model.StatusPending, unmarkedBefore.UTC(), markedBefore.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphaned runs: %w", err)
	}
	return collectRuns(rows)
}

// ListStaleRuns returns running runs whose last transition is older than olderThan.
func (s *SQLiteStore) ListStaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at LIMIT ?`,
		model.StatusRunning, olderThan.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return collectRuns(rows)
}

// GetRunStats returns aggregate counts across all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
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

	var avgAttempts, avgDuration sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(attempt_count),
			AVG((julianday(completed_at) - julianday(started_at)) * 86400000.0)
		FROM runs WHERE status IN (?, ?)`,
		model.StatusCompleted, model.StatusFailed,
	).Scan(&avgAttempts, &avgDuration)
	if err != nil {
		return nil, fmt.Errorf("average run metrics: %w", err)
	}
	stats.AvgAttempts = avgAttempts.Float64
	stats.AvgDurationMS = avgDuration.Float64

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE status = ? AND enqueued_at IS NULL",
		model.StatusPending,
	).Scan(&stats.AwaitingEnqueue)
	if err != nil {
		return nil, fmt.Errorf("count awaiting enqueue: %w", err)
	}

	return stats, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getRun(ctx context.Context, q queryRower, id string) (*model.Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func scanRun(sc rowScanner) (*model.Run, error) {
	var (
		r         model.Run
		spec      []byte
		result    []byte
		errKind   sql.NullString
		errDetail sql.NullString
	)
	if err := sc.Scan(
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
	if errKind.Valid {
		r.Error = &model.RunError{Kind: model.FailureKind(errKind.String), Detail: errDetail.String}
	}
	return &r, nil
}

func collectRuns(rows *sql.Rows) ([]*model.Run, error) {
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
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
