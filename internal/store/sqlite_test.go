package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/conductor/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRun() *model.Run {
	now := time.Now().UTC()
	return &model.Run{
		ID: model.NewID(),
		Spec: model.JobSpec{
			Workflow: "document-analysis",
			Input:    json.RawMessage(`{"document_id":"doc-1"}`),
			Agents:   []string{"researcher", "writer"},
		},
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func createRun(t *testing.T, s *SQLiteStore, r *model.Run) {
	t.Helper()
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}

func claim(t *testing.T, s *SQLiteStore, id string) *model.Run {
	t.Helper()
	now := time.Now().UTC()
	r, err := s.TransitionRun(context.Background(), id, model.StatusPending, model.StatusRunning,
		Update{IncrementAttempt: true, StartedAt: &now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return r
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	r := makeTestRun()
	createRun(t, s, r)

	got, err := s.GetRun(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", got.AttemptCount)
	}
	if got.Spec.Workflow != r.Spec.Workflow {
		t.Errorf("Workflow = %q, want %q", got.Spec.Workflow, r.Spec.Workflow)
	}
	if string(got.Spec.Input) != string(r.Spec.Input) {
		t.Errorf("Input = %s, want %s", got.Spec.Input, r.Spec.Input)
	}
	if len(got.Spec.Agents) != 2 {
		t.Errorf("Agents = %v, want 2 entries", got.Spec.Agents)
	}
	if got.Result != nil || got.Error != nil {
		t.Errorf("pending run has result %s / error %v", got.Result, got.Error)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("pending run has started_at or completed_at set")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun error = %v, want ErrNotFound", err)
	}
}

func TestListRunsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeTestRun()
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		createRun(t, s, r)
	}

	runs, total, err := s.ListRuns(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(runs) != 2 {
		t.Errorf("len(runs) = %d, want 2", len(runs))
	}

	runs2, _, err := s.ListRuns(ctx, ListFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListRuns page 3: %v", err)
	}
	if len(runs2) != 1 {
		t.Errorf("len(runs) page 3 = %d, want 1", len(runs2))
	}
}

func TestListRunsOrderingAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		r := makeTestRun()
		r.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		createRun(t, s, r)
		ids = append(ids, r.ID)
	}
	claim(t, s, ids[1])

	runs, _, err := s.ListRuns(ctx, ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].CreatedAt.After(runs[i-1].CreatedAt) {
			t.Errorf("runs not in DESC order at %d", i)
		}
	}

	running, total, err := s.ListRuns(ctx, ListFilter{Status: model.StatusRunning, Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns running: %v", err)
	}
	if total != 1 || len(running) != 1 || running[0].ID != ids[1] {
		t.Errorf("running filter = %d runs (total %d), want only %s", len(running), total, ids[1])
	}
}

func TestListRunsEmpty(t *testing.T) {
	s := newTestStore(t)

	runs, total, err := s.ListRuns(context.Background(), ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if runs != nil {
		t.Errorf("runs = %v, want nil", runs)
	}
}

func TestTransitionClaim(t *testing.T) {
	s := newTestStore(t)
	r := makeTestRun()
	createRun(t, s, r)

	got := claim(t, s, r.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if got.StartedAt == nil {
		t.Error("started_at not set by claim")
	}
}

func TestTransitionConflictLeavesRecordUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	createRun(t, s, r)
	claim(t, s, r.ID)

	now := time.Now().UTC()
	_, err := s.TransitionRun(ctx, r.ID, model.StatusPending, model.StatusRunning,
		Update{IncrementAttempt: true, StartedAt: &now})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim error = %v, want ErrConflict", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d after conflict, want 1", got.AttemptCount)
	}
}

func TestTransitionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.TransitionRun(context.Background(), "missing", model.StatusPending, model.StatusRunning, Update{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestTransitionInvalid(t *testing.T) {
	s := newTestStore(t)
	r := makeTestRun()
	createRun(t, s, r)

	_, err := s.TransitionRun(context.Background(), r.ID, model.StatusPending, model.StatusCompleted, Update{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionCompletedSetsResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	createRun(t, s, r)
	claim(t, s, r.ID)

	now := time.Now().UTC()
	got, err := s.TransitionRun(ctx, r.ID, model.StatusRunning, model.StatusCompleted,
		Update{Result: json.RawMessage(`{"summary":"ok"}`), CompletedAt: &now})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if string(got.Result) != `{"summary":"ok"}` {
		t.Errorf("Result = %s", got.Result)
	}
	if got.Error != nil {
		t.Errorf("Error = %v, want nil", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	// Terminal: nothing moves it again.
	_, err = s.TransitionRun(ctx, r.ID, model.StatusRunning, model.StatusFailed,
		Update{Error: &model.RunError{Kind: model.FailureTransient, Detail: "late"}})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("late failure error = %v, want ErrConflict", err)
	}
	after, _ := s.GetRun(ctx, r.ID)
	if after.Status != model.StatusCompleted || after.Error != nil {
		t.Errorf("terminal run changed: status=%q error=%v", after.Status, after.Error)
	}
}

func TestTransitionFailedSetsError(t *testing.T) {
	s := newTestStore(t)
	r := makeTestRun()
	createRun(t, s, r)
	claim(t, s, r.ID)

	now := time.Now().UTC()
	got, err := s.TransitionRun(context.Background(), r.ID, model.StatusRunning, model.StatusFailed,
		Update{Error: &model.RunError{Kind: model.FailurePermanent, Detail: "400 bad input"}, CompletedAt: &now})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Error == nil || got.Error.Kind != model.FailurePermanent || got.Error.Detail != "400 bad input" {
		t.Errorf("Error = %+v", got.Error)
	}
	if got.Result != nil {
		t.Errorf("Result = %s, want nil", got.Result)
	}
}

func TestStartedAtSetOnceAcrossRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	createRun(t, s, r)

	first := claim(t, s, r.ID)

	if _, err := s.TransitionRun(ctx, r.ID, model.StatusRunning, model.StatusPending, Update{}); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second := claim(t, s, r.ID)

	if second.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", second.AttemptCount)
	}
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Errorf("started_at changed from %v to %v", first.StartedAt, second.StartedAt)
	}
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	r := makeTestRun()
	createRun(t, s, r)

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			_, err := s.TransitionRun(context.Background(), r.ID, model.StatusPending, model.StatusRunning,
				Update{IncrementAttempt: true, StartedAt: &now})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != contenders-1 {
		t.Errorf("wins = %d, conflicts = %d; want 1 and %d", wins, conflicts, contenders-1)
	}
	got, _ := s.GetRun(context.Background(), r.ID)
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
}

func TestMarkEnqueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	createRun(t, s, r)

	ok, err := s.MarkEnqueued(ctx, r.ID, time.Now())
	if err != nil || !ok {
		t.Fatalf("first MarkEnqueued = %v, %v; want true", ok, err)
	}
	ok, err = s.MarkEnqueued(ctx, r.ID, time.Now())
	if err != nil || ok {
		t.Fatalf("second MarkEnqueued = %v, %v; want false", ok, err)
	}

	if err := s.ClearEnqueued(ctx, r.ID); err != nil {
		t.Fatalf("ClearEnqueued: %v", err)
	}
	ok, _ = s.MarkEnqueued(ctx, r.ID, time.Now())
	if !ok {
		t.Error("MarkEnqueued after clear = false, want true")
	}

	// Running runs are never marked.
	claim(t, s, r.ID)
	ok, _ = s.MarkEnqueued(ctx, r.ID, time.Now())
	if ok {
		t.Error("MarkEnqueued on running run = true, want false")
	}
}

func TestRequeueClearsEnqueuedMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	createRun(t, s, r)
	if _, err := s.MarkEnqueued(ctx, r.ID, time.Now()); err != nil {
		t.Fatalf("MarkEnqueued: %v", err)
	}
	claim(t, s, r.ID)

	got, err := s.TransitionRun(ctx, r.ID, model.StatusRunning, model.StatusPending, Update{})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if got.EnqueuedAt != nil {
		t.Errorf("EnqueuedAt = %v after requeue, want nil", got.EnqueuedAt)
	}
}

func TestListOrphanedRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := makeTestRun()
	old.UpdatedAt = now.Add(-time.Hour)
	createRun(t, s, old)

	fresh := makeTestRun()
	createRun(t, s, fresh)

	marked := makeTestRun()
	marked.UpdatedAt = now.Add(-time.Hour)
	createRun(t, s, marked)
	if _, err := s.MarkEnqueued(ctx, marked.ID, now); err != nil {
		t.Fatalf("MarkEnqueued: %v", err)
	}

	lost := makeTestRun()
	lost.UpdatedAt = now.Add(-2 * time.Hour)
	createRun(t, s, lost)
	if _, err := s.MarkEnqueued(ctx, lost.ID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkEnqueued: %v", err)
	}

	orphans, err := s.ListOrphanedRuns(ctx, now.Add(-time.Minute), now.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListOrphanedRuns: %v", err)
	}
	ids := orphanIDs(orphans)
	if len(ids) != 2 || ids[0] != lost.ID || ids[1] != old.ID {
		t.Errorf("orphans = %v, want [%s %s]", ids, lost.ID, old.ID)
	}
}

func TestClaimOrphan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-30 * time.Minute)

	r := makeTestRun()
	createRun(t, s, r)

	ok, err := s.ClaimOrphan(ctx, r.ID, cutoff, now)
	if err != nil || !ok {
		t.Fatalf("claim unmarked = %v, %v; want true", ok, err)
	}
	ok, err = s.ClaimOrphan(ctx, r.ID, cutoff, now.Add(time.Second))
	if err != nil || ok {
		t.Fatalf("claim freshly marked = %v, %v; want false", ok, err)
	}

	// A marker older than the cutoff is presumed lost and can be reclaimed once.
	later := now.Add(time.Hour)
	ok, err = s.ClaimOrphan(ctx, r.ID, later.Add(-30*time.Minute), later)
	if err != nil || !ok {
		t.Fatalf("claim stale marker = %v, %v; want true", ok, err)
	}
	ok, _ = s.ClaimOrphan(ctx, r.ID, later.Add(-30*time.Minute), later)
	if ok {
		t.Error("second claim of the same stale marker = true, want false")
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.EnqueuedAt == nil || !got.EnqueuedAt.Equal(later) {
		t.Errorf("EnqueuedAt = %v, want %v", got.EnqueuedAt, later)
	}

	claim(t, s, r.ID)
	if ok, _ := s.ClaimOrphan(ctx, r.ID, later.Add(time.Hour), later.Add(time.Hour)); ok {
		t.Error("ClaimOrphan on running run = true, want false")
	}
}

func TestResetEnqueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b, running := makeTestRun(), makeTestRun(), makeTestRun()
	for _, r := range []*model.Run{a, b, running} {
		createRun(t, s, r)
		if _, err := s.MarkEnqueued(ctx, r.ID, time.Now()); err != nil {
			t.Fatalf("MarkEnqueued: %v", err)
		}
	}
	claim(t, s, running.ID)
	if _, err := s.MarkEnqueued(ctx, running.ID, time.Now()); err != nil {
		t.Fatalf("MarkEnqueued: %v", err)
	}

	n, err := s.ResetEnqueued(ctx)
	if err != nil {
		t.Fatalf("ResetEnqueued: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		if got, _ := s.GetRun(ctx, id); got.EnqueuedAt != nil {
			t.Errorf("run %s still marked after reset", id)
		}
	}
}

func TestListStaleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeTestRun()
	createRun(t, s, r)
	claim(t, s, r.ID)

	stale, err := s.ListStaleRuns(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleRuns: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("fresh claim listed as stale: %v", orphanIDs(stale))
	}

	stale, err = s.ListStaleRuns(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleRuns: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != r.ID {
		t.Errorf("stale = %v, want %s", orphanIDs(stale), r.ID)
	}
}

func TestGetRunStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createRun(t, s, makeTestRun())
	}
	done := makeTestRun()
	createRun(t, s, done)
	claim(t, s, done.ID)
	now := time.Now().UTC().Add(10 * time.Millisecond)
	if _, err := s.TransitionRun(ctx, done.ID, model.StatusRunning, model.StatusCompleted,
		Update{Result: json.RawMessage(`{}`), CompletedAt: &now}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := s.GetRunStats(ctx)
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusPending] != 3 || stats.CountByStatus[model.StatusCompleted] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.AvgAttempts != 1 {
		t.Errorf("AvgAttempts = %v, want 1", stats.AvgAttempts)
	}
	if stats.AvgDurationMS <= 0 {
		t.Errorf("AvgDurationMS = %v, want > 0", stats.AvgDurationMS)
	}
	if stats.AwaitingEnqueue != 3 {
		t.Errorf("AwaitingEnqueue = %d, want 3", stats.AwaitingEnqueue)
	}
}

func orphanIDs(runs []*model.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
