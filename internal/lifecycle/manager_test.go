package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidgen/internal/cache"
	"vidgen/internal/config"
	"vidgen/internal/models"
	"vidgen/internal/queue"
)

func newTestManager(t *testing.T) (*Manager, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb)
	c := cache.New(rdb, time.Second, zap.NewNop())
	cfg := config.Config{
		BaseRenderTime: time.Second,
		MaxRetries:     2,
		StaleTimeout:   time.Millisecond,
		RetentionDays:  0,
	}
	return New(rdb, q, c, nil, cfg, zap.NewNop()), q
}

func singleConfig(topic string) models.JobConfig {
	return models.JobConfig{
		Kind: models.JobTypeSingle,
		Single: &models.SingleConfig{
			Topic:           topic,
			Quality:         models.QualityStandard,
			DurationSeconds: 60,
		},
	}
}

func intPtr(n int) *int { return &n }

func TestCreateAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	cfg := singleConfig("volcanoes")
	created, err := m.CreateJob(ctx, "u1", cfg, models.PriorityHigh)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := m.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.Priority != models.PriorityHigh {
		t.Fatalf("ownership or priority lost: %+v", got)
	}
	if got.Config.Single == nil || got.Config.Single.Topic != "volcanoes" {
		t.Fatalf("configuration lost: %+v", got.Config)
	}
	if got.Status != models.StatusQueued || got.Progress != 0 {
		t.Fatalf("fresh job should be queued at 0%%: %+v", got)
	}
	if got.EstimatedCompletion == nil || !got.EstimatedCompletion.After(got.CreatedAt) {
		t.Fatalf("estimated completion not set: %v", got.EstimatedCompletion)
	}

	ready, processing, err := q.InQueue(ctx, created.ID)
	if err != nil || !ready || processing {
		t.Fatalf("created job must be in the ready queue only: ready=%v processing=%v err=%v", ready, processing, err)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if _, err := m.CreateJob(ctx, "", singleConfig("x"), models.PriorityNormal); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty user: got %v", err)
	}
	bad := models.JobConfig{Kind: models.JobTypeSingle}
	if _, err := m.CreateJob(ctx, "u1", bad, models.PriorityNormal); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad config: got %v", err)
	}
	if _, err := m.CreateJob(ctx, "u1", singleConfig("x"), "critical"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad priority: got %v", err)
	}
}

func TestUpdateStatusValidatesTransitions(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	j, err := m.CreateJob(ctx, "u1", singleConfig("x"), models.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.UpdateStatus(ctx, j.ID, models.StatusCompleted, UpdateOptions{}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("queued -> completed should be invalid, got %v", err)
	}
	if _, err := m.UpdateStatus(ctx, j.ID, models.StatusFailed, UpdateOptions{}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("queued -> failed should be invalid, got %v", err)
	}
	if _, err := m.UpdateStatus(ctx, "missing", models.StatusProcessing, UpdateOptions{}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown job: got %v", err)
	}
	if _, err := m.UpdateStatus(ctx, j.ID, "paused", UpdateOptions{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown status: got %v", err)
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, j.ID, models.StatusProcessing, UpdateOptions{}); err != nil {
		t.Fatalf("queued -> processing: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, j.ID, models.StatusCompleted, UpdateOptions{}); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, j.ID, models.StatusProcessing, UpdateOptions{}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("completed is terminal, got %v", err)
	}
}

func TestProgressMonotonicAndStages(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	j, _ := m.CreateJob(ctx, "u1", singleConfig("x"), models.PriorityNormal)
	_, _ = q.Dequeue(ctx)

	upd, err := m.UpdateStatus(ctx, j.ID, models.StatusProcessing, UpdateOptions{Progress: intPtr(50), Stage: "script"})
	if err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if upd.Progress != 50 || upd.CurrentStage != "script" {
		t.Fatalf("progress/stage not applied: %+v", upd)
	}
	if upd.StartedAt == nil {
		t.Fatal("started_at not stamped on first processing entry")
	}

	// Regressing progress is ignored; the periodic processing report itself
	// must succeed.
	upd, err = m.UpdateStatus(ctx, j.ID, models.StatusProcessing, UpdateOptions{Progress: intPtr(30), Stage: "script"})
	if err != nil {
		t.Fatalf("repeated processing update: %v", err)
	}
	if upd.Progress != 50 {
		t.Fatalf("progress regressed to %d", upd.Progress)
	}
	if len(upd.CompletedStages) != 1 {
		t.Fatalf("stage recorded twice: %v", upd.CompletedStages)
	}

	// Out-of-range progress caps at 99; 100 is reserved for completion.
	upd, err = m.UpdateStatus(ctx, j.ID, models.StatusProcessing, UpdateOptions{Progress: intPtr(150), Stage: "render"})
	if err != nil {
		t.Fatalf("repeated processing update: %v", err)
	}
	if upd.Progress != 99 {
		t.Fatalf("non-terminal progress = %d, want cap at 99", upd.Progress)
	}
	if len(upd.CompletedStages) != 2 {
		t.Fatalf("new stage not appended: %v", upd.CompletedStages)
	}

	upd, err = m.UpdateStatus(ctx, j.ID, models.StatusCompleted, UpdateOptions{Progress: intPtr(90)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if upd.Progress != 100 {
		t.Fatalf("completion must force progress to 100, got %d", upd.Progress)
	}
}

func TestTimestampOrdering(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	j, _ := m.CreateJob(ctx, "u1", singleConfig("x"), models.PriorityNormal)
	_, _ = q.Dequeue(ctx)
	_, _ = m.UpdateStatus(ctx, j.ID, models.StatusProcessing, UpdateOptions{})
	done, err := m.UpdateStatus(ctx, j.ID, models.StatusCompleted, UpdateOptions{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", done)
	}
	if done.StartedAt.Before(done.CreatedAt) || done.CompletedAt.Before(*done.StartedAt) {
		t.Fatalf("want created <= started <= completed, got %v / %v / %v",
			done.CreatedAt, done.StartedAt, done.CompletedAt)
	}
	if done.Metrics == nil || done.Metrics.ProcessingTime < 0 || done.Metrics.QueueTime < 0 {
		t.Fatalf("derived timing metrics missing: %+v", done.Metrics)
	}
}

func TestCancelConflictOnSecondCall(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	j, _ := m.CreateJob(ctx, "u1", singleConfig("x"), models.PriorityNormal)
	if err := m.CancelJob(ctx, j.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := m.CancelJob(ctx, j.ID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second cancel should conflict, got %v", err)
	}

	got, _ := m.GetJob(ctx, j.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	// Cancelling a queued-but-not-dequeued job must also clear the ready list.
	ready, processing, err := q.InQueue(ctx, j.ID)
	if err != nil || ready || processing {
		t.Fatalf("cancelled job still reachable: ready=%v processing=%v err=%v", ready, processing, err)
	}
}

func failOnce(t *testing.T, ctx context.Context, m *Manager, q *queue.Queue, id string) {
	t.Helper()
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, id, models.StatusProcessing, UpdateOptions{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, id, models.StatusFailed, UpdateOptions{
		Error: &models.JobError{Code: models.ErrCodeWorker, Message: "render crashed"},
	}); err != nil {
		t.Fatalf("to failed: %v", err)
	}
}

func TestRetryBudget(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	j, _ := m.CreateJob(ctx, "u1", singleConfig("x"), models.PriorityNormal)

	// Retry before any failure is a conflict.
	if err := m.RetryJob(ctx, j.ID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("retry of queued job: got %v", err)
	}

	failOnce(t, ctx, m, q, j.ID)
	got, _ := m.GetJob(ctx, j.ID)
	if got.Error == nil || got.Error.Code != models.ErrCodeWorker {
		t.Fatalf("failed job should carry an error record: %+v", got.Error)
	}
	if got.MaxRetries != 2 {
		t.Fatalf("retry budget = %d, want 2", got.MaxRetries)
	}

	// First retry clears the error record and keeps the budget.
	if err := m.RetryJob(ctx, j.ID); err != nil {
		t.Fatalf("retry 1: %v", err)
	}
	got, _ = m.GetJob(ctx, j.ID)
	if got.Status != models.StatusQueued || got.Progress != 0 || got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("retry should reset progress and timestamps: %+v", got)
	}
	if got.Error != nil {
		t.Fatalf("error record should clear on retry: %+v", got.Error)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if ready, _, _ := q.InQueue(ctx, j.ID); !ready {
		t.Fatal("retried job not re-enqueued")
	}

	// Second retry exhausts the budget.
	failOnce(t, ctx, m, q, j.ID)
	if err := m.RetryJob(ctx, j.ID); err != nil {
		t.Fatalf("retry 2: %v", err)
	}
	failOnce(t, ctx, m, q, j.ID)
	if err := m.RetryJob(ctx, j.ID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("retry past budget should conflict, got %v", err)
	}
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	j, _ := m.CreateJob(ctx, "u1", singleConfig("x"), models.PriorityNormal)
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, j.ID, models.StatusProcessing, UpdateOptions{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // exceed the 1ms stale timeout

	reclaimed, err := m.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != j.ID {
		t.Fatalf("reclaimed %v, want [%s]", reclaimed, j.ID)
	}
	got, _ := m.GetJob(ctx, j.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Code != models.ErrCodeTimeout {
		t.Fatalf("error code = %+v, want Timeout", got.Error)
	}
	if _, processing, _ := q.InQueue(ctx, j.ID); processing {
		t.Fatal("reclaimed job still in processing set")
	}
}

func TestRequeueLost(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	lost, _ := m.CreateJob(ctx, "u1", singleConfig("x"), models.PriorityNormal)
	healthy, _ := m.CreateJob(ctx, "u1", singleConfig("y"), models.PriorityNormal)

	// A consumer that pops and dies before reporting leaves the record with
	// status=queued but reachable from no queue structure.
	if id, err := q.Dequeue(ctx); err != nil || id != lost.ID {
		t.Fatalf("dequeue: %q %v", id, err)
	}
	if err := q.FinishProcessing(ctx, lost.ID); err != nil {
		t.Fatalf("drop claim: %v", err)
	}
	if ready, processing, _ := q.InQueue(ctx, lost.ID); ready || processing {
		t.Fatal("setup: job should be unreachable")
	}

	requeued, err := m.RequeueLost(ctx)
	if err != nil {
		t.Fatalf("requeue lost: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != lost.ID {
		t.Fatalf("requeued %v, want [%s]", requeued, lost.ID)
	}
	if ready, _, _ := q.InQueue(ctx, lost.ID); !ready {
		t.Fatal("lost job not back in the ready queue")
	}
	// The healthy job keeps its single queue entry.
	if pos, _ := q.Position(ctx, healthy.ID); pos != 0 {
		t.Fatalf("healthy job position = %d, want 0", pos)
	}
	depths, _ := q.Depths(ctx)
	if depths[models.PriorityNormal] != 2 {
		t.Fatalf("normal tier depth = %d, want 2", depths[models.PriorityNormal])
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t) // retention 0: terminal jobs expire immediately

	j, _ := m.CreateJob(ctx, "u1", singleConfig("x"), models.PriorityNormal)
	_, _ = q.Dequeue(ctx)
	_, _ = m.UpdateStatus(ctx, j.ID, models.StatusProcessing, UpdateOptions{})
	if _, err := m.UpdateStatus(ctx, j.ID, models.StatusCompleted, UpdateOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A live job must survive the sweep.
	live, _ := m.CreateJob(ctx, "u1", singleConfig("y"), models.PriorityNormal)

	time.Sleep(2 * time.Millisecond)
	removed, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if _, err := m.GetJob(ctx, j.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("swept job still present: %v", err)
	}
	if _, err := m.GetJob(ctx, live.ID); err != nil {
		t.Fatalf("live job swept: %v", err)
	}
	jobs, total, err := m.ListJobs(ctx, "u1", Filters{}, 10, 0)
	if err != nil || total != 1 || len(jobs) != 1 || jobs[0].ID != live.ID {
		t.Fatalf("user index not cleaned: total=%d err=%v", total, err)
	}
}

func TestListJobsFiltersAndPagination(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := m.CreateJob(ctx, "u1", singleConfig("topic"), models.PriorityNormal)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, j.ID)
		time.Sleep(time.Millisecond)
	}
	// Another user's job never shows up.
	_, _ = m.CreateJob(ctx, "u2", singleConfig("other"), models.PriorityNormal)

	jobs, total, err := m.ListJobs(ctx, "u1", Filters{}, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(jobs) != 2 {
		t.Fatalf("total=%d page=%d, want 5/2", total, len(jobs))
	}
	if jobs[0].ID != ids[4] {
		t.Fatal("expected newest job first")
	}

	// Move one job to processing and filter by status.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := m.UpdateStatus(ctx, ids[0], models.StatusProcessing, UpdateOptions{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	jobs, total, _ = m.ListJobs(ctx, "u1", Filters{Status: models.StatusProcessing}, 10, 0)
	if total != 1 || jobs[0].ID != ids[0] {
		t.Fatalf("status filter broken: total=%d", total)
	}

	// Soft-deleted jobs disappear from listings.
	if err := m.SoftDeleteJob(ctx, ids[1]); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	_, total, _ = m.ListJobs(ctx, "u1", Filters{}, 10, 0)
	if total != 4 {
		t.Fatalf("soft-deleted job still listed: total=%d", total)
	}
	// But the record itself survives for audit.
	got, err := m.GetJob(ctx, ids[1])
	if err != nil || !got.Deleted || got.DeletedAt == nil {
		t.Fatalf("soft-deleted record lost: %+v err=%v", got, err)
	}
}

func TestBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	cfg := models.BatchConfig{
		Template: models.SingleConfig{Quality: models.QualityDraft, DurationSeconds: 30, Topic: "placeholder"},
		Topics:   []string{"rivers", "glaciers", "deserts"},
	}
	batch, jobs, err := m.CreateBatch(ctx, "u1", cfg, models.PriorityUrgent)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if len(jobs) != 3 || len(batch.JobIDs) != 3 {
		t.Fatalf("expected 3 member jobs, got %d", len(jobs))
	}
	for i, j := range jobs {
		if j.Config.Single.Topic != cfg.Topics[i] {
			t.Fatalf("member %d topic = %q, want %q", i, j.Config.Single.Topic, cfg.Topics[i])
		}
	}

	_, status, _, err := m.GetBatch(ctx, batch.BatchID)
	if err != nil || status != models.BatchQueued {
		t.Fatalf("fresh batch status = %s err=%v, want queued", status, err)
	}

	// Complete every member.
	for range jobs {
		id, err := q.Dequeue(ctx)
		if err != nil || id == "" {
			t.Fatalf("dequeue member: %q %v", id, err)
		}
		if _, err := m.UpdateStatus(ctx, id, models.StatusProcessing, UpdateOptions{}); err != nil {
			t.Fatalf("to processing: %v", err)
		}
		if _, err := m.UpdateStatus(ctx, id, models.StatusCompleted, UpdateOptions{}); err != nil {
			t.Fatalf("to completed: %v", err)
		}
	}
	_, status, _, _ = m.GetBatch(ctx, batch.BatchID)
	if status != models.BatchCompleted {
		t.Fatalf("batch status = %s, want completed", status)
	}
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	m, q := newTestManager(t)

	// Fill the normal tier first, then an urgent job jumps the line.
	_, _ = m.CreateJob(ctx, "u1", singleConfig("first"), models.PriorityNormal)
	urgent, err := m.CreateJob(ctx, "u1", singleConfig("breaking news"), models.PriorityUrgent)
	if err != nil {
		t.Fatalf("create urgent: %v", err)
	}

	head, err := q.Peek(ctx)
	if err != nil || head != urgent.ID {
		t.Fatalf("urgent job not at queue head: %q err=%v", head, err)
	}
	id, err := q.Dequeue(ctx)
	if err != nil || id != urgent.ID {
		t.Fatalf("dequeue: %q err=%v", id, err)
	}

	if _, err := m.UpdateStatus(ctx, id, models.StatusProcessing, UpdateOptions{
		Progress: intPtr(10), Stage: "rendering",
	}); err != nil {
		t.Fatalf("processing update: %v", err)
	}
	done, err := m.UpdateStatus(ctx, id, models.StatusCompleted, UpdateOptions{
		Progress: intPtr(100), Stage: "done",
	})
	if err != nil {
		t.Fatalf("completed update: %v", err)
	}
	if done.Progress != 100 {
		t.Fatalf("progress = %d, want 100", done.Progress)
	}
	if _, processing, _ := q.InQueue(ctx, id); processing {
		t.Fatal("completed job still in processing set")
	}
	if err := m.CancelJob(ctx, id); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("cancel of completed job should conflict, got %v", err)
	}
}
