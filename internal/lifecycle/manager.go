// Package lifecycle implements the job state machine and coordinates the
// record store, queue, and user index as one logical unit. Every mutation
// that touches more than one structure runs as a single atomic batch against
// the store so no caller can observe a half-applied job.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidgen/internal/cache"
	"vidgen/internal/config"
	"vidgen/internal/kv"
	"vidgen/internal/models"
	"vidgen/internal/queue"
	"vidgen/internal/store"
	"vidgen/internal/telemetry"
)

const sweepBatch = 100

// Archiver receives terminal jobs before the retention sweep hard-deletes
// them. A nil Archiver means expired jobs are removed without an audit copy.
type Archiver interface {
	Insert(ctx context.Context, j *models.Job) error
}

// Manager owns all job mutations. Handlers and workers go through it; the
// record store is never written directly.
type Manager struct {
	rdb     *redis.Client
	jobs    *store.JobStore
	users   *store.UserIndex
	batches *store.BatchStore
	queue   *queue.Queue
	cache   *cache.Cache
	bus     *kv.Bus
	archive Archiver
	log     *zap.Logger

	baseRenderTime time.Duration
	maxRetries     int
	staleTimeout   time.Duration
	retention      time.Duration
}

// New wires a manager over an already-connected store.
func New(rdb *redis.Client, q *queue.Queue, c *cache.Cache, arch Archiver, cfg config.Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		rdb:            rdb,
		jobs:           store.NewJobStore(rdb),
		users:          store.NewUserIndex(rdb),
		batches:        store.NewBatchStore(rdb),
		queue:          q,
		cache:          c,
		bus:            kv.NewBus(rdb),
		archive:        arch,
		log:            log,
		baseRenderTime: cfg.BaseRenderTime,
		maxRetries:     cfg.MaxRetries,
		staleTimeout:   cfg.StaleTimeout,
		retention:      time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
}

// CreateJob allocates a job, writes the record, inserts the queue entry, and
// updates the user index in one atomic batch. The created event is published
// only after the batch commits.
func (m *Manager) CreateJob(ctx context.Context, userID string, cfg models.JobConfig, priority models.Priority) (*models.Job, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrValidation)
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", models.ErrValidation, priority)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	eta := now.Add(cfg.EstimateDuration(m.baseRenderTime))
	j := &models.Job{
		ID:                  uuid.NewString(),
		UserID:              userID,
		JobType:             cfg.Kind,
		Priority:            priority,
		Config:              cfg,
		Status:              models.StatusQueued,
		MaxRetries:          m.maxRetries,
		CreatedAt:           now,
		UpdatedAt:           now,
		EstimatedCompletion: &eta,
	}

	fields, err := store.Fields(j)
	if err != nil {
		return nil, err
	}
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, store.JobKey(j.ID), fields)
	queue.EnqueuePipelined(ctx, pipe, j.ID, priority)
	pipe.SAdd(ctx, store.UserJobsKey(userID), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, kv.Wrap("create job", err)
	}

	telemetry.JobsCreated.Inc()
	m.publish(ctx, kv.EventJobCreated, j)
	m.invalidate(ctx, j)
	return j, nil
}

// GetJob loads a job by id.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return m.jobs.Get(ctx, jobID)
}

// UpdateOptions carries the optional fields of a status update.
type UpdateOptions struct {
	Progress *int
	Stage    string
	Error    *models.JobError
	Metrics  *models.JobMetrics
}

// UpdateStatus validates the transition against the state table and applies
// its side effects: StartedAt on first entry into processing, CompletedAt
// and queue removal on terminal entry, error record on failure, progress
// clamping, and stage bookkeeping.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, next models.Status, opts UpdateOptions) (*models.Job, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, next)
	}
	j, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(j.Status, next) {
		return nil, fmt.Errorf("%s -> %s: %w", j.Status, next, models.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	prev := j.Status
	j.Status = next
	j.UpdatedAt = now

	if opts.Progress != nil {
		p := *opts.Progress
		if p < 0 {
			p = 0
		}
		// 100 is reserved for completion; anything else caps at 99.
		if p > 99 && next != models.StatusCompleted {
			p = 99
		}
		if p > 100 {
			p = 100
		}
		// Progress never regresses across successive updates.
		if p > j.Progress {
			j.Progress = p
		}
	}
	if opts.Stage != "" {
		j.CurrentStage = opts.Stage
		if !j.StageSeen(opts.Stage) {
			j.CompletedStages = append(j.CompletedStages, opts.Stage)
		}
	}
	if opts.Metrics != nil {
		mergeMetrics(j, opts.Metrics)
	}

	if prev == models.StatusQueued && next == models.StatusProcessing && j.StartedAt == nil {
		j.StartedAt = &now
		ensureMetrics(j).QueueTime = now.Sub(j.CreatedAt)
	}

	if next.Terminal() {
		if j.CompletedAt == nil {
			j.CompletedAt = &now
		}
		if j.StartedAt != nil {
			ensureMetrics(j).ProcessingTime = now.Sub(*j.StartedAt)
		}
		if next == models.StatusCompleted {
			j.Progress = 100
		}
		if next == models.StatusFailed {
			if opts.Error != nil {
				j.Error = opts.Error
			} else if j.Error == nil {
				j.Error = &models.JobError{Code: models.ErrCodeUnknown, Message: "job failed"}
			}
			if j.MaxRetries == 0 {
				j.MaxRetries = m.maxRetries
			}
		}
	}

	fields, err := store.Fields(j)
	if err != nil {
		return nil, err
	}
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, store.JobKey(j.ID), fields)
	if next.Terminal() {
		// Terminal jobs must be unreachable from both queue structures.
		queue.RemovePipelined(ctx, pipe, j.ID)
		pipe.ZAdd(ctx, store.TerminalKey, redis.Z{
			Score:  float64(j.CompletedAt.UnixMilli()),
			Member: j.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, kv.Wrap("update job status", err)
	}

	switch next {
	case models.StatusCompleted:
		telemetry.JobsCompleted.Inc()
	case models.StatusFailed:
		telemetry.JobsFailed.Inc()
	case models.StatusCancelled:
		telemetry.JobsCancelled.Inc()
	}
	m.publish(ctx, kv.EventJobStatusChanged, j)
	m.invalidate(ctx, j)
	return j, nil
}

// CancelJob cancels a queued or processing job. Terminal jobs report a
// conflict so a second cancel of the same job fails cleanly.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	j, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s already %s: %w", jobID, j.Status, models.ErrConflict)
	}
	_, err = m.UpdateStatus(ctx, jobID, models.StatusCancelled, UpdateOptions{})
	return err
}

// RetryJob re-enqueues a failed job while retries remain in its budget. It
// clears the error record, resets progress, stages, and timestamps, and
// increments the retry count.
func (m *Manager) RetryJob(ctx context.Context, jobID string) error {
	j, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != models.StatusFailed {
		return fmt.Errorf("job %s is %s, not failed: %w", jobID, j.Status, models.ErrConflict)
	}
	if !j.Retryable() {
		return fmt.Errorf("job %s retry budget exhausted: %w", jobID, models.ErrConflict)
	}

	now := time.Now().UTC()
	j.RetryCount++
	j.Error = nil
	j.Status = models.StatusQueued
	j.Progress = 0
	j.CurrentStage = ""
	j.CompletedStages = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now
	eta := now.Add(j.Config.EstimateDuration(m.baseRenderTime))
	j.EstimatedCompletion = &eta

	fields, err := store.Fields(j)
	if err != nil {
		return err
	}
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, store.JobKey(j.ID), fields)
	pipe.ZRem(ctx, store.TerminalKey, j.ID)
	queue.EnqueuePipelined(ctx, pipe, j.ID, j.Priority)
	if _, err := pipe.Exec(ctx); err != nil {
		return kv.Wrap("retry job", err)
	}

	telemetry.JobsRetried.Inc()
	m.publish(ctx, kv.EventJobStatusChanged, j)
	m.invalidate(ctx, j)
	return nil
}

// SoftDeleteJob marks a job deleted without touching queue or index; the
// record stays for audit and is excluded from listings until the retention
// sweep hard-deletes it.
func (m *Manager) SoftDeleteJob(ctx context.Context, jobID string) error {
	j, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Deleted = true
	j.DeletedAt = &now
	j.UpdatedAt = now
	if err := m.jobs.Update(ctx, j); err != nil {
		return err
	}
	m.invalidate(ctx, j)
	return nil
}

// Filters narrows ListJobs output.
type Filters struct {
	Status  models.Status
	JobType models.JobType
}

// ListJobs returns a user's jobs newest-first with the total matching count.
// Soft-deleted jobs are excluded.
func (m *Manager) ListJobs(ctx context.Context, userID string, f Filters, limit, offset int) ([]*models.Job, int, error) {
	ids, err := m.users.Members(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	all, err := m.jobs.GetMany(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	filtered := all[:0]
	for _, j := range all {
		if j.Deleted {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.JobType != "" && j.JobType != f.JobType {
			continue
		}
		filtered = append(filtered, j)
	}
	sortByCreatedDesc(filtered)
	total := len(filtered)
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func sortByCreatedDesc(jobs []*models.Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobs[k].CreatedAt.After(jobs[k-1].CreatedAt); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

func ensureMetrics(j *models.Job) *models.JobMetrics {
	if j.Metrics == nil {
		j.Metrics = &models.JobMetrics{}
	}
	return j.Metrics
}

// mergeMetrics applies incremental worker-reported usage, keeping existing
// values where the update reports none.
func mergeMetrics(j *models.Job, upd *models.JobMetrics) {
	dst := ensureMetrics(j)
	if upd.CPUPercent != 0 {
		dst.CPUPercent = upd.CPUPercent
	}
	if upd.MemoryMB != 0 {
		dst.MemoryMB = upd.MemoryMB
	}
	if upd.DiskMB != 0 {
		dst.DiskMB = upd.DiskMB
	}
	if upd.NetworkKB != 0 {
		dst.NetworkKB = upd.NetworkKB
	}
	if upd.QueueTime != 0 {
		dst.QueueTime = upd.QueueTime
	}
	if upd.ProcessingTime != 0 {
		dst.ProcessingTime = upd.ProcessingTime
	}
}

// publish emits a post-commit event. Failures are logged, never surfaced:
// the mutation has already committed.
func (m *Manager) publish(ctx context.Context, eventType string, j *models.Job) {
	ev := kv.Event{
		Type:   eventType,
		JobID:  j.ID,
		UserID: j.UserID,
		Status: j.Status,
		At:     j.UpdatedAt,
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Warn("event publish failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// invalidate evicts cached reads affected by a job mutation. Best-effort.
func (m *Manager) invalidate(ctx context.Context, j *models.Job) {
	if m.cache == nil {
		return
	}
	m.cache.InvalidateJob(ctx, j.ID)
	m.cache.InvalidateUser(ctx, j.UserID)
	m.cache.InvalidateSystem(ctx)
}

// errIsNotFound narrows store errors for maintenance paths that tolerate
// missing records.
func errIsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
