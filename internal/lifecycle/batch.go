package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vidgen/internal/kv"
	"vidgen/internal/models"
	"vidgen/internal/queue"
	"vidgen/internal/store"
	"vidgen/internal/telemetry"
)

// CreateBatch creates one job per topic plus the batch record, all in a
// single atomic batch against the store.
func (m *Manager) CreateBatch(ctx context.Context, userID string, cfg models.BatchConfig, priority models.Priority) (*models.Batch, []*models.Job, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: user_id is required", models.ErrValidation)
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown priority %q", models.ErrValidation, priority)
	}
	wrapper := models.JobConfig{Kind: models.JobTypeBatch, Batch: &cfg}
	if err := wrapper.Validate(); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	batch := &models.Batch{
		BatchID:   uuid.NewString(),
		UserID:    userID,
		Priority:  priority,
		CreatedAt: now,
	}
	jobs := make([]*models.Job, 0, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		member := cfg.Template
		member.Topic = topic
		jc := models.JobConfig{Kind: models.JobTypeSingle, Single: &member}
		eta := now.Add(jc.EstimateDuration(m.baseRenderTime))
		j := &models.Job{
			ID:                  uuid.NewString(),
			UserID:              userID,
			JobType:             models.JobTypeSingle,
			Priority:            priority,
			Config:              jc,
			Status:              models.StatusQueued,
			MaxRetries:          m.maxRetries,
			CreatedAt:           now,
			UpdatedAt:           now,
			EstimatedCompletion: &eta,
		}
		jobs = append(jobs, j)
		batch.JobIDs = append(batch.JobIDs, j.ID)
	}

	batchFields, err := store.BatchFields(batch)
	if err != nil {
		return nil, nil, err
	}
	pipe := m.rdb.TxPipeline()
	for _, j := range jobs {
		fields, err := store.Fields(j)
		if err != nil {
			return nil, nil, err
		}
		pipe.HSet(ctx, store.JobKey(j.ID), fields)
		queue.EnqueuePipelined(ctx, pipe, j.ID, priority)
		pipe.SAdd(ctx, store.UserJobsKey(userID), j.ID)
	}
	pipe.HSet(ctx, store.BatchKey(batch.BatchID), batchFields)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, kv.Wrap("create batch", err)
	}

	for _, j := range jobs {
		telemetry.JobsCreated.Inc()
		m.publish(ctx, kv.EventJobCreated, j)
	}
	if m.cache != nil {
		m.cache.InvalidateUser(ctx, userID)
		m.cache.InvalidateSystem(ctx)
	}
	return batch, jobs, nil
}

// GetBatch loads a batch with its member jobs and derived aggregate status.
func (m *Manager) GetBatch(ctx context.Context, batchID string) (*models.Batch, models.BatchStatus, []*models.Job, error) {
	b, err := m.batches.Get(ctx, batchID)
	if err != nil {
		return nil, "", nil, err
	}
	jobs, err := m.jobs.GetMany(ctx, b.JobIDs)
	if err != nil {
		return nil, "", nil, err
	}
	return b, models.DeriveBatchStatus(jobs), jobs, nil
}
