// Package store implements CRUD over per-job hash records and the set-based
// user ownership index. It owns serialization of job fields; all defaults
// for missing optional fields are applied in one place so the schema can
// evolve without breaking old records.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vidgen/internal/kv"
	"vidgen/internal/models"
)

// JobStore persists job records as flat hashes under jobs:{id}.
type JobStore struct {
	rdb *redis.Client
}

func NewJobStore(rdb *redis.Client) *JobStore {
	return &JobStore{rdb: rdb}
}

// Create writes a full record. The lifecycle manager normally folds this
// into its own transaction via Fields; Create exists for standalone use.
func (s *JobStore) Create(ctx context.Context, j *models.Job) error {
	fields, err := Fields(j)
	if err != nil {
		return err
	}
	return kv.Wrap("create job record", s.rdb.HSet(ctx, JobKey(j.ID), fields).Err())
}

// Get loads a job by id, returning models.ErrNotFound for unknown ids.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	m, err := s.rdb.HGetAll(ctx, JobKey(id)).Result()
	if err != nil {
		return nil, kv.Wrap("get job record", err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return jobFromHash(m)
}

// GetMany loads several jobs in one round trip, skipping missing ids.
func (s *JobStore) GetMany(ctx context.Context, ids []string) ([]*models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, JobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, kv.Wrap("get job records", err)
	}
	jobs := make([]*models.Job, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		j, err := jobFromHash(m)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Exists reports whether a record is present.
func (s *JobStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, JobKey(id)).Result()
	if err != nil {
		return false, kv.Wrap("job exists", err)
	}
	return n > 0, nil
}

// Update overwrites the record with the job's current fields.
func (s *JobStore) Update(ctx context.Context, j *models.Job) error {
	fields, err := Fields(j)
	if err != nil {
		return err
	}
	return kv.Wrap("update job record", s.rdb.HSet(ctx, JobKey(j.ID), fields).Err())
}

// Delete removes the record. Removing an absent record is a no-op.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	return kv.Wrap("delete job record", s.rdb.Del(ctx, JobKey(id)).Err())
}

// Fields flattens a job into hash fields. Scalars are stored as strings,
// structured values as JSON. Exposed so the lifecycle manager can fold the
// write into an atomic multi-command batch.
func Fields(j *models.Job) (map[string]any, error) {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	fields := map[string]any{
		"id":          j.ID,
		"user_id":     j.UserID,
		"job_type":    string(j.JobType),
		"priority":    string(j.Priority),
		"config":      string(cfg),
		"status":      string(j.Status),
		"progress":    strconv.Itoa(j.Progress),
		"stage":       j.CurrentStage,
		"created_at":  formatTime(j.CreatedAt),
		"updated_at":  formatTime(j.UpdatedAt),
		"retry_count": strconv.Itoa(j.RetryCount),
		"max_retries": strconv.Itoa(j.MaxRetries),
		"deleted":     strconv.FormatBool(j.Deleted),
	}
	if len(j.CompletedStages) > 0 {
		stages, err := json.Marshal(j.CompletedStages)
		if err != nil {
			return nil, fmt.Errorf("marshal stages: %w", err)
		}
		fields["completed_stages"] = string(stages)
	} else {
		fields["completed_stages"] = ""
	}
	fields["started_at"] = formatTimePtr(j.StartedAt)
	fields["completed_at"] = formatTimePtr(j.CompletedAt)
	fields["deleted_at"] = formatTimePtr(j.DeletedAt)
	fields["estimated_completion"] = formatTimePtr(j.EstimatedCompletion)
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal error record: %w", err)
		}
		fields["error"] = string(b)
	} else {
		fields["error"] = ""
	}
	if j.Metrics != nil {
		b, err := json.Marshal(j.Metrics)
		if err != nil {
			return nil, fmt.Errorf("marshal metrics: %w", err)
		}
		fields["metrics"] = string(b)
	} else {
		fields["metrics"] = ""
	}
	return fields, nil
}

// jobFromHash is the single deserialization routine for job records. Missing
// optional fields default here so call sites never reason about schema gaps.
func jobFromHash(m map[string]string) (*models.Job, error) {
	j := &models.Job{
		ID:           m["id"],
		UserID:       m["user_id"],
		JobType:      models.JobType(m["job_type"]),
		Priority:     models.Priority(m["priority"]),
		Status:       models.Status(m["status"]),
		CurrentStage: m["stage"],
	}
	if j.JobType == "" {
		j.JobType = models.JobTypeSingle
	}
	if j.Priority == "" {
		j.Priority = models.PriorityNormal
	}
	if j.Status == "" {
		j.Status = models.StatusQueued
	}
	if raw := m["config"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config for job %s: %w", j.ID, err)
		}
	}
	if raw := m["progress"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse progress for job %s: %w", j.ID, err)
		}
		j.Progress = n
	}
	if raw := m["retry_count"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse retry_count for job %s: %w", j.ID, err)
		}
		j.RetryCount = n
	}
	if raw := m["max_retries"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse max_retries for job %s: %w", j.ID, err)
		}
		j.MaxRetries = n
	}
	if raw := m["completed_stages"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.CompletedStages); err != nil {
			return nil, fmt.Errorf("unmarshal stages for job %s: %w", j.ID, err)
		}
	}
	var err error
	if j.CreatedAt, err = parseTime(m["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(m["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at for job %s: %w", j.ID, err)
	}
	if j.StartedAt, err = parseTimePtr(m["started_at"]); err != nil {
		return nil, fmt.Errorf("parse started_at for job %s: %w", j.ID, err)
	}
	if j.CompletedAt, err = parseTimePtr(m["completed_at"]); err != nil {
		return nil, fmt.Errorf("parse completed_at for job %s: %w", j.ID, err)
	}
	if j.DeletedAt, err = parseTimePtr(m["deleted_at"]); err != nil {
		return nil, fmt.Errorf("parse deleted_at for job %s: %w", j.ID, err)
	}
	if j.EstimatedCompletion, err = parseTimePtr(m["estimated_completion"]); err != nil {
		return nil, fmt.Errorf("parse estimated_completion for job %s: %w", j.ID, err)
	}
	if raw := m["error"]; raw != "" {
		j.Error = &models.JobError{}
		if err := json.Unmarshal([]byte(raw), j.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error record for job %s: %w", j.ID, err)
		}
	}
	if raw := m["metrics"]; raw != "" {
		j.Metrics = &models.JobMetrics{}
		if err := json.Unmarshal([]byte(raw), j.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics for job %s: %w", j.ID, err)
		}
	}
	j.Deleted = m["deleted"] == "true"
	return j, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func parseTimePtr(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
