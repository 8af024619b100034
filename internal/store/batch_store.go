package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vidgen/internal/kv"
	"vidgen/internal/models"
)

// BatchStore persists batch records as hashes under batches:{id}.
type BatchStore struct {
	rdb *redis.Client
}

func NewBatchStore(rdb *redis.Client) *BatchStore {
	return &BatchStore{rdb: rdb}
}

// BatchFields flattens a batch for inclusion in an atomic create batch.
func BatchFields(b *models.Batch) (map[string]any, error) {
	ids, err := json.Marshal(b.JobIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch job ids: %w", err)
	}
	return map[string]any{
		"batch_id":   b.BatchID,
		"user_id":    b.UserID,
		"job_ids":    string(ids),
		"priority":   string(b.Priority),
		"created_at": b.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *BatchStore) Put(ctx context.Context, b *models.Batch) error {
	fields, err := BatchFields(b)
	if err != nil {
		return err
	}
	return kv.Wrap("put batch", s.rdb.HSet(ctx, BatchKey(b.BatchID), fields).Err())
}

func (s *BatchStore) Get(ctx context.Context, id string) (*models.Batch, error) {
	m, err := s.rdb.HGetAll(ctx, BatchKey(id)).Result()
	if err != nil {
		return nil, kv.Wrap("get batch", err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	b := &models.Batch{
		BatchID:  m["batch_id"],
		UserID:   m["user_id"],
		Priority: models.Priority(m["priority"]),
	}
	if b.Priority == "" {
		b.Priority = models.PriorityNormal
	}
	if raw := m["job_ids"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &b.JobIDs); err != nil {
			return nil, fmt.Errorf("unmarshal batch %s job ids: %w", id, err)
		}
	}
	if raw := m["created_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse batch %s created_at: %w", id, err)
		}
		b.CreatedAt = t
	}
	return b, nil
}
