package lifecycle

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidgen/internal/kv"
	"vidgen/internal/models"
	"vidgen/internal/queue"
	"vidgen/internal/store"
	"vidgen/internal/telemetry"
)

// ReclaimStale finds jobs whose processing claim is older than the stale
// timeout, removes the claim, and marks each job failed with a Timeout error
// so it can be retried manually. Failures on individual jobs are logged and
// retried on the next sweep.
func (m *Manager) ReclaimStale(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-m.staleTimeout)
	ids, err := m.queue.ReclaimStale(ctx, cutoff, sweepBatch)
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		j, err := m.jobs.Get(ctx, id)
		if err != nil {
			if errIsNotFound(err) {
				continue
			}
			m.log.Warn("reclaim: load job failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if j.Status != models.StatusProcessing {
			continue
		}
		_, err = m.UpdateStatus(ctx, id, models.StatusFailed, UpdateOptions{
			Error: &models.JobError{
				Code:    models.ErrCodeTimeout,
				Message: "worker abandoned job: processing claim expired",
			},
		})
		if err != nil {
			m.log.Warn("reclaim: mark failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		telemetry.JobsReclaimed.Inc()
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

// SweepExpired hard-deletes terminal jobs past the retention window,
// archiving each to Postgres first when an archive is configured. Record,
// user index, queue leftovers, and the terminal index are removed together.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.retention)
	ids, err := m.rdb.ZRangeByScore(ctx, store.TerminalKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(cutoff.UnixMilli(), 10),
		Offset: 0,
		Count:  sweepBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		j, err := m.jobs.Get(ctx, id)
		if err != nil {
			if errIsNotFound(err) {
				// Record already gone; drop the dangling index entry.
				_ = m.rdb.ZRem(ctx, store.TerminalKey, id).Err()
				continue
			}
			m.log.Warn("sweep: load job failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if !j.Status.Terminal() {
			// A retry raced the sweep; the job is live again.
			_ = m.rdb.ZRem(ctx, store.TerminalKey, id).Err()
			continue
		}
		if m.archive != nil {
			if err := m.archive.Insert(ctx, j); err != nil {
				m.log.Warn("sweep: archive failed, keeping job until next sweep",
					zap.String("job_id", id), zap.Error(err))
				continue
			}
		}
		pipe := m.rdb.TxPipeline()
		pipe.Del(ctx, store.JobKey(id))
		pipe.SRem(ctx, store.UserJobsKey(j.UserID), id)
		pipe.ZRem(ctx, store.TerminalKey, id)
		queue.RemovePipelined(ctx, pipe, id)
		if _, err := pipe.Exec(ctx); err != nil {
			m.log.Warn("sweep: delete failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		telemetry.JobsArchived.Inc()
		m.invalidate(ctx, j)
		removed++
	}
	return removed, nil
}

// CleanQueue runs the queue's consistency maintenance: duplicate removal and
// orphan cleanup against the record store.
func (m *Manager) CleanQueue(ctx context.Context) (dups int, orphans []string, err error) {
	dups, err = m.queue.RemoveDuplicates(ctx)
	if err != nil {
		return 0, nil, err
	}
	orphans, err = m.queue.RemoveOrphans(ctx, m.jobs.Exists)
	return dups, orphans, err
}

// RequeueLost re-enqueues queued-status jobs reachable from no queue
// structure. A blocking dequeue that crashes between the pop and the claim
// leaves the record in exactly this state; the sweep repairs it.
func (m *Manager) RequeueLost(ctx context.Context) ([]string, error) {
	var requeued []string
	var cursor uint64
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, store.JobKey("*"), sweepBatch).Result()
		if err != nil {
			return requeued, kv.Wrap("scan job records", err)
		}
		for _, key := range keys {
			if key == store.TerminalKey {
				continue
			}
			id := strings.TrimPrefix(key, store.JobKey(""))
			j, err := m.jobs.Get(ctx, id)
			if err != nil {
				if errIsNotFound(err) {
					continue
				}
				m.log.Warn("requeue: load job failed", zap.String("job_id", id), zap.Error(err))
				continue
			}
			if j.Status != models.StatusQueued {
				continue
			}
			ready, processing, err := m.queue.InQueue(ctx, id)
			if err != nil {
				m.log.Warn("requeue: membership check failed", zap.String("job_id", id), zap.Error(err))
				continue
			}
			if ready || processing {
				continue
			}
			if err := m.queue.Enqueue(ctx, id, j.Priority); err != nil {
				m.log.Warn("requeue: enqueue failed", zap.String("job_id", id), zap.Error(err))
				continue
			}
			requeued = append(requeued, id)
		}
		cursor = next
		if cursor == 0 {
			return requeued, nil
		}
	}
}
