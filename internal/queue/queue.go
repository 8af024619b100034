// Package queue implements the job queue: one ready list per priority tier
// drained urgent-first, plus a processing sorted set whose scores record
// claim times for staleness detection. Within a tier, FIFO order is
// preserved; there is no preemption of already-claimed jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vidgen/internal/kv"
	"vidgen/internal/models"
)

const (
	readyPrefix   = "job_queue:"
	processingKey = "job_queue:processing"
)

// ReadyKey returns the list key for a priority tier: job_queue:{priority}
func ReadyKey(p models.Priority) string { return readyPrefix + string(p) }

// Queue coordinates ready and processing structures in Redis.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// tierKeys lists ready keys in dequeue order, most urgent first.
func tierKeys() []string {
	keys := make([]string, 0, len(models.PriorityTiers))
	for _, p := range models.PriorityTiers {
		keys = append(keys, ReadyKey(p))
	}
	return keys
}

// Enqueue appends a job id to its priority tier.
func (q *Queue) Enqueue(ctx context.Context, jobID string, p models.Priority) error {
	if !p.Valid() {
		p = models.PriorityNormal
	}
	return kv.Wrap("enqueue", q.rdb.RPush(ctx, ReadyKey(p), jobID).Err())
}

// EnqueuePipelined folds the enqueue into a caller-owned atomic batch.
func EnqueuePipelined(ctx context.Context, pipe redis.Pipeliner, jobID string, p models.Priority) {
	if !p.Valid() {
		p = models.PriorityNormal
	}
	pipe.RPush(ctx, ReadyKey(p), jobID)
}

// dequeueScript pops the head of the first non-empty tier and claims it in
// the processing set in one atomic step. KEYS = tier lists then the
// processing zset; ARGV[1] = claim time in unix ms.
var dequeueScript = redis.NewScript(`
local processing = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', processing, ARGV[1], job)
    return job
  end
end
return nil
`)

// Dequeue pops the next job id without blocking. It returns "" when every
// tier is empty.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	keys := append(tierKeys(), processingKey)
	res, err := dequeueScript.Run(ctx, q.rdb, keys, time.Now().UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", kv.Wrap("dequeue", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// DequeueBlocking suspends the caller until a job is available or the
// timeout elapses, returning "" on timeout. The claim is recorded right
// after the pop; a crash in between leaves the record reachable from no
// queue structure until the requeue-lost sweep re-enqueues it.
func (q *Queue) DequeueBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BLPop(ctx, timeout, tierKeys()...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", kv.Wrap("blocking dequeue", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}
	jobID := res[1]
	if err := q.rdb.ZAdd(ctx, processingKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: jobID,
	}).Err(); err != nil {
		return "", kv.Wrap("claim after blocking dequeue", err)
	}
	return jobID, nil
}

// Peek returns the id at the head of the highest non-empty tier without
// removing it.
func (q *Queue) Peek(ctx context.Context) (string, error) {
	for _, key := range tierKeys() {
		id, err := q.rdb.LIndex(ctx, key, 0).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", kv.Wrap("peek", err)
		}
		return id, nil
	}
	return "", nil
}

// Position returns the 0-based dequeue position of a queued job across all
// tiers, or -1 when it is not in any ready list.
func (q *Queue) Position(ctx context.Context, jobID string) (int64, error) {
	var offset int64
	for _, key := range tierKeys() {
		ids, err := q.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return -1, kv.Wrap("position", err)
		}
		for i, id := range ids {
			if id == jobID {
				return offset + int64(i), nil
			}
		}
		offset += int64(len(ids))
	}
	return -1, nil
}

// Depths reports the length of each ready tier.
func (q *Queue) Depths(ctx context.Context) (map[models.Priority]int64, error) {
	pipe := q.rdb.Pipeline()
	cmds := make(map[models.Priority]*redis.IntCmd, len(models.PriorityTiers))
	for _, p := range models.PriorityTiers {
		cmds[p] = pipe.LLen(ctx, ReadyKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, kv.Wrap("queue depths", err)
	}
	out := make(map[models.Priority]int64, len(cmds))
	for p, c := range cmds {
		out[p] = c.Val()
	}
	return out, nil
}

// ProcessingCount returns how many jobs are currently claimed.
func (q *Queue) ProcessingCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, processingKey).Result()
	if err != nil {
		return 0, kv.Wrap("processing count", err)
	}
	return n, nil
}

// ProcessingSince returns when a claimed job was claimed. It returns
// models.ErrNotFound when the job is not in the processing set.
func (q *Queue) ProcessingSince(ctx context.Context, jobID string) (time.Time, error) {
	score, err := q.rdb.ZScore(ctx, processingKey, jobID).Result()
	if err != nil {
		return time.Time{}, kv.Wrap("processing since", err)
	}
	return time.UnixMilli(int64(score)), nil
}

// OldestProcessingAge returns how long the longest-claimed job has been in
// the processing set, or zero when the set is empty.
func (q *Queue) OldestProcessingAge(ctx context.Context, now time.Time) (time.Duration, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, processingKey, 0, 0).Result()
	if err != nil {
		return 0, kv.Wrap("oldest processing", err)
	}
	if len(zs) == 0 {
		return 0, nil
	}
	return now.Sub(time.UnixMilli(int64(zs[0].Score))), nil
}

// InQueue reports whether a job is reachable from the queue, and from which
// side. A job is never legitimately in both.
func (q *Queue) InQueue(ctx context.Context, jobID string) (ready, processing bool, err error) {
	pos, err := q.Position(ctx, jobID)
	if err != nil {
		return false, false, err
	}
	_, err = q.rdb.ZScore(ctx, processingKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return pos >= 0, false, nil
	}
	if err != nil {
		return false, false, kv.Wrap("in queue", err)
	}
	return pos >= 0, true, nil
}

// FinishProcessing drops a job's processing claim. Removing an absent claim
// is a no-op.
func (q *Queue) FinishProcessing(ctx context.Context, jobID string) error {
	return kv.Wrap("finish processing", q.rdb.ZRem(ctx, processingKey, jobID).Err())
}

// FinishProcessingPipelined folds the claim removal into a caller-owned
// atomic batch.
func FinishProcessingPipelined(ctx context.Context, pipe redis.Pipeliner, jobID string) {
	pipe.ZRem(ctx, processingKey, jobID)
}

// Remove deletes every occurrence of a job id from all ready tiers and the
// processing set, for cancellation and hard deletion.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	RemovePipelined(ctx, pipe, jobID)
	_, err := pipe.Exec(ctx)
	return kv.Wrap("queue remove", err)
}

// RemovePipelined folds full queue removal into a caller-owned batch.
func RemovePipelined(ctx context.Context, pipe redis.Pipeliner, jobID string) {
	for _, p := range models.PriorityTiers {
		pipe.LRem(ctx, ReadyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, processingKey, jobID)
}

// ReclaimStale removes claims older than the cutoff and returns the
// abandoned job ids. The caller marks the underlying jobs failed. Safe to
// run concurrently from multiple instances: re-removing an id is a no-op.
func (q *Queue) ReclaimStale(ctx context.Context, cutoff time.Time, limit int64) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(cutoff.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, kv.Wrap("reclaim scan", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	reclaimed := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := q.rdb.ZRem(ctx, processingKey, id).Result()
		if err != nil {
			return reclaimed, kv.Wrap("reclaim remove", err)
		}
		if n > 0 {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

// RemoveDuplicates rewrites each ready tier keeping only the earliest
// occurrence of every id. Returns how many entries were dropped.
func (q *Queue) RemoveDuplicates(ctx context.Context) (int, error) {
	removed := 0
	for _, p := range models.PriorityTiers {
		key := ReadyKey(p)
		ids, err := q.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return removed, kv.Wrap("dedup scan", err)
		}
		seen := make(map[string]struct{}, len(ids))
		deduped := make([]any, 0, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			deduped = append(deduped, id)
		}
		if len(deduped) == len(ids) {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.Del(ctx, key)
		if len(deduped) > 0 {
			pipe.RPush(ctx, key, deduped...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, kv.Wrap("dedup rewrite", err)
		}
		removed += len(ids) - len(deduped)
	}
	return removed, nil
}

// RemoveOrphans drops queue entries whose backing record no longer exists,
// as reported by the exists callback. Returns the removed ids.
func (q *Queue) RemoveOrphans(ctx context.Context, exists func(ctx context.Context, jobID string) (bool, error)) ([]string, error) {
	var orphans []string
	for _, p := range models.PriorityTiers {
		key := ReadyKey(p)
		ids, err := q.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return orphans, kv.Wrap("orphan scan", err)
		}
		for _, id := range ids {
			ok, err := exists(ctx, id)
			if err != nil {
				return orphans, err
			}
			if ok {
				continue
			}
			if err := q.rdb.LRem(ctx, key, 0, id).Err(); err != nil {
				return orphans, kv.Wrap("orphan remove", err)
			}
			orphans = append(orphans, id)
		}
	}
	claimed, err := q.rdb.ZRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return orphans, kv.Wrap("orphan scan processing", err)
	}
	for _, id := range claimed {
		ok, err := exists(ctx, id)
		if err != nil {
			return orphans, err
		}
		if ok {
			continue
		}
		if err := q.rdb.ZRem(ctx, processingKey, id).Err(); err != nil {
			return orphans, kv.Wrap("orphan remove processing", err)
		}
		orphans = append(orphans, id)
	}
	return orphans, nil
}
