// Package cache layers a generic TTL response cache over the shared store,
// with deterministic key construction, pattern invalidation, hit/miss
// statistics, and in-flight request deduplication. Every failure path is
// best-effort: a cache error never blocks or fails the underlying operation.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"vidgen/internal/kv"
)

// Tier selects how stale a cached response may get.
type Tier time.Duration

const (
	TierShort    = Tier(1 * time.Minute)
	TierDefault  = Tier(5 * time.Minute)
	TierMedium   = Tier(15 * time.Minute)
	TierLong     = Tier(1 * time.Hour)
	TierVeryLong = Tier(24 * time.Hour)
)

const (
	hitsKey    = "cache:stats:hits"
	missesKey  = "cache:stats:misses"
	slowOpsKey = "cache:stats:slow"

	slowOpsKept     = 100
	scanBatch       = 200
	ttlSampleLimit  = 50
	deleteBatchSize = 100
)

// Cache is safe for concurrent use.
type Cache struct {
	rdb           *redis.Client
	log           *zap.Logger
	slowThreshold time.Duration
	group         singleflight.Group
}

func New(rdb *redis.Client, slowThreshold time.Duration, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if slowThreshold <= 0 {
		slowThreshold = 100 * time.Millisecond
	}
	return &Cache{rdb: rdb, log: log, slowThreshold: slowThreshold}
}

// Get returns the cached payload and whether it was present. Errors are
// logged and reported as misses.
func (c *Cache) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	start := time.Now()
	val, err := c.rdb.Get(ctx, entryKey(namespace, key)).Bytes()
	c.trackSlow(ctx, start)
	if errors.Is(err, redis.Nil) {
		c.count(ctx, missesKey)
		return nil, false
	}
	if err != nil {
		c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		c.count(ctx, missesKey)
		return nil, false
	}
	c.count(ctx, hitsKey)
	return val, true
}

// Set stores a payload under the tier's TTL. Failures are logged only.
func (c *Cache) Set(ctx context.Context, namespace, key string, val []byte, tier Tier) {
	start := time.Now()
	err := c.rdb.Set(ctx, entryKey(namespace, key), val, time.Duration(tier)).Err()
	c.trackSlow(ctx, start)
	if err != nil {
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete evicts one entry.
func (c *Cache) Delete(ctx context.Context, namespace, key string) {
	if err := c.rdb.Del(ctx, entryKey(namespace, key)).Err(); err != nil {
		c.log.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// DeletePattern evicts every key matching a glob pattern, scanning in
// batches so large keyspaces never block the store.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
		batch   []string
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, kv.Wrap("cache scan", err)
		}
		batch = append(batch, keys...)
		if len(batch) >= deleteBatchSize {
			n, err := c.rdb.Del(ctx, batch...).Result()
			if err != nil {
				return removed, kv.Wrap("cache delete batch", err)
			}
			removed += int(n)
			batch = batch[:0]
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(batch) > 0 {
		n, err := c.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return removed, kv.Wrap("cache delete batch", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// InvalidateUser evicts everything cached under a user's scope.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	if _, err := c.DeletePattern(ctx, namespacePattern(NamespaceUser(userID))); err != nil {
		c.log.Warn("user cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// InvalidateJob evicts everything cached under a job's scope.
func (c *Cache) InvalidateJob(ctx context.Context, jobID string) {
	if _, err := c.DeletePattern(ctx, namespacePattern(NamespaceJob(jobID))); err != nil {
		c.log.Warn("job cache invalidation failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// InvalidateSystem evicts system-wide aggregates.
func (c *Cache) InvalidateSystem(ctx context.Context) {
	if _, err := c.DeletePattern(ctx, namespacePattern(NamespaceSystem)); err != nil {
		c.log.Warn("system cache invalidation failed", zap.Error(err))
	}
}

// Do coalesces concurrent identical in-flight requests into a single
// upstream call, returning the same result or error to every caller. Unlike
// Get/Set it has no TTL: it only collapses simultaneous duplicates.
func (c *Cache) Do(key string, fn func() (any, error)) (any, error) {
	v, err, _ := c.group.Do(key, fn)
	return v, err
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Keys    int64
	AvgTTL  time.Duration
}

// Stats reads counters and samples entry TTLs. Degrades to zero values when
// the store is unreachable; statistics never fail a request path.
func (c *Cache) Stats(ctx context.Context) Stats {
	var st Stats
	st.Hits = c.readCounter(ctx, hitsKey)
	st.Misses = c.readCounter(ctx, missesKey)
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}

	var (
		cursor  uint64
		sampled []string
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, "cache:*", scanBatch).Result()
		if err != nil {
			c.log.Warn("cache stats scan failed", zap.Error(err))
			return st
		}
		for _, k := range keys {
			if k == hitsKey || k == missesKey || k == slowOpsKey {
				continue
			}
			st.Keys++
			if len(sampled) < ttlSampleLimit {
				sampled = append(sampled, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(sampled) > 0 {
		pipe := c.rdb.Pipeline()
		cmds := make([]*redis.DurationCmd, len(sampled))
		for i, k := range sampled {
			cmds[i] = pipe.TTL(ctx, k)
		}
		if _, err := pipe.Exec(ctx); err == nil {
			var total time.Duration
			var n int
			for _, cmd := range cmds {
				if d := cmd.Val(); d > 0 {
					total += d
					n++
				}
			}
			if n > 0 {
				st.AvgTTL = total / time.Duration(n)
			}
		}
	}
	return st
}

// SlowOpsSince counts cache operations slower than the threshold within the
// window, for the monitor's alerting.
func (c *Cache) SlowOpsSince(ctx context.Context, window time.Duration) int {
	raw, err := c.rdb.LRange(ctx, slowOpsKey, 0, slowOpsKept-1).Result()
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-window).UnixMilli()
	n := 0
	for _, ts := range raw {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		if ms >= cutoff {
			n++
		}
	}
	return n
}

func (c *Cache) trackSlow(ctx context.Context, start time.Time) {
	if time.Since(start) < c.slowThreshold {
		return
	}
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, slowOpsKey, strconv.FormatInt(time.Now().UnixMilli(), 10))
	pipe.LTrim(ctx, slowOpsKey, 0, slowOpsKept-1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("slow op tracking failed", zap.Error(err))
	}
}

func (c *Cache) count(ctx context.Context, key string) {
	if err := c.rdb.Incr(ctx, key).Err(); err != nil {
		c.log.Debug("cache counter failed", zap.String("counter", key), zap.Error(err))
	}
}

func (c *Cache) readCounter(ctx context.Context, key string) int64 {
	n, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		return 0
	}
	return n
}
