// Package monitor polls the cache layer and job queue on an interval,
// keeping a bounded rolling history of metric snapshots and threshold
// alerts. It never takes corrective action; remediation is external.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vidgen/internal/cache"
	"vidgen/internal/models"
	"vidgen/internal/queue"
	"vidgen/internal/telemetry"
)

const slowOpWindow = 5 * time.Minute

// Thresholds configure when alerts fire.
type Thresholds struct {
	MinHitRate       float64
	MaxCacheKeys     int64
	MaxSlowOps       int
	MaxBacklog       int64
	MaxProcessingAge time.Duration
}

// DefaultThresholds returns the standard alerting configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHitRate:       0.70,
		MaxCacheKeys:     10_000,
		MaxSlowOps:       3,
		MaxBacklog:       1_000,
		MaxProcessingAge: 60 * time.Minute,
	}
}

// Snapshot is one collection of cache and queue metrics.
type Snapshot struct {
	At                  time.Time                 `json:"at"`
	HitRate             float64                   `json:"hit_rate"`
	Hits                int64                     `json:"hits"`
	Misses              int64                     `json:"misses"`
	CacheKeys           int64                     `json:"cache_keys"`
	AvgTTL              time.Duration             `json:"avg_ttl"`
	SlowOps             int                       `json:"slow_ops"`
	Depths              map[models.Priority]int64 `json:"queue_depths"`
	Backlog             int64                     `json:"backlog"`
	Processing          int64                     `json:"processing"`
	OldestProcessingAge time.Duration             `json:"oldest_processing_age"`
}

// Alert severity levels.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert records one threshold crossing.
type Alert struct {
	Level   Level     `json:"level"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Monitor collects metrics and evaluates thresholds.
type Monitor struct {
	cache      *cache.Cache
	queue      *queue.Queue
	thresholds Thresholds
	log        *zap.Logger

	mu         sync.Mutex
	history    []Snapshot
	alerts     []Alert
	maxHistory int
}

func New(c *cache.Cache, q *queue.Queue, th Thresholds, maxHistory int, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &Monitor{
		cache:      c,
		queue:      q,
		thresholds: th,
		log:        log,
		maxHistory: maxHistory,
	}
}

// Collect gathers one snapshot, evaluates thresholds, records both in the
// rolling history, and exports gauges.
func (m *Monitor) Collect(ctx context.Context) (Snapshot, error) {
	now := time.Now().UTC()
	snap := Snapshot{At: now}

	st := m.cache.Stats(ctx)
	snap.HitRate = st.HitRate
	snap.Hits = st.Hits
	snap.Misses = st.Misses
	snap.CacheKeys = st.Keys
	snap.AvgTTL = st.AvgTTL
	snap.SlowOps = m.cache.SlowOpsSince(ctx, slowOpWindow)

	depths, err := m.queue.Depths(ctx)
	if err != nil {
		return snap, err
	}
	snap.Depths = depths
	for _, d := range depths {
		snap.Backlog += d
	}
	if snap.Processing, err = m.queue.ProcessingCount(ctx); err != nil {
		return snap, err
	}
	if snap.OldestProcessingAge, err = m.queue.OldestProcessingAge(ctx, now); err != nil {
		return snap, err
	}

	alerts := m.evaluate(snap)

	m.mu.Lock()
	m.history = appendBounded(m.history, snap, m.maxHistory)
	for _, a := range alerts {
		m.alerts = appendBounded(m.alerts, a, m.maxHistory)
	}
	m.mu.Unlock()

	m.export(snap, alerts)
	return snap, nil
}

func (m *Monitor) evaluate(s Snapshot) []Alert {
	var alerts []Alert
	add := func(level Level, code, msg string) {
		alerts = append(alerts, Alert{Level: level, Code: code, Message: msg, At: s.At})
	}
	// A hit rate is only meaningful once the cache has seen traffic.
	if s.Hits+s.Misses > 0 && s.HitRate < m.thresholds.MinHitRate {
		add(LevelWarning, "low_hit_rate",
			fmt.Sprintf("cache hit rate %.2f below %.2f", s.HitRate, m.thresholds.MinHitRate))
	}
	if s.CacheKeys > m.thresholds.MaxCacheKeys {
		add(LevelWarning, "cache_key_count",
			fmt.Sprintf("%d cached keys exceed ceiling %d", s.CacheKeys, m.thresholds.MaxCacheKeys))
	}
	if s.SlowOps > m.thresholds.MaxSlowOps {
		add(LevelCritical, "slow_cache_ops",
			fmt.Sprintf("%d slow cache operations in %s", s.SlowOps, slowOpWindow))
	}
	if s.Backlog > m.thresholds.MaxBacklog {
		add(LevelCritical, "queue_backlog",
			fmt.Sprintf("queue backlog %d exceeds %d", s.Backlog, m.thresholds.MaxBacklog))
	}
	if m.thresholds.MaxProcessingAge > 0 && s.OldestProcessingAge > m.thresholds.MaxProcessingAge {
		add(LevelCritical, "stale_processing",
			fmt.Sprintf("job claimed for %s, ceiling %s", s.OldestProcessingAge, m.thresholds.MaxProcessingAge))
	}
	return alerts
}

func (m *Monitor) export(s Snapshot, alerts []Alert) {
	telemetry.CacheHitRateGauge.Set(s.HitRate)
	telemetry.CacheKeysGauge.Set(float64(s.CacheKeys))
	telemetry.ProcessingGauge.Set(float64(s.Processing))
	for p, d := range s.Depths {
		telemetry.QueueDepthGauge.WithLabelValues(string(p)).Set(float64(d))
	}
	for range alerts {
		telemetry.MonitorAlerts.Inc()
	}
}

// History returns the retained snapshots, most recent last.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Alerts returns retained alerts raised within the window.
func (m *Monitor) Alerts(window time.Duration) []Alert {
	cutoff := time.Now().Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.At.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// Run collects on an interval until the context is cancelled. Collection
// failures are logged and skipped; they never propagate.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Collect(ctx); err != nil {
				m.log.Warn("metric collection failed", zap.Error(err))
			}
		}
	}
}

func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
