package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "vidgen_jobs_created_total", Help: "Jobs created"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "vidgen_jobs_completed_total", Help: "Jobs completed"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "vidgen_jobs_failed_total", Help: "Jobs failed"})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "vidgen_jobs_cancelled_total", Help: "Jobs cancelled"})
	JobsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "vidgen_jobs_retried_total", Help: "Failed jobs re-enqueued"})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "vidgen_jobs_reclaimed_total", Help: "Stale processing jobs reclaimed"})
	JobsArchived  = prometheus.NewCounter(prometheus.CounterOpts{Name: "vidgen_jobs_archived_total", Help: "Expired jobs archived and removed"})

	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vidgen_queue_depth", Help: "Ready queue depth"}, []string{"priority"})
	ProcessingGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "vidgen_processing", Help: "Jobs currently claimed by workers"})

	CacheHitRateGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "vidgen_cache_hit_rate", Help: "Cache hit rate"})
	CacheKeysGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "vidgen_cache_keys", Help: "Cached entry count"})
	MonitorAlerts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "vidgen_monitor_alerts_total", Help: "Alerts raised by the monitor"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobsRetried,
			JobsReclaimed,
			JobsArchived,
			QueueDepthGauge,
			ProcessingGauge,
			CacheHitRateGauge,
			CacheKeysGauge,
			MonitorAlerts,
		)
	})
	return promhttp.Handler()
}
