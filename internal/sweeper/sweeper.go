// Package sweeper runs the periodic maintenance passes: stale-job
// reclamation, queue consistency cleanup, lost-job requeue, and the
// retention sweep. All passes are idempotent and safe to run from multiple
// instances at once.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vidgen/internal/lifecycle"
)

type Sweeper struct {
	jobs     *lifecycle.Manager
	interval time.Duration
	log      *zap.Logger
}

func New(jobs *lifecycle.Manager, interval time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{jobs: jobs, interval: interval, log: log}
}

// Run loops until context cancellation. Individual pass failures are logged
// and retried on the next tick rather than escalated.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	if reclaimed, err := s.jobs.ReclaimStale(ctx); err != nil {
		s.log.Warn("stale reclamation failed", zap.Error(err))
	} else if len(reclaimed) > 0 {
		s.log.Info("reclaimed stale jobs", zap.Int("count", len(reclaimed)), zap.Strings("job_ids", reclaimed))
	}

	if dups, orphans, err := s.jobs.CleanQueue(ctx); err != nil {
		s.log.Warn("queue cleanup failed", zap.Error(err))
	} else if dups > 0 || len(orphans) > 0 {
		s.log.Info("queue cleanup", zap.Int("duplicates", dups), zap.Int("orphans", len(orphans)))
	}

	if requeued, err := s.jobs.RequeueLost(ctx); err != nil {
		s.log.Warn("requeue of lost jobs failed", zap.Error(err))
	} else if len(requeued) > 0 {
		s.log.Info("re-enqueued lost jobs", zap.Strings("job_ids", requeued))
	}

	if removed, err := s.jobs.SweepExpired(ctx); err != nil {
		s.log.Warn("retention sweep failed", zap.Error(err))
	} else if removed > 0 {
		s.log.Info("retention sweep removed expired jobs", zap.Int("count", removed))
	}
}
