// Package archive persists terminal jobs to Postgres before the retention
// sweep removes them from the hot store, keeping an audit trail past the
// retention window.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vidgen/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_jobs (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	job_type     TEXT NOT NULL,
	priority     TEXT NOT NULL,
	status       TEXT NOT NULL,
	config       JSONB,
	error        JSONB,
	metrics      JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS archived_jobs_user_idx ON archived_jobs (user_id);
`

// Store wraps pgxpool for the archive table.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres and ensures the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Insert archives one terminal job. Re-archiving the same id is a no-op so
// a sweep interrupted between archive and delete can safely rerun.
func (s *Store) Insert(ctx context.Context, j *models.Job) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var errJSON, metricsJSON []byte
	if j.Error != nil {
		if errJSON, err = json.Marshal(j.Error); err != nil {
			return fmt.Errorf("marshal error record: %w", err)
		}
	}
	if j.Metrics != nil {
		if metricsJSON, err = json.Marshal(j.Metrics); err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO archived_jobs (id, user_id, job_type, priority, status, config, error, metrics, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, j.ID, j.UserID, string(j.JobType), string(j.Priority), string(j.Status),
		cfg, nullable(errJSON), nullable(metricsJSON), j.CreatedAt, j.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert archived job: %w", err)
	}
	return nil
}

// CountForUser returns how many archived jobs a user has, for audit views.
func (s *Store) CountForUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM archived_jobs WHERE user_id = $1
	`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archived jobs: %w", err)
	}
	return n, nil
}

// OldestArchived returns the earliest archive timestamp, for retention
// reporting.
func (s *Store) OldestArchived(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MIN(archived_at), NOW()) FROM archived_jobs`).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("oldest archived: %w", err)
	}
	return t, nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
