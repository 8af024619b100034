// Package api is the thin HTTP surface over the job engine. Authentication,
// OpenAPI, and upload handling live elsewhere; this layer only decodes
// requests, enforces ownership, and maps engine errors to status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vidgen/internal/cache"
	"vidgen/internal/lifecycle"
	"vidgen/internal/models"
	"vidgen/internal/monitor"
	"vidgen/internal/queue"
	"vidgen/internal/ratelimit"
	"vidgen/internal/telemetry"
)

// Server wires HTTP handlers for the job engine.
type Server struct {
	jobs    *lifecycle.Manager
	queue   *queue.Queue
	cache   *cache.Cache
	monitor *monitor.Monitor
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

func New(jobs *lifecycle.Manager, q *queue.Queue, c *cache.Cache, mon *monitor.Monitor, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{jobs: jobs, queue: q, cache: c, monitor: mon, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Delete("/jobs/{id}", s.handleSoftDelete)

	r.Post("/batches", s.handleCreateBatch)
	r.Get("/batches/{id}", s.handleGetBatch)

	r.Post("/queue/dequeue", s.handleDequeue)
	r.Put("/jobs/{id}/status", s.handleUpdateStatus)
	r.Get("/queue/stats", s.handleQueueStats)

	r.Get("/monitor/metrics", s.handleMonitorMetrics)
	r.Get("/monitor/alerts", s.handleMonitorAlerts)

	return r
}

type createRequest struct {
	Config   models.JobConfig `json:"config"`
	Priority models.Priority  `json:"priority"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, "create:"+userID) {
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.CreateJob(r.Context(), userID, req.Config, req.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	job, owned := s.ownedJob(w, r, userID)
	if !owned {
		return
	}
	resp := jobResponse{Job: job}
	if job.Status == models.StatusQueued {
		if pos, err := s.queue.Position(r.Context(), job.ID); err == nil && pos >= 0 {
			resp.QueuePosition = &pos
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// jobResponse decorates a queued job with its current dequeue position.
type jobResponse struct {
	*models.Job
	QueuePosition *int64 `json:"queue_position,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filters := lifecycle.Filters{
		Status:  models.Status(q.Get("status")),
		JobType: models.JobType(q.Get("type")),
	}

	ns := cache.NamespaceUser(userID)
	key := cache.Key(r.Method, r.URL.Path, map[string]string{
		"status": q.Get("status"),
		"type":   q.Get("type"),
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
	})
	if cached, hit := s.cache.Get(r.Context(), ns, key); hit {
		writeRaw(w, http.StatusOK, cached)
		return
	}

	jobs, total, err := s.jobs.ListJobs(r.Context(), userID, filters, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := json.Marshal(map[string]any{"jobs": jobs, "total": total})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Set(r.Context(), ns, key, body, cache.TierShort)
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	job, owned := s.ownedJob(w, r, userID)
	if !owned {
		return
	}
	if err := s.jobs.CancelJob(r.Context(), job.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, "retry:"+userID) {
		return
	}
	job, owned := s.ownedJob(w, r, userID)
	if !owned {
		return
	}
	if err := s.jobs.RetryJob(r.Context(), job.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	job, owned := s.ownedJob(w, r, userID)
	if !owned {
		return
	}
	if err := s.jobs.SoftDeleteJob(r.Context(), job.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createBatchRequest struct {
	Config   models.BatchConfig `json:"config"`
	Priority models.Priority    `json:"priority"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, "create:"+userID) {
		return
	}
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	batch, jobs, err := s.jobs.CreateBatch(r.Context(), userID, req.Config, req.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batch": batch, "jobs": jobs})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	batch, status, jobs, err := s.jobs.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if batch.UserID != userID {
		s.writeError(w, models.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch, "status": status, "jobs": jobs})
}

// handleDequeue lets an external worker claim the next job, blocking up to
// the requested timeout.
func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	timeout := 5 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > time.Minute {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}
	jobID, err := s.queue.DequeueBlocking(r.Context(), timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

type updateStatusRequest struct {
	Status   models.Status      `json:"status"`
	Progress *int               `json:"progress,omitempty"`
	Stage    string             `json:"stage,omitempty"`
	Error    *models.JobError   `json:"error,omitempty"`
	Metrics  *models.JobMetrics `json:"metrics,omitempty"`
}

// handleUpdateStatus is the worker-facing progress/completion report,
// paired with the dequeue endpoint. Workers act on claimed jobs regardless
// of owner, so no user identity is required.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, lifecycle.UpdateOptions{
		Progress: req.Progress,
		Stage:    req.Stage,
		Error:    req.Error,
		Metrics:  req.Metrics,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	key := cache.Key(r.Method, r.URL.Path, nil)
	if cached, hit := s.cache.Get(r.Context(), cache.NamespaceSystem, key); hit {
		writeRaw(w, http.StatusOK, cached)
		return
	}
	depths, err := s.queue.Depths(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	processing, err := s.queue.ProcessingCount(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := json.Marshal(map[string]any{"depths": depths, "processing": processing})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Set(r.Context(), cache.NamespaceSystem, key, body, cache.TierShort)
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleMonitorMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.monitor.Collect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMonitorAlerts(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			window = d
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.monitor.Alerts(window)})
}

// requireUser extracts the authenticated user id placed by the identity
// middleware upstream of this service.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// ownedJob loads the path job and enforces ownership.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request, userID string) (*models.Job, bool) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if job.UserID != userID {
		s.writeError(w, models.ErrForbidden)
		return nil, false
	}
	return job, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return false
	}
	if !ok {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
