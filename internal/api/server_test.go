package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vidgen/internal/cache"
	"vidgen/internal/config"
	"vidgen/internal/lifecycle"
	"vidgen/internal/models"
	"vidgen/internal/monitor"
	"vidgen/internal/queue"
	"vidgen/internal/ratelimit"
)

func newTestServer(t *testing.T, limiter *ratelimit.TokenBucket) (http.Handler, *lifecycle.Manager, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb)
	c := cache.New(rdb, time.Second, zap.NewNop())
	cfg := config.Config{BaseRenderTime: time.Second, MaxRetries: 2, StaleTimeout: time.Minute, RetentionDays: 7}
	jobs := lifecycle.New(rdb, q, c, nil, cfg, zap.NewNop())
	mon := monitor.New(c, q, monitor.DefaultThresholds(), 0, zap.NewNop())
	if limiter == nil {
		limiter = ratelimit.NewTokenBucket(rdb, 100, 100, time.Minute)
	}
	return New(jobs, q, c, mon, limiter, zap.NewNop()).Router(), jobs, q
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createBody(topic string) createRequest {
	return createRequest{
		Config: models.JobConfig{
			Kind: models.JobTypeSingle,
			Single: &models.SingleConfig{
				Topic:           topic,
				Quality:         models.QualityStandard,
				DurationSeconds: 60,
			},
		},
		Priority: models.PriorityNormal,
	}
}

func TestCreateRequiresIdentity(t *testing.T) {
	h, _, _ := newTestServer(t, nil)
	rec := doJSON(t, h, http.MethodPost, "/jobs", "", createBody("x"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateGetAndOwnership(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs", "u1", createBody("volcanoes"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+created.ID, "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got struct {
		models.Job
		QueuePosition *int64 `json:"queue_position"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if got.ID != created.ID || got.Status != models.StatusQueued {
		t.Fatalf("round trip mismatch: %+v", got.Job)
	}
	if got.QueuePosition == nil || *got.QueuePosition != 0 {
		t.Fatalf("queued job should report position 0, got %v", got.QueuePosition)
	}

	// Another user cannot see the job.
	rec = doJSON(t, h, http.MethodGet, "/jobs/"+created.ID, "u2", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-user get status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/jobs/nope", "u1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", rec.Code)
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	h, _, _ := newTestServer(t, nil)
	body := createRequest{Config: models.JobConfig{Kind: models.JobTypeSingle}}
	rec := doJSON(t, h, http.MethodPost, "/jobs", "u1", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelConflictMapsTo409(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs", "u1", createBody("x"))
	var created models.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	if rec := doJSON(t, h, http.MethodPost, "/jobs/"+created.ID+"/cancel", "u1", nil); rec.Code != http.StatusOK {
		t.Fatalf("first cancel status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/jobs/"+created.ID+"/cancel", "u1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestListPaginates(t *testing.T) {
	h, _, _ := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		if rec := doJSON(t, h, http.MethodPost, "/jobs", "u1", createBody("t")); rec.Code != http.StatusAccepted {
			t.Fatalf("create %d status = %d", i, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/jobs?limit=2", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if resp.Total != 3 || len(resp.Jobs) != 2 {
		t.Fatalf("total=%d page=%d, want 3/2", resp.Total, len(resp.Jobs))
	}
}

func TestRateLimitReturns429(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(rdb, 1, 0, time.Minute)
	h, _, _ := newTestServer(t, limiter)

	if rec := doJSON(t, h, http.MethodPost, "/jobs", "u1", createBody("a")); rec.Code != http.StatusAccepted {
		t.Fatalf("first create status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/jobs", "u1", createBody("b")); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second create status = %d, want 429", rec.Code)
	}
}

func TestDequeueEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs", "u1", createBody("x"))
	var created models.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, h, http.MethodPost, "/queue/dequeue?timeout=50ms", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dequeue status = %d: %s", rec.Code, rec.Body.String())
	}
	var claim map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &claim)
	if claim["job_id"] != created.ID {
		t.Fatalf("claimed %q, want %q", claim["job_id"], created.ID)
	}

	// Empty queue drains to 204 once the timeout elapses.
	rec = doJSON(t, h, http.MethodPost, "/queue/dequeue?timeout=10ms", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("empty dequeue status = %d, want 204", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/queue/dequeue?timeout=2h", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized timeout status = %d, want 400", rec.Code)
	}
}

func TestWorkerStatusUpdates(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs", "u1", createBody("x"))
	var created models.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, h, http.MethodPost, "/queue/dequeue?timeout=50ms", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dequeue status = %d", rec.Code)
	}

	ten := 10
	rec = doJSON(t, h, http.MethodPut, "/jobs/"+created.ID+"/status", "", updateStatusRequest{
		Status: models.StatusProcessing, Progress: &ten, Stage: "rendering",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("processing report status = %d: %s", rec.Code, rec.Body.String())
	}
	var got models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode update response: %v", err)
	}
	if got.Status != models.StatusProcessing || got.Progress != 10 || got.CurrentStage != "rendering" {
		t.Fatalf("update not applied: %+v", got)
	}

	rec = doJSON(t, h, http.MethodPut, "/jobs/"+created.ID+"/status", "", updateStatusRequest{
		Status: models.StatusCompleted,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("completion report status = %d", rec.Code)
	}

	// Terminal jobs reject further reports with a conflict.
	rec = doJSON(t, h, http.MethodPut, "/jobs/"+created.ID+"/status", "", updateStatusRequest{
		Status: models.StatusProcessing,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("post-terminal report status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/jobs/missing/status", "", updateStatusRequest{
		Status: models.StatusProcessing,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", rec.Code)
	}
}

func TestQueueStats(t *testing.T) {
	h, _, _ := newTestServer(t, nil)
	_ = doJSON(t, h, http.MethodPost, "/jobs", "u1", createBody("x"))

	rec := doJSON(t, h, http.MethodGet, "/queue/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var resp struct {
		Depths     map[models.Priority]int64 `json:"depths"`
		Processing int64                     `json:"processing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.Depths[models.PriorityNormal] != 1 || resp.Processing != 0 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
}
