package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/gordowuu/GORGGLES/pkg/ingest"
	"github.com/gordowuu/GORGGLES/pkg/logging"
	"github.com/gordowuu/GORGGLES/pkg/models"
	"github.com/gordowuu/GORGGLES/pkg/store"
)

type fakeEnqueuer struct {
	ids []string
}

func (e *fakeEnqueuer) Enqueue(jobID string) error {
	e.ids = append(e.ids, jobID)
	return nil
}

func newTestHandler(s store.Store) (*Handler, *fakeEnqueuer, *mux.Router) {
	enq := &fakeEnqueuer{}
	h := NewHandler(s, ingest.NewTrigger(s, ingest.DefaultConfig()), enq,
		logging.NewLogger(logging.ERROR, false), nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return h, enq, r
}

func postIngest(t *testing.T, r *mux.Router, key string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(ingest.Event{Bucket: "clips", Key: key})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngestCreatesAndSchedulesJob(t *testing.T) {
	s := store.NewMemoryStore()
	_, enq, r := newTestHandler(s)

	w := postIngest(t, r, "uploads/clip-1.mp4")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != "clip-1" || job.Status != models.JobStatusCreated {
		t.Errorf("job = %+v", job)
	}
	if len(enq.ids) != 1 || enq.ids[0] != "clip-1" {
		t.Errorf("enqueued = %v", enq.ids)
	}
}

func TestIngestRedeliveryReturnsExistingJob(t *testing.T) {
	s := store.NewMemoryStore()
	_, enq, r := newTestHandler(s)

	postIngest(t, r, "uploads/clip-1.mp4")
	w := postIngest(t, r, "uploads/clip-1.mp4")

	if w.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", w.Code)
	}
	if len(enq.ids) != 1 {
		t.Errorf("redelivery scheduled the job again: %v", enq.ids)
	}
}

func TestIngestRejectsForeignKeys(t *testing.T) {
	s := store.NewMemoryStore()
	_, _, r := newTestHandler(s)

	w := postIngest(t, r, "thumbnails/clip-1.jpg")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	s := store.NewMemoryStore()
	_, _, r := newTestHandler(s)
	s.CreateJob(&models.Job{ID: "clip-1", Status: models.JobStatusProcessing, CreatedAt: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/clip-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", w.Code)
	}
}

func TestListJobsFilter(t *testing.T) {
	s := store.NewMemoryStore()
	_, _, r := newTestHandler(s)
	s.CreateJob(&models.Job{ID: "a", Status: models.JobStatusCreated, CreatedAt: time.Now()})
	s.CreateJob(&models.Job{ID: "b", Status: models.JobStatusCreated, CreatedAt: time.Now()})
	s.TransitionJobState("b", models.JobStatusPreparing, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=preparing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var jobs []models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "b" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestGetResultLifecycle(t *testing.T) {
	s := store.NewMemoryStore()
	_, _, r := newTestHandler(s)
	s.CreateJob(&models.Job{ID: "clip-1", Status: models.JobStatusProcessing, CreatedAt: time.Now()})

	// Still in flight
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/clip-1/result", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("in-flight status = %d, want 409", w.Code)
	}

	// Persist a result
	err := s.PutFusionResult("clip-1", &models.FusionResult{
		JobID: "clip-1",
		Segments: []models.FusedSegment{
			{Start: 0.5, End: 3.2, Text: "hello", Source: models.SourceAudio},
		},
	})
	if err != nil {
		t.Fatalf("PutFusionResult: %v", err)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/clip-1/result", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var result models.FusionResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.JobID != "clip-1" || len(result.Segments) != 1 {
		t.Errorf("result = %+v", result)
	}

	// Unknown job
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing/result", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", w.Code)
	}
}

func TestGetResultFailedJob(t *testing.T) {
	s := store.NewMemoryStore()
	_, _, r := newTestHandler(s)
	s.CreateJob(&models.Job{ID: "clip-1", Status: models.JobStatusCreated, CreatedAt: time.Now()})
	s.TransitionJobState("clip-1", models.JobStatusFailed, models.CauseAllModalitiesFailed)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/clip-1/result", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != models.CauseAllModalitiesFailed {
		t.Errorf("body = %v", body)
	}
}

func TestRouterAssignsRequestID(t *testing.T) {
	s := store.NewMemoryStore()
	h, _, _ := newTestHandler(s)
	router := h.Router(Options{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "upstream-7")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "upstream-7" {
		t.Errorf("X-Request-ID = %q, want the inbound id kept", got)
	}
}

func TestHealth(t *testing.T) {
	s := store.NewMemoryStore()
	_, _, r := newTestHandler(s)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
