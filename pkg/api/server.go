package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/gordowuu/GORGGLES/pkg/ingest"
	"github.com/gordowuu/GORGGLES/pkg/logging"
	"github.com/gordowuu/GORGGLES/pkg/models"
	"github.com/gordowuu/GORGGLES/pkg/ratelimit"
	"github.com/gordowuu/GORGGLES/pkg/store"
	"github.com/gordowuu/GORGGLES/pkg/tracing"
)

// Enqueuer schedules a job for processing
type Enqueuer interface {
	Enqueue(jobID string) error
}

// Options configures the HTTP surface
type Options struct {
	CORSOrigins []string
	RateRPS     float64
	RateBurst   int
}

// Handler serves the pipeline's HTTP API
type Handler struct {
	store    store.Store
	trigger  *ingest.Trigger
	enqueuer Enqueuer
	logger   *logging.Logger
	metrics  http.Handler
}

// NewHandler creates the API handler
func NewHandler(s store.Store, trigger *ingest.Trigger, enqueuer Enqueuer,
	logger *logging.Logger, metricsHandler http.Handler) *Handler {
	return &Handler{
		store:    s,
		trigger:  trigger,
		enqueuer: enqueuer,
		logger:   logger,
		metrics:  metricsHandler,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/ingest", h.Ingest).Methods("POST")
	r.HandleFunc("/api/v1/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}/result", h.GetResult).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
}

// Router builds the full handler chain: tracing, rate limiting, CORS
func (h *Handler) Router(opts Options, tracer *tracing.Provider) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	var handler http.Handler = requestID(r)
	if opts.RateRPS > 0 {
		limiter := ratelimit.NewLimiter(opts.RateRPS, opts.RateBurst)
		handler = limiter.Middleware(ratelimit.IPKeyFunc)(handler)
	}
	if tracer != nil {
		handler = tracing.HTTPMiddleware(tracer)(handler)
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(handler)
}

// Ingest accepts an upload notification, registers the job and
// schedules it. Redelivered events return the existing job with 200.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var ev ingest.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, created, err := h.trigger.HandleEvent(ev)
	if err != nil {
		if errors.Is(err, ingest.ErrIgnoredKey) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("ingest event", map[string]interface{}{
			"key": ev.Key, "error": err.Error(),
		})
		http.Error(w, "Failed to register job", http.StatusInternalServerError)
		return
	}

	if created {
		if err := h.enqueuer.Enqueue(job.ID); err != nil {
			// The job record exists; startup recovery will pick it up
			h.logger.Warn("enqueue after ingest", map[string]interface{}{
				"job_id": job.ID, "error": err.Error(),
			})
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, job)
}

// ListJobs returns all jobs, optionally filtered by ?status=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []*models.Job
	if status := r.URL.Query().Get("status"); status != "" {
		filtered, err := h.store.GetJobsInState(models.JobStatus(status))
		if err != nil {
			http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
			return
		}
		jobs = filtered
	} else {
		jobs = h.store.GetAllJobs()
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob returns one job's full state including branches
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.GetJob(id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetResult returns the fused transcript for a completed job. For a
// job still in flight it answers 409 so clients can distinguish
// "not yet" from "never".
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := h.store.GetFusionResult(id)
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	if !errors.Is(err, store.ErrResultNotFound) {
		http.Error(w, "Failed to load result", http.StatusInternalServerError)
		return
	}

	job, jobErr := h.store.GetJob(id)
	if jobErr != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if job.Status == models.JobStatusFailed {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": id,
			"status": job.Status,
			"error":  job.Error,
		})
		return
	}
	http.Error(w, "Job still processing", http.StatusConflict)
}

// Health reports liveness and store reachability
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy", "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestID tags every response so a client report can be matched to
// server logs. An inbound X-Request-ID from a trusted proxy is kept.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
