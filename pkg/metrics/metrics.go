package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// Metrics exposes pipeline counters on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal      *prometheus.CounterVec
	activeJobs     prometheus.Gauge
	branchOutcomes *prometheus.CounterVec
	branchAttempts *prometheus.HistogramVec
	fusionDuration prometheus.Histogram
	fusionSegments prometheus.Histogram
	stageDuration  *prometheus.HistogramVec
}

// New creates a Metrics with all collectors registered
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorggles_jobs_total",
			Help: "Jobs reaching a terminal state, by outcome and cause",
		}, []string{"outcome", "cause"}),

		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gorggles_active_jobs",
			Help: "Jobs currently being processed",
		}),

		branchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorggles_branch_outcomes_total",
			Help: "Modality branch completions, by modality and outcome",
		}, []string{"modality", "outcome"}),

		branchAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gorggles_branch_attempts",
			Help:    "Submission attempts per finished branch",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"modality"}),

		fusionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gorggles_fusion_duration_seconds",
			Help:    "Wall time of the fusion step",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		fusionSegments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gorggles_fusion_segments",
			Help:    "Fused segments produced per job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gorggles_stage_duration_seconds",
			Help:    "Wall time per pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsTotal,
		m.activeJobs,
		m.branchOutcomes,
		m.branchAttempts,
		m.fusionDuration,
		m.fusionSegments,
		m.stageDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobStarted marks a job entering the pipeline
func (m *Metrics) JobStarted() { m.activeJobs.Inc() }

// JobFinished records a job's terminal outcome. Cause is empty for
// completed jobs and one of the failure causes otherwise.
func (m *Metrics) JobFinished(outcome models.JobStatus, cause string) {
	m.activeJobs.Dec()
	m.jobsTotal.WithLabelValues(string(outcome), cause).Inc()
}

// BranchFinished records one modality branch's terminal state
func (m *Metrics) BranchFinished(kind models.ModalityKind, outcome models.BranchStatus, attempts int) {
	m.branchOutcomes.WithLabelValues(string(kind), string(outcome)).Inc()
	m.branchAttempts.WithLabelValues(string(kind)).Observe(float64(attempts))
}

// ObserveFusion records the fusion step's duration and output size
func (m *Metrics) ObserveFusion(seconds float64, segments int) {
	m.fusionDuration.Observe(seconds)
	m.fusionSegments.Observe(float64(segments))
}

// ObserveStage records wall time for one pipeline stage
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}
