package store

import (
	"errors"
	"time"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrResultNotFound = errors.New("fusion result not found")
	// ErrResultMismatch means a second PutFusionResult carried a
	// different payload. Identical retries are idempotent no-ops.
	ErrResultMismatch = errors.New("fusion result already persisted with different payload")
)

// Store is the job state store contract. All mutations are
// conditional: state transitions validate against the job FSM and
// no-op when the job is already in the target state, and branch
// claims flip pending to running exactly once, so concurrent
// re-invocations for the same jobId cannot duplicate work.
type Store interface {
	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetAllJobs() []*models.Job
	GetJobsInState(state models.JobStatus) ([]*models.Job, error)

	// TransitionJobState performs a validated state transition.
	// Returns (false, nil) if the job is already in the target state.
	// The reason lands in the transition audit trail, and on the job's
	// Error field when the target state is failed.
	TransitionJobState(jobID string, to models.JobStatus, reason string) (bool, error)

	// SetJobMedia records the artifacts produced by media preparation
	SetJobMedia(jobID string, media models.MediaRefs) error

	// ClaimBranch flips a branch from pending to running. Returns
	// false if some other invocation already claimed it or it is
	// already terminal; the caller must not submit in that case.
	ClaimBranch(jobID string, kind models.ModalityKind) (bool, error)

	// UpdateBranch writes a branch's current state (handle, attempts,
	// terminal status, result). Terminal branch states are final.
	UpdateBranch(jobID string, branch models.BranchState) error

	// Fusion result: written once per job, immutable thereafter.
	// Retrying with an identical payload is a no-op.
	PutFusionResult(jobID string, result *models.FusionResult) error
	GetFusionResult(jobID string) (*models.FusionResult, error)

	// Lifecycle
	HealthCheck() error
	Close() error
}

// Config holds store configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	Path string // sqlite file path
	DSN  string // postgres connection string

	// PostgreSQL pool tuning
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(cfg)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "gorggles.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unsupported store type: " + cfg.Type)
	}
}

// applyTransitionTimestamps stamps lifecycle times as a job moves
func applyTransitionTimestamps(job *models.Job, to models.JobStatus) {
	now := time.Now()
	switch to {
	case models.JobStatusPreparing:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case models.JobStatusCompleted, models.JobStatusFailed:
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
	}
}
