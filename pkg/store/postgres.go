package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// PostgresStore is a PostgreSQL-backed implementation of the job state
// store, for deployments where several daemon replicas share one store.
// Conditional writes ride on row locks instead of a process mutex.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		status TEXT NOT NULL,
		media JSONB,
		branches JSONB,
		error TEXT NOT NULL DEFAULT '',
		state_transitions JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS fusion_results (
		job_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const pgJobColumns = `id, bucket, key, status, media, branches, error, state_transitions, created_at, started_at, completed_at`

// CreateJob adds a new job; duplicate jobIds are rejected
func (s *PostgresStore) CreateJob(job *models.Job) error {
	media, branches, transitions, err := marshalJobFields(job)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		INSERT INTO jobs (`+pgJobColumns+`)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::jsonb, NULLIF($6, '')::jsonb, $7, NULLIF($8, '')::jsonb, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Bucket, job.Key, string(job.Status), media, branches,
		job.Error, transitions, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobExists
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetAllJobs returns all jobs
func (s *PostgresStore) GetAllJobs() []*models.Job {
	rows, err := s.db.Query(`SELECT ` + pgJobColumns + ` FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// GetJobsInState returns jobs currently in the given state
func (s *PostgresStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+pgJobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query jobs in state: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TransitionJobState performs a validated state transition under a row lock
func (s *PostgresStore) TransitionJobState(jobID string, to models.JobStatus, reason string) (bool, error) {
	return s.withJobTx(jobID, func(job *models.Job) (bool, error) {
		if job.Status == to {
			return false, nil
		}
		if err := models.ValidateTransition(job.Status, to); err != nil {
			return false, err
		}
		job.StateTransitions = append(job.StateTransitions, models.StateTransition{
			From:      job.Status,
			To:        to,
			Timestamp: time.Now(),
			Reason:    reason,
		})
		job.Status = to
		if to == models.JobStatusFailed {
			job.Error = reason
		}
		applyTransitionTimestamps(job, to)
		return true, nil
	})
}

// SetJobMedia records media preparation output
func (s *PostgresStore) SetJobMedia(jobID string, media models.MediaRefs) error {
	_, err := s.withJobTx(jobID, func(job *models.Job) (bool, error) {
		m := media
		job.Media = &m
		return true, nil
	})
	return err
}

// ClaimBranch flips a branch pending -> running exactly once
func (s *PostgresStore) ClaimBranch(jobID string, kind models.ModalityKind) (bool, error) {
	return s.withJobTx(jobID, func(job *models.Job) (bool, error) {
		if job.Branches == nil {
			job.Branches = make(map[models.ModalityKind]models.BranchState)
		}
		branch, ok := job.Branches[kind]
		if !ok {
			branch = models.BranchState{Kind: kind, Status: models.BranchPending}
		}
		if branch.Status != models.BranchPending {
			return false, nil
		}
		now := time.Now()
		branch.Status = models.BranchRunning
		branch.StartedAt = &now
		job.Branches[kind] = branch
		return true, nil
	})
}

// UpdateBranch writes a branch's current state
func (s *PostgresStore) UpdateBranch(jobID string, branch models.BranchState) error {
	_, err := s.withJobTx(jobID, func(job *models.Job) (bool, error) {
		if job.Branches == nil {
			job.Branches = make(map[models.ModalityKind]models.BranchState)
		}
		existing, ok := job.Branches[branch.Kind]
		if ok && models.BranchTerminal(existing.Status) {
			if existing.Status == branch.Status {
				return false, nil
			}
			return false, fmt.Errorf("branch %s already terminal (%s)", branch.Kind, existing.Status)
		}
		if ok && existing.Status != branch.Status {
			if err := models.ValidateBranchTransition(existing.Status, branch.Status); err != nil {
				return false, err
			}
		}
		if models.BranchTerminal(branch.Status) && branch.FinishedAt == nil {
			now := time.Now()
			branch.FinishedAt = &now
		}
		job.Branches[branch.Kind] = branch
		return true, nil
	})
	return err
}

// PutFusionResult persists the result once; identical retries no-op
func (s *PostgresStore) PutFusionResult(jobID string, result *models.FusionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal fusion result: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO fusion_results (job_id, payload, created_at)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (job_id) DO NOTHING`,
		jobID, string(payload), time.Now())
	if err != nil {
		return fmt.Errorf("insert fusion result: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var existing string
	if err := s.db.QueryRow(`SELECT payload::text FROM fusion_results WHERE job_id = $1`, jobID).Scan(&existing); err != nil {
		return fmt.Errorf("check fusion result: %w", err)
	}
	if jsonEqual([]byte(existing), payload) {
		return nil
	}
	return ErrResultMismatch
}

// GetFusionResult retrieves a persisted fusion result
func (s *PostgresStore) GetFusionResult(jobID string) (*models.FusionResult, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload::text FROM fusion_results WHERE job_id = $1`, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fusion result: %w", err)
	}
	var result models.FusionResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("unmarshal fusion result: %w", err)
	}
	return &result, nil
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) withJobTx(jobID string, mutate func(*models.Job) (bool, error)) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return false, err
	}

	changed, err := mutate(job)
	if err != nil || !changed {
		return changed, err
	}

	media, branches, transitions, err := marshalJobFields(job)
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(`
		UPDATE jobs SET status = $1, media = NULLIF($2, '')::jsonb, branches = NULLIF($3, '')::jsonb,
			error = $4, state_transitions = NULLIF($5, '')::jsonb, started_at = $6, completed_at = $7
		WHERE id = $8`,
		string(job.Status), media, branches, job.Error, transitions,
		job.StartedAt, job.CompletedAt, jobID)
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// jsonEqual compares two JSON payloads structurally; postgres may
// reformat jsonb on the way back out.
func jsonEqual(a, b []byte) bool {
	var ja, jb interface{}
	if err := json.Unmarshal(a, &ja); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &jb); err != nil {
		return false
	}
	ra, err := json.Marshal(ja)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(jb)
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}
