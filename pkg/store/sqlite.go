package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// SQLiteStore is a SQLite-backed implementation of the job state store
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL plus a generous busy timeout keeps concurrent readers happy
	// while writes stay serialized through a single connection.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // Serialize writes to avoid SQLITE_BUSY
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		status TEXT NOT NULL,
		media TEXT,
		branches TEXT,
		error TEXT,
		state_transitions TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS fusion_results (
		job_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob adds a new job; duplicate jobIds are rejected
func (s *SQLiteStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM jobs WHERE id = ?`, job.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if exists > 0 {
		return ErrJobExists
	}

	media, branches, transitions, err := marshalJobFields(job)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, bucket, key, status, media, branches, error, state_transitions, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Bucket, job.Key, string(job.Status), media, branches,
		job.Error, transitions, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, bucket, key, status, media, branches, error, state_transitions, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetAllJobs returns all jobs
func (s *SQLiteStore) GetAllJobs() []*models.Job {
	rows, err := s.db.Query(`
		SELECT id, bucket, key, status, media, branches, error, state_transitions, created_at, started_at, completed_at
		FROM jobs ORDER BY created_at`)
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
func (s *SQLiteStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.Query(`
		SELECT id, bucket, key, status, media, branches, error, state_transitions, created_at, started_at, completed_at
		FROM jobs WHERE status = ? ORDER BY created_at`, string(state))
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

// TransitionJobState performs a validated state transition in a transaction
func (s *SQLiteStore) TransitionJobState(jobID string, to models.JobStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withJobTx(jobID, func(job *models.Job) (bool, error) {
		if job.Status == to {
			return false, nil // idempotent no-op
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
func (s *SQLiteStore) SetJobMedia(jobID string, media models.MediaRefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.withJobTx(jobID, func(job *models.Job) (bool, error) {
		m := media
		job.Media = &m
		return true, nil
	})
	return err
}

// ClaimBranch flips a branch pending -> running exactly once
func (s *SQLiteStore) ClaimBranch(jobID string, kind models.ModalityKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
func (s *SQLiteStore) UpdateBranch(jobID string, branch models.BranchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
func (s *SQLiteStore) PutFusionResult(jobID string, result *models.FusionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal fusion result: %w", err)
	}

	var existing string
	err = s.db.QueryRow(`SELECT payload FROM fusion_results WHERE job_id = ?`, jobID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO fusion_results (job_id, payload, created_at) VALUES (?, ?, ?)`,
			jobID, string(payload), time.Now())
		if err != nil {
			return fmt.Errorf("insert fusion result: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("check fusion result: %w", err)
	case existing == string(payload):
		return nil
	default:
		return ErrResultMismatch
	}
}

// GetFusionResult retrieves a persisted fusion result
func (s *SQLiteStore) GetFusionResult(jobID string) (*models.FusionResult, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM fusion_results WHERE job_id = ?`, jobID).Scan(&payload)
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
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withJobTx runs a read-modify-write cycle on one job inside a
// transaction. The mutate callback returns whether anything changed.
func (s *SQLiteStore) withJobTx(jobID string, mutate func(*models.Job) (bool, error)) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, bucket, key, status, media, branches, error, state_transitions, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`, jobID)
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
		UPDATE jobs SET status = ?, media = ?, branches = ?, error = ?, state_transitions = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status string
	var media, branches, transitions sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Bucket, &job.Key, &status, &media, &branches,
		&job.Error, &transitions, &job.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if media.Valid && media.String != "" {
		if err := json.Unmarshal([]byte(media.String), &job.Media); err != nil {
			return nil, fmt.Errorf("unmarshal media: %w", err)
		}
	}
	if branches.Valid && branches.String != "" {
		if err := json.Unmarshal([]byte(branches.String), &job.Branches); err != nil {
			return nil, fmt.Errorf("unmarshal branches: %w", err)
		}
	}
	if transitions.Valid && transitions.String != "" {
		if err := json.Unmarshal([]byte(transitions.String), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("unmarshal transitions: %w", err)
		}
	}
	return &job, nil
}

func marshalJobFields(job *models.Job) (media, branches, transitions string, err error) {
	if job.Media != nil {
		b, err := json.Marshal(job.Media)
		if err != nil {
			return "", "", "", fmt.Errorf("marshal media: %w", err)
		}
		media = string(b)
	}
	if job.Branches != nil {
		b, err := json.Marshal(job.Branches)
		if err != nil {
			return "", "", "", fmt.Errorf("marshal branches: %w", err)
		}
		branches = string(b)
	}
	if job.StateTransitions != nil {
		b, err := json.Marshal(job.StateTransitions)
		if err != nil {
			return "", "", "", fmt.Errorf("marshal transitions: %w", err)
		}
		transitions = string(b)
	}
	return media, branches, transitions, nil
}
