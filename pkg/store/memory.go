package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// MemoryStore is an in-memory implementation of the job state store.
// Used for tests and single-node deployments.
type MemoryStore struct {
	jobs    map[string]*models.Job
	results map[string][]byte // jobId -> marshalled FusionResult
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.Job),
		results: make(map[string][]byte),
	}
}

// CreateJob adds a new job; duplicate jobIds are rejected
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobExists
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// GetAllJobs returns all jobs
func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	return jobs
}

// GetJobsInState returns jobs currently in the given state
func (s *MemoryStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status == state {
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs, nil
}

// TransitionJobState performs a validated, idempotent state transition
func (s *MemoryStore) TransitionJobState(jobID string, to models.JobStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}

	// Idempotency: already in target state is a no-op
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
}

// SetJobMedia records media preparation output
func (s *MemoryStore) SetJobMedia(jobID string, media models.MediaRefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	m := media
	job.Media = &m
	return nil
}

// ClaimBranch flips a branch pending -> running exactly once
func (s *MemoryStore) ClaimBranch(jobID string, kind models.ModalityKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
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
}

// UpdateBranch writes a branch's current state
func (s *MemoryStore) UpdateBranch(jobID string, branch models.BranchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Branches == nil {
		job.Branches = make(map[models.ModalityKind]models.BranchState)
	}

	existing, ok := job.Branches[branch.Kind]
	if ok && models.BranchTerminal(existing.Status) {
		if existing.Status == branch.Status {
			return nil // idempotent rewrite of a terminal branch
		}
		return fmt.Errorf("branch %s already terminal (%s)", branch.Kind, existing.Status)
	}
	if ok && existing.Status != branch.Status {
		if err := models.ValidateBranchTransition(existing.Status, branch.Status); err != nil {
			return err
		}
	}
	if models.BranchTerminal(branch.Status) && branch.FinishedAt == nil {
		now := time.Now()
		branch.FinishedAt = &now
	}

	job.Branches[branch.Kind] = branch
	return nil
}

// PutFusionResult persists the result once; identical retries no-op
func (s *MemoryStore) PutFusionResult(jobID string, result *models.FusionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrJobNotFound
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal fusion result: %w", err)
	}

	if existing, ok := s.results[jobID]; ok {
		if string(existing) == string(payload) {
			return nil
		}
		return ErrResultMismatch
	}

	s.results[jobID] = payload
	return nil
}

// GetFusionResult retrieves a persisted fusion result
func (s *MemoryStore) GetFusionResult(jobID string) (*models.FusionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.results[jobID]
	if !ok {
		return nil, ErrResultNotFound
	}
	var result models.FusionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("unmarshal fusion result: %w", err)
	}
	return &result, nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error { return nil }

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }

// cloneJob copies a job so callers cannot mutate store state
func cloneJob(job *models.Job) *models.Job {
	c := *job
	if job.Media != nil {
		m := *job.Media
		c.Media = &m
	}
	if job.Branches != nil {
		c.Branches = make(map[models.ModalityKind]models.BranchState, len(job.Branches))
		for k, v := range job.Branches {
			c.Branches[k] = v
		}
	}
	if job.StateTransitions != nil {
		c.StateTransitions = append([]models.StateTransition(nil), job.StateTransitions...)
	}
	return &c
}
