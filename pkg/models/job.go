package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a caption job
type JobStatus string

const (
	JobStatusCreated    JobStatus = "created"    // Job record exists, nothing started
	JobStatusPreparing  JobStatus = "preparing"  // Media preparation in progress
	JobStatusProcessing JobStatus = "processing" // Modality branches running
	JobStatusFusing     JobStatus = "fusing"     // Branches joined, fusion running
	JobStatusCompleted  JobStatus = "completed"  // Fusion result persisted
	JobStatusFailed     JobStatus = "failed"     // Terminal failure
)

// ModalityKind identifies one of the three recognition channels
type ModalityKind string

const (
	ModalityAudio  ModalityKind = "audio"
	ModalityFace   ModalityKind = "face"
	ModalityVisual ModalityKind = "visual"
)

// Modalities lists all branches in fan-out order
var Modalities = []ModalityKind{ModalityAudio, ModalityFace, ModalityVisual}

// BranchStatus represents the state of a single modality branch
type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchRunning   BranchStatus = "running"
	BranchSucceeded BranchStatus = "succeeded"
	BranchFailed    BranchStatus = "failed"
)

// Job represents one end-to-end processing request for an uploaded video
type Job struct {
	ID               string                       `json:"id"`
	Bucket           string                       `json:"bucket"`
	Key              string                       `json:"key"`
	Status           JobStatus                    `json:"status"`
	Media            *MediaRefs                   `json:"media,omitempty"`
	Branches         map[ModalityKind]BranchState `json:"branches,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	StartedAt        *time.Time                   `json:"started_at,omitempty"`
	CompletedAt      *time.Time                   `json:"completed_at,omitempty"`
	Error            string                       `json:"error,omitempty"`
	StateTransitions []StateTransition            `json:"state_transitions,omitempty"`
}

// MediaRefs points at the artifacts produced by media preparation
type MediaRefs struct {
	AudioKey     string `json:"audio_key"`
	FramesPrefix string `json:"frames_prefix"`
}

// BranchState tracks one modality branch within a job
type BranchState struct {
	Kind           ModalityKind      `json:"kind"`
	Status         BranchStatus      `json:"status"`
	ExternalHandle string            `json:"external_handle,omitempty"`
	Attempts       int               `json:"attempts"`
	Result         *NormalizedResult `json:"result,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// NormalizedResult carries the adapter output for one branch.
// Exactly one of the three lists is populated, matching the branch kind.
type NormalizedResult struct {
	Audio  []AudioSegment  `json:"audio,omitempty"`
	Face   []FaceSample    `json:"face,omitempty"`
	Visual []VisualSegment `json:"visual,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Terminal failure causes surfaced on Job.Error
const (
	CauseMediaPreparationFailed = "media-preparation-failed"
	CauseAllModalitiesFailed    = "all-modalities-failed"
	CauseFusionError            = "fusion-error"
	CauseJobTimeout             = "job-timeout"
)

// BranchTerminal reports whether a branch has finished, either way
func BranchTerminal(s BranchStatus) bool {
	return s == BranchSucceeded || s == BranchFailed
}

// SucceededBranches counts branches that produced a result
func (j *Job) SucceededBranches() int {
	n := 0
	for _, b := range j.Branches {
		if b.Status == BranchSucceeded {
			n++
		}
	}
	return n
}
