package store

import (
	"errors"
	"testing"
	"time"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

func newTestJob(id string) *models.Job {
	return &models.Job{
		ID:        id,
		Bucket:    "gorggles-uploads",
		Key:       "uploads/" + id + ".mp4",
		Status:    models.JobStatusCreated,
		CreatedAt: time.Now(),
	}
}

// exerciseStore runs the contract tests against any Store implementation
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	// Duplicate create is rejected
	if err := s.CreateJob(newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(newTestJob("job-1")); !errors.Is(err, ErrJobExists) {
		t.Errorf("duplicate CreateJob error = %v, want ErrJobExists", err)
	}

	// Unknown job
	if _, err := s.GetJob("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob(unknown) error = %v, want ErrJobNotFound", err)
	}

	// Valid transition chain
	for _, to := range []models.JobStatus{
		models.JobStatusPreparing,
		models.JobStatusProcessing,
	} {
		changed, err := s.TransitionJobState("job-1", to, "")
		if err != nil || !changed {
			t.Fatalf("TransitionJobState(%s) = (%v, %v)", to, changed, err)
		}
	}

	// Idempotent no-op
	changed, err := s.TransitionJobState("job-1", models.JobStatusProcessing, "")
	if err != nil || changed {
		t.Errorf("repeat transition = (%v, %v), want (false, nil)", changed, err)
	}

	// Invalid transition
	if _, err := s.TransitionJobState("job-1", models.JobStatusCompleted, ""); err == nil {
		t.Error("processing -> completed should be rejected")
	}

	// Branch claim is exactly-once
	claimed, err := s.ClaimBranch("job-1", models.ModalityAudio)
	if err != nil || !claimed {
		t.Fatalf("first ClaimBranch = (%v, %v)", claimed, err)
	}
	claimed, err = s.ClaimBranch("job-1", models.ModalityAudio)
	if err != nil || claimed {
		t.Errorf("second ClaimBranch = (%v, %v), want (false, nil)", claimed, err)
	}

	// Branch result lands on the job
	if err := s.UpdateBranch("job-1", models.BranchState{
		Kind:   models.ModalityAudio,
		Status: models.BranchSucceeded,
		Result: &models.NormalizedResult{
			Audio: []models.AudioSegment{{Start: 0, End: 1, SpeakerLabel: "spk_0", Text: "hi", Confidence: 0.9}},
		},
	}); err != nil {
		t.Fatalf("UpdateBranch: %v", err)
	}

	// Terminal branch cannot change state
	err = s.UpdateBranch("job-1", models.BranchState{Kind: models.ModalityAudio, Status: models.BranchRunning})
	if err == nil {
		t.Error("rewinding a terminal branch should fail")
	}

	job, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	branch := job.Branches[models.ModalityAudio]
	if branch.Status != models.BranchSucceeded || branch.Result == nil {
		t.Errorf("branch = %+v, want succeeded with result", branch)
	}
	if job.SucceededBranches() != 1 {
		t.Errorf("SucceededBranches = %d, want 1", job.SucceededBranches())
	}

	// Media refs persist
	if err := s.SetJobMedia("job-1", models.MediaRefs{AudioKey: "audio/job-1.wav", FramesPrefix: "frames/job-1/"}); err != nil {
		t.Fatalf("SetJobMedia: %v", err)
	}
	job, _ = s.GetJob("job-1")
	if job.Media == nil || job.Media.AudioKey != "audio/job-1.wav" {
		t.Errorf("media = %+v", job.Media)
	}

	// Fusion result: write-once, idempotent for identical payload
	result := &models.FusionResult{
		JobID: "job-1",
		Segments: []models.FusedSegment{
			{Start: 0, End: 1, Text: "hi", Source: models.SourceAudio, AudioText: "hi"},
		},
		Metadata: models.FusionMetadata{TotalSegments: 1, ModalitiesUsed: []string{"audio"}},
	}
	if err := s.PutFusionResult("job-1", result); err != nil {
		t.Fatalf("PutFusionResult: %v", err)
	}
	if err := s.PutFusionResult("job-1", result); err != nil {
		t.Errorf("identical PutFusionResult retry = %v, want nil", err)
	}
	other := &models.FusionResult{JobID: "job-1", Segments: []models.FusedSegment{}}
	if err := s.PutFusionResult("job-1", other); !errors.Is(err, ErrResultMismatch) {
		t.Errorf("conflicting PutFusionResult = %v, want ErrResultMismatch", err)
	}

	got, err := s.GetFusionResult("job-1")
	if err != nil {
		t.Fatalf("GetFusionResult: %v", err)
	}
	if len(got.Segments) != 1 || got.Segments[0].Text != "hi" {
		t.Errorf("result = %+v", got)
	}
	if _, err := s.GetFusionResult("job-2"); !errors.Is(err, ErrResultNotFound) {
		t.Errorf("GetFusionResult(unknown) = %v, want ErrResultNotFound", err)
	}

	// Failed transition records the cause
	if err := s.CreateJob(newTestJob("job-2")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionJobState("job-2", models.JobStatusFailed, models.CauseMediaPreparationFailed); err != nil {
		t.Fatalf("fail transition: %v", err)
	}
	job, _ = s.GetJob("job-2")
	if job.Error != models.CauseMediaPreparationFailed {
		t.Errorf("error = %q, want %q", job.Error, models.CauseMediaPreparationFailed)
	}
	if job.CompletedAt == nil {
		t.Error("terminal job missing CompletedAt")
	}

	// State queries
	failed, err := s.GetJobsInState(models.JobStatusFailed)
	if err != nil {
		t.Fatalf("GetJobsInState: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "job-2" {
		t.Errorf("jobs in failed state = %v", failed)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateJob(newTestJob("job-1")); err != nil {
		t.Fatal(err)
	}

	job, _ := s.GetJob("job-1")
	job.Status = models.JobStatusCompleted // mutate the copy

	fresh, _ := s.GetJob("job-1")
	if fresh.Status != models.JobStatusCreated {
		t.Errorf("store state mutated through returned copy: %s", fresh.Status)
	}
}
