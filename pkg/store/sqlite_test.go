package store

import (
	"path/filepath"
	"testing"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	exerciseStore(t, newSQLiteTestStore(t))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(newTestJob("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionJobState("job-1", models.JobStatusPreparing, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	job, err := reopened.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob after reopen: %v", err)
	}
	if job.Status != models.JobStatusPreparing {
		t.Errorf("status after reopen = %s, want preparing", job.Status)
	}
	if len(job.StateTransitions) != 1 {
		t.Errorf("transitions after reopen = %d, want 1", len(job.StateTransitions))
	}
}
