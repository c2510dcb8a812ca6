package ingest

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gordowuu/GORGGLES/pkg/models"
	"github.com/gordowuu/GORGGLES/pkg/store"
)

// Event is an object-storage upload notification
type Event struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Config narrows which uploads trigger jobs
type Config struct {
	// UploadPrefix is the key prefix watched for new clips
	UploadPrefix string
	// MediaSuffix is the accepted clip extension
	MediaSuffix string
}

// DefaultConfig matches the upload layout used by the ingest bucket
func DefaultConfig() Config {
	return Config{UploadPrefix: "uploads/", MediaSuffix: ".mp4"}
}

// ErrIgnoredKey marks events outside the watched upload layout
var ErrIgnoredKey = fmt.Errorf("key outside upload layout")

// Trigger turns upload events into jobs. Event delivery is
// at-least-once, so a redelivered event must map to the same job and
// must not create a second one.
type Trigger struct {
	store  store.Store
	config Config
}

// NewTrigger creates a trigger writing into the given store
func NewTrigger(s store.Store, cfg Config) *Trigger {
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = "uploads/"
	}
	if cfg.MediaSuffix == "" {
		cfg.MediaSuffix = ".mp4"
	}
	return &Trigger{store: s, config: cfg}
}

// JobIDFromKey derives the job identifier from the upload key. The id
// is the key with prefix and extension stripped, so the same upload
// always maps to the same job.
func (t *Trigger) JobIDFromKey(key string) (string, error) {
	if !strings.HasPrefix(key, t.config.UploadPrefix) {
		return "", fmt.Errorf("%w: %q lacks prefix %q", ErrIgnoredKey, key, t.config.UploadPrefix)
	}
	if !strings.HasSuffix(key, t.config.MediaSuffix) {
		return "", fmt.Errorf("%w: %q lacks suffix %q", ErrIgnoredKey, key, t.config.MediaSuffix)
	}

	id := strings.TrimSuffix(strings.TrimPrefix(key, t.config.UploadPrefix), t.config.MediaSuffix)
	if id == "" || strings.Contains(id, "/") || path.Clean(id) != id {
		return "", fmt.Errorf("%w: %q does not name a clip", ErrIgnoredKey, key)
	}
	return id, nil
}

// HandleEvent registers a job for the uploaded clip. Redelivery of an
// event for an existing job returns that job with created=false.
func (t *Trigger) HandleEvent(ev Event) (*models.Job, bool, error) {
	jobID, err := t.JobIDFromKey(ev.Key)
	if err != nil {
		return nil, false, err
	}

	job := &models.Job{
		ID:        jobID,
		Bucket:    ev.Bucket,
		Key:       ev.Key,
		Status:    models.JobStatusCreated,
		Branches:  map[models.ModalityKind]models.BranchState{},
		CreatedAt: time.Now().UTC(),
	}

	if err := t.store.CreateJob(job); err != nil {
		if err == store.ErrJobExists {
			existing, getErr := t.store.GetJob(jobID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return job, true, nil
}
