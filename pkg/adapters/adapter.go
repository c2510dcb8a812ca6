package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// ErrSubmission means the recognizer rejected the job input itself
// (malformed media reference, unsupported format). Non-retryable:
// resubmitting the same input will fail the same way.
var ErrSubmission = errors.New("submission rejected")

// PollState is the recognizer-side state of a submitted job
type PollState string

const (
	StatePending   PollState = "pending"
	StateSucceeded PollState = "succeeded"
	StateFailed    PollState = "failed"
)

// PollResponse is the outcome of one poll attempt
type PollResponse struct {
	State PollState
	// Result is set when State == StateSucceeded
	Result *models.NormalizedResult
	// Cause is set when State == StateFailed
	Cause string
}

// JobInput is what an adapter needs to start recognizer work
type JobInput struct {
	JobID  string
	Bucket string
	Key    string
	Media  models.MediaRefs
}

// Adapter normalizes one external recognizer into a common
// submit/poll contract. Submit must be idempotent: resubmitting after
// a lost acknowledgment lands on the same external job. Transient
// poll errors are returned as plain errors and retried by the caller;
// a PollResponse with StateFailed is a recognizer-terminal verdict.
type Adapter interface {
	Kind() models.ModalityKind
	Submit(ctx context.Context, input JobInput) (handle string, err error)
	Poll(ctx context.Context, handle string) (PollResponse, error)
}

// submissionError wraps a recognizer rejection with its reason
func submissionError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSubmission, fmt.Sprintf(format, args...))
}
