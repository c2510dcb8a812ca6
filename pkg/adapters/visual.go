package adapters

import (
	"context"
	"fmt"
	"sort"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// VisualAdapter drives the lip-reading inference service. The model
// reads extracted frame sequences; depending on the deployed model it
// returns either fine-grained segments or one whole-clip guess, and
// downstream fusion tolerates both.
type VisualAdapter struct {
	client client
	fps    int
}

// NewVisualAdapter creates an adapter for the lip-reading service
func NewVisualAdapter(baseURL string) *VisualAdapter {
	return &VisualAdapter{client: newClient(baseURL), fps: 25}
}

func (a *VisualAdapter) Kind() models.ModalityKind { return models.ModalityVisual }

type lipreadSubmitRequest struct {
	JobID        string         `json:"job_id"`
	FramesPrefix string         `json:"frames_prefix"`
	Options      lipreadOptions `json:"options"`
}

type lipreadOptions struct {
	FPS int `json:"fps"`
}

type lipreadSubmitResponse struct {
	JobID string `json:"job_id"`
}

// Submit starts lip-reading inference on the extracted frames
func (a *VisualAdapter) Submit(ctx context.Context, input JobInput) (string, error) {
	if input.Media.FramesPrefix == "" {
		return "", submissionError("no frames extracted for job %s", input.JobID)
	}

	req := lipreadSubmitRequest{
		JobID:        input.JobID,
		FramesPrefix: input.Media.FramesPrefix,
		Options:      lipreadOptions{FPS: a.fps},
	}

	var resp lipreadSubmitResponse
	if err := a.client.postJSON(ctx, "/lipreading/jobs", req, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("lip-reading service returned no job id")
	}
	return resp.JobID, nil
}

type lipreadPollResponse struct {
	Status   string           `json:"status"` // "pending", "completed", "failed"
	Error    string           `json:"error"`
	Segments []lipreadSegment `json:"segments"`
}

type lipreadSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Poll checks the inference job and normalizes on completion
func (a *VisualAdapter) Poll(ctx context.Context, handle string) (PollResponse, error) {
	var resp lipreadPollResponse
	if err := a.client.getJSON(ctx, "/lipreading/jobs/"+handle, &resp); err != nil {
		return PollResponse{}, err
	}

	switch resp.Status {
	case "completed":
		return PollResponse{
			State:  StateSucceeded,
			Result: &models.NormalizedResult{Visual: normalizeVisual(resp.Segments)},
		}, nil
	case "failed":
		cause := resp.Error
		if cause == "" {
			cause = "lip-reading inference failed"
		}
		return PollResponse{State: StateFailed, Cause: cause}, nil
	default:
		return PollResponse{State: StatePending}, nil
	}
}

// normalizeVisual orders segments, clamps confidence into [0,1] and
// drops spans the fusion invariant (end > start) could never accept.
func normalizeVisual(raw []lipreadSegment) []models.VisualSegment {
	segments := make([]models.VisualSegment, 0, len(raw))
	for _, s := range raw {
		if s.End <= s.Start {
			continue
		}
		conf := s.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		segments = append(segments, models.VisualSegment{
			Start:      s.Start,
			End:        s.End,
			Text:       s.Text,
			Confidence: conf,
		})
	}
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].Start != segments[j].Start {
			return segments[i].Start < segments[j].Start
		}
		return segments[i].End < segments[j].End
	})
	return segments
}
