package adapters

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// FaceAdapter drives a video face-detection service. Detection output
// is tracking-by-detection: samples carry no identity continuity.
type FaceAdapter struct {
	client client
}

// NewFaceAdapter creates an adapter for the face-detection service
func NewFaceAdapter(baseURL string) *FaceAdapter {
	return &FaceAdapter{client: newClient(baseURL)}
}

func (a *FaceAdapter) Kind() models.ModalityKind { return models.ModalityFace }

type faceSubmitRequest struct {
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	ClientToken    string `json:"client_token"`
	FaceAttributes string `json:"face_attributes"`
}

type faceSubmitResponse struct {
	JobID string `json:"job_id"`
}

// Submit starts face detection. The client token makes resubmission
// after a lost acknowledgment return the original external job id.
func (a *FaceAdapter) Submit(ctx context.Context, input JobInput) (string, error) {
	if input.Bucket == "" || input.Key == "" {
		return "", submissionError("missing media location for job %s", input.JobID)
	}

	req := faceSubmitRequest{
		Bucket:         input.Bucket,
		Key:            input.Key,
		ClientToken:    "gorggles-" + input.JobID,
		FaceAttributes: "DEFAULT",
	}

	var resp faceSubmitResponse
	if err := a.client.postJSON(ctx, "/face-detection", req, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("face detection service returned no job id")
	}
	return resp.JobID, nil
}

type facePollResponse struct {
	JobStatus     string          `json:"job_status"`
	StatusMessage string          `json:"status_message"`
	Faces         []faceDetection `json:"faces"`
	NextToken     string          `json:"next_token"`
}

type faceDetection struct {
	TimestampMillis int64      `json:"timestamp"`
	Face            faceDetail `json:"face"`
}

type faceDetail struct {
	BoundingBox faceBoundingBox `json:"bounding_box"`
	Confidence  float64         `json:"confidence"`
}

type faceBoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Poll checks the detection job; on success it drains all result
// pages before normalizing, so callers never see a partial track.
func (a *FaceAdapter) Poll(ctx context.Context, handle string) (PollResponse, error) {
	var first facePollResponse
	if err := a.client.getJSON(ctx, "/face-detection/"+handle, &first); err != nil {
		return PollResponse{}, err
	}

	switch first.JobStatus {
	case "SUCCEEDED":
		detections := first.Faces
		next := first.NextToken
		for next != "" {
			var page facePollResponse
			path := "/face-detection/" + handle + "?next_token=" + url.QueryEscape(next)
			if err := a.client.getJSON(ctx, path, &page); err != nil {
				return PollResponse{}, err
			}
			detections = append(detections, page.Faces...)
			next = page.NextToken
		}
		return PollResponse{
			State:  StateSucceeded,
			Result: &models.NormalizedResult{Face: normalizeFaceTrack(detections)},
		}, nil
	case "FAILED":
		cause := first.StatusMessage
		if cause == "" {
			cause = "face detection failed"
		}
		return PollResponse{State: StateFailed, Cause: cause}, nil
	default:
		return PollResponse{State: StatePending}, nil
	}
}

// normalizeFaceTrack converts millisecond detections into ordered
// samples. The recognizer's 0-100 confidence scale is kept as-is.
func normalizeFaceTrack(detections []faceDetection) []models.FaceSample {
	samples := make([]models.FaceSample, 0, len(detections))
	for _, d := range detections {
		samples = append(samples, models.FaceSample{
			Timestamp: float64(d.TimestampMillis) / 1000.0,
			Bbox: models.Bbox{
				Left:   d.Face.BoundingBox.Left,
				Top:    d.Face.BoundingBox.Top,
				Width:  d.Face.BoundingBox.Width,
				Height: d.Face.BoundingBox.Height,
			},
			Confidence: d.Face.Confidence,
		})
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp < samples[j].Timestamp
	})
	return samples
}
