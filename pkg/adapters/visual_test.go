package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

func TestVisualAdapterSubmit(t *testing.T) {
	var got lipreadSubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(lipreadSubmitResponse{JobID: "lr-7"})
	}))
	defer srv.Close()

	a := NewVisualAdapter(srv.URL)
	handle, err := a.Submit(context.Background(), JobInput{
		JobID: "job-1",
		Media: models.MediaRefs{FramesPrefix: "frames/job-1/"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "lr-7" {
		t.Errorf("handle = %q", handle)
	}
	if got.FramesPrefix != "frames/job-1/" || got.Options.FPS != 25 {
		t.Errorf("request = %+v", got)
	}
}

func TestVisualAdapterSubmitWithoutFrames(t *testing.T) {
	a := NewVisualAdapter("http://unused")
	_, err := a.Submit(context.Background(), JobInput{JobID: "job-1"})
	if !errors.Is(err, ErrSubmission) {
		t.Errorf("Submit error = %v, want ErrSubmission", err)
	}
}

func TestVisualAdapterPoll(t *testing.T) {
	tests := []struct {
		name      string
		response  lipreadPollResponse
		wantState PollState
		wantCause string
	}{
		{"pending", lipreadPollResponse{Status: "pending"}, StatePending, ""},
		{"failed", lipreadPollResponse{Status: "failed", Error: "model error"}, StateFailed, "model error"},
		{"failed without detail", lipreadPollResponse{Status: "failed"}, StateFailed, "lip-reading inference failed"},
		{"completed", lipreadPollResponse{Status: "completed", Segments: []lipreadSegment{
			{Start: 0, End: 8.0, Text: "hello world", Confidence: 0.8},
		}}, StateSucceeded, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.response)
			}))
			defer srv.Close()

			a := NewVisualAdapter(srv.URL)
			resp, err := a.Poll(context.Background(), "lr-7")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if resp.State != tt.wantState {
				t.Errorf("state = %v, want %v", resp.State, tt.wantState)
			}
			if resp.Cause != tt.wantCause {
				t.Errorf("cause = %q, want %q", resp.Cause, tt.wantCause)
			}
			if tt.wantState == StateSucceeded && len(resp.Result.Visual) != 1 {
				t.Errorf("result = %+v", resp.Result)
			}
		})
	}
}

func TestNormalizeVisual(t *testing.T) {
	raw := []lipreadSegment{
		{Start: 5.0, End: 6.0, Text: "later", Confidence: 1.7},
		{Start: 2.0, End: 2.0, Text: "degenerate"},
		{Start: 3.0, End: 1.0, Text: "inverted"},
		{Start: 0.0, End: 4.0, Text: "earlier", Confidence: -0.2},
	}

	got := normalizeVisual(raw)

	if len(got) != 2 {
		t.Fatalf("got %d segments, want invalid spans dropped: %+v", len(got), got)
	}
	if got[0].Text != "earlier" || got[1].Text != "later" {
		t.Errorf("order = %q, %q", got[0].Text, got[1].Text)
	}
	if got[0].Confidence != 0 {
		t.Errorf("negative confidence clamped to %v, want 0", got[0].Confidence)
	}
	if got[1].Confidence != 1 {
		t.Errorf("overshoot confidence clamped to %v, want 1", got[1].Confidence)
	}
}
