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

func TestAudioAdapterSubmit(t *testing.T) {
	var got transcribeSubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcriptions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(transcribeSubmitResponse{TranscriptionJobName: got.TranscriptionJobName})
	}))
	defer srv.Close()

	a := NewAudioAdapter(srv.URL, "en-US", 5)
	handle, err := a.Submit(context.Background(), JobInput{JobID: "job-1", Bucket: "b", Key: "uploads/job-1.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "gorggles-job-1" {
		t.Errorf("handle = %q, want deterministic gorggles-job-1", handle)
	}
	if got.MediaURI != "s3://b/uploads/job-1.mp4" {
		t.Errorf("media uri = %q", got.MediaURI)
	}
	if !got.Settings.ShowSpeakerLabels || got.Settings.MaxSpeakerLabels != 5 {
		t.Errorf("settings = %+v", got.Settings)
	}
}

func TestAudioAdapterSubmitPrefersExtractedAudio(t *testing.T) {
	var got transcribeSubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(transcribeSubmitResponse{TranscriptionJobName: got.TranscriptionJobName})
	}))
	defer srv.Close()

	a := NewAudioAdapter(srv.URL, "", 0)
	_, err := a.Submit(context.Background(), JobInput{
		JobID: "job-1", Bucket: "b", Key: "uploads/job-1.mp4",
		Media: models.MediaRefs{AudioKey: "audio/job-1.wav"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.MediaURI != "s3://b/audio/job-1.wav" {
		t.Errorf("media uri = %q, want extracted track", got.MediaURI)
	}
	if got.MediaFormat != "wav" {
		t.Errorf("media format = %q", got.MediaFormat)
	}
}

func TestAudioAdapterSubmitRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported media format", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAudioAdapter(srv.URL, "", 0)
	_, err := a.Submit(context.Background(), JobInput{JobID: "job-1", Bucket: "b", Key: "k"})
	if !errors.Is(err, ErrSubmission) {
		t.Errorf("Submit error = %v, want ErrSubmission", err)
	}
}

func TestAudioAdapterSubmitMissingMedia(t *testing.T) {
	a := NewAudioAdapter("http://unused", "", 0)
	_, err := a.Submit(context.Background(), JobInput{JobID: "job-1"})
	if !errors.Is(err, ErrSubmission) {
		t.Errorf("Submit error = %v, want ErrSubmission", err)
	}
}

func TestAudioAdapterPollStates(t *testing.T) {
	tests := []struct {
		name      string
		response  transcribePollResponse
		wantState PollState
	}{
		{"in progress", transcribePollResponse{TranscriptionJobStatus: "IN_PROGRESS"}, StatePending},
		{"failed", transcribePollResponse{TranscriptionJobStatus: "FAILED", FailureReason: "bad audio"}, StateFailed},
		{"completed", transcribePollResponse{TranscriptionJobStatus: "COMPLETED"}, StateSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.response)
			}))
			defer srv.Close()

			a := NewAudioAdapter(srv.URL, "", 0)
			resp, err := a.Poll(context.Background(), "gorggles-job-1")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if resp.State != tt.wantState {
				t.Errorf("state = %v, want %v", resp.State, tt.wantState)
			}
			if tt.wantState == StateFailed && resp.Cause != "bad audio" {
				t.Errorf("cause = %q", resp.Cause)
			}
		})
	}
}

func TestAudioAdapterPollTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewAudioAdapter(srv.URL, "", 0)
	_, err := a.Poll(context.Background(), "gorggles-job-1")
	if err == nil {
		t.Fatal("Poll should surface transport errors for retry")
	}
	if errors.Is(err, ErrSubmission) {
		t.Error("poll error must not be classified as a submission rejection")
	}
}

func TestNormalizeTranscript(t *testing.T) {
	items := []transcribeItem{
		{Type: "pronunciation", StartTime: "0.50", EndTime: "0.90", SpeakerLabel: "spk_0",
			Alternatives: []transcribeAlternative{{Content: "Hello", Confidence: "0.98"}}},
		{Type: "pronunciation", StartTime: "0.95", EndTime: "1.30", SpeakerLabel: "spk_0",
			Alternatives: []transcribeAlternative{{Content: "there", Confidence: "0.94"}}},
		{Type: "punctuation",
			Alternatives: []transcribeAlternative{{Content: "."}}},
		// Speaker change closes the segment
		{Type: "pronunciation", StartTime: "1.40", EndTime: "1.80", SpeakerLabel: "spk_1",
			Alternatives: []transcribeAlternative{{Content: "Hi", Confidence: "0.90"}}},
		// Long gap splits even for the same speaker
		{Type: "pronunciation", StartTime: "4.00", EndTime: "4.40", SpeakerLabel: "spk_1",
			Alternatives: []transcribeAlternative{{Content: "Again", Confidence: "0.80"}}},
		// Malformed item is skipped, not fatal
		{Type: "pronunciation", StartTime: "bogus", EndTime: "5.0", SpeakerLabel: "spk_1",
			Alternatives: []transcribeAlternative{{Content: "x", Confidence: "0.5"}}},
	}

	segments := normalizeTranscript(items)

	if len(segments) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segments), segments)
	}

	first := segments[0]
	if first.SpeakerLabel != "spk_0" || first.Text != "Hello there." {
		t.Errorf("first segment = %+v", first)
	}
	if first.Start != 0.5 || first.End != 1.3 {
		t.Errorf("first bounds = [%v, %v]", first.Start, first.End)
	}
	wantConf := (0.98 + 0.94) / 2
	if diff := first.Confidence - wantConf; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("first confidence = %v, want %v", first.Confidence, wantConf)
	}

	if segments[1].SpeakerLabel != "spk_1" || segments[1].Text != "Hi" {
		t.Errorf("second segment = %+v", segments[1])
	}
	if segments[2].Text != "Again" {
		t.Errorf("third segment = %+v", segments[2])
	}

	// Same-speaker segments must not overlap
	if segments[1].End > segments[2].Start {
		t.Errorf("same-speaker segments overlap: %+v %+v", segments[1], segments[2])
	}
}

func TestNormalizeTranscriptEmpty(t *testing.T) {
	if got := normalizeTranscript(nil); len(got) != 0 {
		t.Errorf("normalizeTranscript(nil) = %v, want empty", got)
	}
}
