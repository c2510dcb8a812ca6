package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPPreparer(t *testing.T) {
	var got prepareRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prepare" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(prepareResponse{
			AudioKey:     "audio/" + got.JobID + ".wav",
			FramesPrefix: "frames/" + got.JobID + "/",
		})
	}))
	defer srv.Close()

	p := NewHTTPPreparer(srv.URL)
	refs, err := p.Prepare(context.Background(), "job-1", "clips", "uploads/job-1.mp4")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if refs.AudioKey != "audio/job-1.wav" || refs.FramesPrefix != "frames/job-1/" {
		t.Errorf("refs = %+v", refs)
	}
	if got.Bucket != "clips" || got.Key != "uploads/job-1.mp4" {
		t.Errorf("request = %+v", got)
	}
}

func TestHTTPPreparerServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ffmpeg exited 1", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPPreparer(srv.URL)
	if _, err := p.Prepare(context.Background(), "job-1", "b", "k"); err == nil {
		t.Fatal("expected error from failing service")
	}
}

func TestHTTPPreparerNoArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(prepareResponse{})
	}))
	defer srv.Close()

	p := NewHTTPPreparer(srv.URL)
	if _, err := p.Prepare(context.Background(), "job-1", "b", "k"); err == nil {
		t.Fatal("a clip with no extractable streams must fail preparation")
	}
}
