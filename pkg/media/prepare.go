package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// Preparer turns an uploaded clip into the derived artifacts the
// modality branches consume: an extracted audio track and a frame
// sequence. Preparation failures are fatal to the job, there is
// nothing to recognize without media.
type Preparer interface {
	Prepare(ctx context.Context, jobID, bucket, key string) (models.MediaRefs, error)
}

// HTTPPreparer calls the media extraction service, which runs the
// demux/extract step and writes artifacts next to the upload.
type HTTPPreparer struct {
	http    *http.Client
	baseURL string
}

// NewHTTPPreparer creates a preparer backed by the extraction service
func NewHTTPPreparer(baseURL string) *HTTPPreparer {
	return &HTTPPreparer{
		http:    &http.Client{Timeout: 120 * time.Second},
		baseURL: baseURL,
	}
}

type prepareRequest struct {
	JobID  string `json:"job_id"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type prepareResponse struct {
	AudioKey     string `json:"audio_key"`
	FramesPrefix string `json:"frames_prefix"`
}

// Prepare requests extraction and returns the derived artifact
// locations. Either artifact may be empty when the clip lacks that
// stream; the caller decides which branches can still run.
func (p *HTTPPreparer) Prepare(ctx context.Context, jobID, bucket, key string) (models.MediaRefs, error) {
	payload, err := json.Marshal(prepareRequest{JobID: jobID, Bucket: bucket, Key: key})
	if err != nil {
		return models.MediaRefs{}, fmt.Errorf("marshal prepare request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/prepare", bytes.NewReader(payload))
	if err != nil {
		return models.MediaRefs{}, fmt.Errorf("build prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return models.MediaRefs{}, fmt.Errorf("media preparation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.MediaRefs{}, fmt.Errorf("media preparation: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out prepareResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.MediaRefs{}, fmt.Errorf("decode prepare response: %w", err)
	}
	if out.AudioKey == "" && out.FramesPrefix == "" {
		return models.MediaRefs{}, fmt.Errorf("media preparation produced no artifacts for job %s", jobID)
	}

	return models.MediaRefs{
		AudioKey:     out.AudioKey,
		FramesPrefix: out.FramesPrefix,
	}, nil
}
