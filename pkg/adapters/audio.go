package adapters

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// speakerGapSeconds splits one speaker's words into separate
// utterances when the silence between them exceeds this.
const speakerGapSeconds = 1.0

// AudioAdapter drives a diarizing transcription service. The service
// reports word-level items tagged with speaker labels; normalization
// merges them into utterance segments.
type AudioAdapter struct {
	client       client
	languageCode string
	maxSpeakers  int
}

// NewAudioAdapter creates an adapter for the transcription service
func NewAudioAdapter(baseURL, languageCode string, maxSpeakers int) *AudioAdapter {
	if languageCode == "" {
		languageCode = "en-US"
	}
	if maxSpeakers <= 0 {
		maxSpeakers = 5
	}
	return &AudioAdapter{
		client:       newClient(baseURL),
		languageCode: languageCode,
		maxSpeakers:  maxSpeakers,
	}
}

func (a *AudioAdapter) Kind() models.ModalityKind { return models.ModalityAudio }

type transcribeSubmitRequest struct {
	TranscriptionJobName string             `json:"transcription_job_name"`
	MediaURI             string             `json:"media_uri"`
	MediaFormat          string             `json:"media_format"`
	LanguageCode         string             `json:"language_code"`
	Settings             transcribeSettings `json:"settings"`
}

type transcribeSettings struct {
	ShowSpeakerLabels bool `json:"show_speaker_labels"`
	MaxSpeakerLabels  int  `json:"max_speaker_labels"`
}

type transcribeSubmitResponse struct {
	TranscriptionJobName string `json:"transcription_job_name"`
}

// Submit starts a transcription job. The job name derives from the
// jobId alone, so a resubmission after a lost acknowledgment lands on
// the same external job instead of starting a second one.
func (a *AudioAdapter) Submit(ctx context.Context, input JobInput) (string, error) {
	key := input.Media.AudioKey
	format := "wav"
	if key == "" {
		// No extracted track, transcribe straight off the upload
		key = input.Key
		format = "mp4"
	}
	if input.Bucket == "" || key == "" {
		return "", submissionError("missing media location for job %s", input.JobID)
	}

	req := transcribeSubmitRequest{
		TranscriptionJobName: "gorggles-" + input.JobID,
		MediaURI:             fmt.Sprintf("s3://%s/%s", input.Bucket, key),
		MediaFormat:          format,
		LanguageCode:         a.languageCode,
		Settings: transcribeSettings{
			ShowSpeakerLabels: true,
			MaxSpeakerLabels:  a.maxSpeakers,
		},
	}

	var resp transcribeSubmitResponse
	if err := a.client.postJSON(ctx, "/transcriptions", req, &resp); err != nil {
		return "", err
	}
	if resp.TranscriptionJobName == "" {
		return "", fmt.Errorf("transcription service returned no job name")
	}
	return resp.TranscriptionJobName, nil
}

type transcribePollResponse struct {
	TranscriptionJobStatus string            `json:"transcription_job_status"`
	FailureReason          string            `json:"failure_reason"`
	Results                transcribeResults `json:"results"`
}

type transcribeResults struct {
	Items []transcribeItem `json:"items"`
}

type transcribeItem struct {
	Type         string                  `json:"type"` // "pronunciation" or "punctuation"
	StartTime    string                  `json:"start_time"`
	EndTime      string                  `json:"end_time"`
	SpeakerLabel string                  `json:"speaker_label"`
	Alternatives []transcribeAlternative `json:"alternatives"`
}

type transcribeAlternative struct {
	Content    string `json:"content"`
	Confidence string `json:"confidence"`
}

// Poll checks the transcription job and normalizes on completion
func (a *AudioAdapter) Poll(ctx context.Context, handle string) (PollResponse, error) {
	var resp transcribePollResponse
	if err := a.client.getJSON(ctx, "/transcriptions/"+handle, &resp); err != nil {
		return PollResponse{}, err
	}

	switch resp.TranscriptionJobStatus {
	case "COMPLETED":
		return PollResponse{
			State:  StateSucceeded,
			Result: &models.NormalizedResult{Audio: normalizeTranscript(resp.Results.Items)},
		}, nil
	case "FAILED":
		cause := resp.FailureReason
		if cause == "" {
			cause = "transcription failed"
		}
		return PollResponse{State: StateFailed, Cause: cause}, nil
	default:
		return PollResponse{State: StatePending}, nil
	}
}

// normalizeTranscript merges word-level diarized items into utterance
// segments: a segment closes on speaker change or a silence gap.
// Malformed items are skipped rather than failing the whole branch.
func normalizeTranscript(items []transcribeItem) []models.AudioSegment {
	segments := make([]models.AudioSegment, 0)

	var cur *models.AudioSegment
	var words []string
	var confSum float64
	var confCount int

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.Join(words, " ")
		if confCount > 0 {
			cur.Confidence = confSum / float64(confCount)
		}
		segments = append(segments, *cur)
		cur, words, confSum, confCount = nil, nil, 0, 0
	}

	for _, item := range items {
		if len(item.Alternatives) == 0 {
			continue
		}
		content := item.Alternatives[0].Content

		if item.Type == "punctuation" {
			// Punctuation carries no timing; glue it to the last word
			if cur != nil && len(words) > 0 {
				words[len(words)-1] += content
			}
			continue
		}

		start, err := strconv.ParseFloat(item.StartTime, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseFloat(item.EndTime, 64)
		if err != nil || end <= start {
			continue
		}
		conf, err := strconv.ParseFloat(item.Alternatives[0].Confidence, 64)
		if err != nil {
			conf = 0
		}

		if cur != nil && (item.SpeakerLabel != cur.SpeakerLabel || start-cur.End > speakerGapSeconds) {
			flush()
		}
		if cur == nil {
			cur = &models.AudioSegment{
				Start:        start,
				SpeakerLabel: item.SpeakerLabel,
			}
		}
		cur.End = end
		words = append(words, content)
		confSum += conf
		confCount++
	}
	flush()

	return segments
}
