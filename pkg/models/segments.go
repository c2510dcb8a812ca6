package models

// AudioSegment is one diarized utterance from the audio transcript.
// Segments from different speakers may overlap in time; segments from
// the same speaker must not.
type AudioSegment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	SpeakerLabel string  `json:"speaker_label"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"` // [0,1]
}

// Bbox is a face bounding box, normalized to [0,1] frame coordinates
type Bbox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FaceSample is one face detection at a point in time. No identity
// continuity is guaranteed across samples (tracking-by-detection).
type FaceSample struct {
	Timestamp  float64 `json:"timestamp"` // seconds
	Bbox       Bbox    `json:"bbox"`
	Confidence float64 `json:"confidence"` // recognizer scale, typically 0-100
}

// VisualSegment is one span of lip-read text. Recognizers that do not
// support fine-grained timing emit a single segment spanning the clip.
type VisualSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // [0,1]
}

// Source identifies which modality won arbitration for a fused segment
type Source string

const (
	SourceAudio       Source = "audio"
	SourceVisual      Source = "visual"
	SourceUnavailable Source = "unavailable"
)

// FusedSegment is one entry of the final overlay transcript. Both raw
// texts are retained regardless of arbitration outcome for audit.
type FusedSegment struct {
	Start          float64  `json:"start"`
	End            float64  `json:"end"`
	SpeakerLabel   string   `json:"speaker_label,omitempty"`
	Text           string   `json:"text"`
	Source         Source   `json:"source"`
	AudioText      string   `json:"audio_text,omitempty"`
	VisualText     string   `json:"visual_text,omitempty"`
	Face           *Bbox    `json:"face,omitempty"`
	FaceConfidence *float64 `json:"face_confidence,omitempty"`
}

// FusionMetadata summarizes what went into a fusion result
type FusionMetadata struct {
	TotalSegments    int      `json:"total_segments"`
	SpeakersDetected int      `json:"speakers_detected"`
	FacesTracked     int      `json:"faces_tracked"`
	ModalitiesUsed   []string `json:"modalities_used"`
}

// FusionResult is the immutable output artifact of a completed job
type FusionResult struct {
	JobID    string         `json:"job_id"`
	Segments []FusedSegment `json:"segments"`
	Metadata FusionMetadata `json:"metadata"`
}
