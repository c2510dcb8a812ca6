package fusion

import (
	"math"
	"sort"

	"github.com/gordowuu/GORGGLES/pkg/models"
)

// Config holds the fusion thresholds
type Config struct {
	// AudioConfidenceThreshold is the confidence at or above which the
	// audio transcript wins arbitration outright.
	AudioConfidenceThreshold float64
	// FaceLookupMarginSeconds extends the face sample lookup window
	// beyond the segment span on each side.
	FaceLookupMarginSeconds float64
}

// DefaultConfig returns the standard fusion thresholds
func DefaultConfig() Config {
	return Config{
		AudioConfidenceThreshold: 0.6,
		FaceLookupMarginSeconds:  0.0,
	}
}

// Input carries whatever branch results succeeded. Any of the three
// lists may be empty; the engine degrades accordingly.
type Input struct {
	Audio  []models.AudioSegment
	Face   []models.FaceSample
	Visual []models.VisualSegment
}

// minSegmentSpan keeps end > start when a backbone range degenerates
// to a point (e.g. a face track with a single sample).
const minSegmentSpan = 0.001

// Fuse reconciles the three modality streams into one ordered,
// source-attributed transcript. It is a pure function: no I/O, total
// over any well-formed input combination including empty lists, and
// deterministic for identical input.
func Fuse(in Input, cfg Config) models.FusionResult {
	entries := backbone(in)

	segments := make([]models.FusedSegment, 0, len(entries))
	for _, e := range entries {
		seg := models.FusedSegment{
			Start:        e.start,
			End:          e.end,
			SpeakerLabel: e.speaker,
			AudioText:    e.audioText,
		}

		if face, ok := nearestFace(in.Face, e.start, e.end, cfg.FaceLookupMarginSeconds); ok {
			bbox := face.Bbox
			conf := face.Confidence
			seg.Face = &bbox
			seg.FaceConfidence = &conf
		}

		vis, visOK := bestOverlappingVisual(in.Visual, e.start, e.end)
		if visOK {
			seg.VisualText = vis.Text
		}

		// Source arbitration: high-confidence audio wins; otherwise a
		// more confident overlapping visual segment; otherwise any
		// audio text beats none.
		switch {
		case e.hasAudio && e.audioConfidence >= cfg.AudioConfidenceThreshold:
			seg.Source = models.SourceAudio
			seg.Text = e.audioText
		case visOK && vis.Confidence > e.audioConfidence:
			seg.Source = models.SourceVisual
			seg.Text = vis.Text
		case e.hasAudio && e.audioText != "":
			seg.Source = models.SourceAudio
			seg.Text = e.audioText
		default:
			seg.Source = models.SourceUnavailable
			seg.Text = ""
		}

		segments = append(segments, seg)
	}

	// Stable sort keeps backbone order for exact ties, which makes the
	// output reproducible byte for byte.
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].Start != segments[j].Start {
			return segments[i].Start < segments[j].Start
		}
		return segments[i].End < segments[j].End
	})

	return models.FusionResult{
		Segments: segments,
		Metadata: buildMetadata(segments, len(in.Face)),
	}
}

// backboneEntry is one time window the fused output will be built on
type backboneEntry struct {
	start           float64
	end             float64
	speaker         string
	audioText       string
	audioConfidence float64
	hasAudio        bool
}

// backbone selects the segment list that defines output time
// boundaries: diarized audio when present, visual otherwise. A face
// track alone still yields one unattributed window covering its range.
func backbone(in Input) []backboneEntry {
	if len(in.Audio) > 0 {
		entries := make([]backboneEntry, 0, len(in.Audio))
		for _, a := range in.Audio {
			entries = append(entries, backboneEntry{
				start:           a.Start,
				end:             a.End,
				speaker:         a.SpeakerLabel,
				audioText:       a.Text,
				audioConfidence: a.Confidence,
				hasAudio:        true,
			})
		}
		return entries
	}

	if len(in.Visual) > 0 {
		entries := make([]backboneEntry, 0, len(in.Visual))
		for _, v := range in.Visual {
			entries = append(entries, backboneEntry{
				start: v.Start,
				end:   v.End,
			})
		}
		return entries
	}

	if len(in.Face) > 0 {
		start := in.Face[0].Timestamp
		end := in.Face[0].Timestamp
		for _, f := range in.Face[1:] {
			if f.Timestamp < start {
				start = f.Timestamp
			}
			if f.Timestamp > end {
				end = f.Timestamp
			}
		}
		if end-start < minSegmentSpan {
			end = start + minSegmentSpan
		}
		return []backboneEntry{{start: start, end: end}}
	}

	return nil
}

// nearestFace picks the face sample closest to the segment midpoint,
// looking only inside the segment span extended by margin on each
// side. A miss is a normal outcome, never an error.
func nearestFace(track []models.FaceSample, start, end, margin float64) (models.FaceSample, bool) {
	mid := (start + end) / 2
	lo := start - margin
	hi := end + margin

	best := models.FaceSample{}
	bestDist := math.Inf(1)
	found := false
	for _, f := range track {
		if f.Timestamp < lo || f.Timestamp > hi {
			continue
		}
		dist := math.Abs(f.Timestamp - mid)
		if dist < bestDist {
			best = f
			bestDist = dist
			found = true
		}
	}
	return best, found
}

// bestOverlappingVisual returns the highest-confidence visual segment
// overlapping [start, end). A whole-clip segment overlaps everything.
// Ties break toward the earlier segment so the choice is deterministic.
func bestOverlappingVisual(visual []models.VisualSegment, start, end float64) (models.VisualSegment, bool) {
	best := models.VisualSegment{}
	found := false
	for _, v := range visual {
		if v.Start >= end || v.End <= start {
			continue
		}
		if !found || v.Confidence > best.Confidence ||
			(v.Confidence == best.Confidence && v.Start < best.Start) {
			best = v
			found = true
		}
	}
	return best, found
}

func buildMetadata(segments []models.FusedSegment, facesTracked int) models.FusionMetadata {
	speakers := make(map[string]bool)
	hasAudio := false
	hasVisual := false
	for _, s := range segments {
		if s.SpeakerLabel != "" {
			speakers[s.SpeakerLabel] = true
		}
		switch s.Source {
		case models.SourceAudio:
			hasAudio = true
		case models.SourceVisual:
			hasVisual = true
		}
	}

	// Fixed emission order keeps output deterministic
	used := make([]string, 0, 2)
	if hasAudio {
		used = append(used, string(models.SourceAudio))
	}
	if hasVisual {
		used = append(used, string(models.SourceVisual))
	}

	return models.FusionMetadata{
		TotalSegments:    len(segments),
		SpeakersDetected: len(speakers),
		FacesTracked:     facesTracked,
		ModalitiesUsed:   used,
	}
}
