// Package detector runs the out-of-process object detector/tracker and turns
// its per-frame output into tracked objects.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lokalhq/lokal/internal/media"
)

var (
	// ErrTimeout means the detector did not finish within its deadline.
	ErrTimeout = errors.New("detector: timed out")
	// ErrMalformedOutput means stdout was not a detector result document.
	ErrMalformedOutput = errors.New("detector: malformed output")
	// ErrReported means the detector ran and reported an error of its own.
	ErrReported = errors.New("detector: reported error")
)

// Options are the per-job detection parameters.
type Options struct {
	ConfidenceThreshold float64
	MaxObjectsPerFrame  int
	IoUThreshold        float64
}

// Detector finds and tracks objects across a video.
type Detector interface {
	Detect(ctx context.Context, videoPath string, opts Options) ([]media.TrackedObject, error)
}

// Track is one tracked box in one frame as emitted by the detector.
type Track struct {
	TrackID    int        `json:"track_id"`
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	ClassName  string     `json:"class_name"`
	ClassID    int        `json:"class_id"`
	Hits       int        `json:"hits"`
	Age        int        `json:"age"`
	State      string     `json:"state"`
	Quality    float64    `json:"quality"`
}

// FrameResult is the detector output for one frame.
type FrameResult struct {
	FrameNumber int     `json:"frame_number"`
	Timestamp   float64 `json:"timestamp"` // milliseconds
	Tracks      []Track `json:"tracks"`
}

// Output is the full stdout document of one detector run.
type Output struct {
	TotalFrames   int                    `json:"total_frames"`
	TotalTracks   int                    `json:"total_tracks"`
	FrameResults  []FrameResult          `json:"frame_results"`
	TrackingStats map[string]interface{} `json:"tracking_stats,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Parse decodes detector stdout. Any leading log noise before the JSON
// document is skipped.
func Parse(data []byte) (*Output, error) {
	text := strings.TrimSpace(string(data))
	start := strings.Index(text, "{")
	if start < 0 {
		return nil, fmt.Errorf("%w: no JSON object in %d bytes", ErrMalformedOutput, len(data))
	}
	var out Output
	if err := json.Unmarshal([]byte(text[start:]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrReported, out.Error)
	}
	if out.FrameResults == nil && out.TotalFrames == 0 && out.TotalTracks == 0 {
		return nil, fmt.Errorf("%w: missing frame_results", ErrMalformedOutput)
	}
	return &out, nil
}

// Aggregate folds per-frame tracks into one TrackedObject per track id,
// ordered by track id. The class comes from the most confident observation.
func Aggregate(frames []FrameResult) []media.TrackedObject {
	byID := make(map[int]*media.TrackedObject)
	frameCount := make(map[int]map[int]bool)

	for _, fr := range frames {
		for _, tr := range fr.Tracks {
			obj, ok := byID[tr.TrackID]
			if !ok {
				obj = &media.TrackedObject{TrackID: tr.TrackID}
				byID[tr.TrackID] = obj
				frameCount[tr.TrackID] = make(map[int]bool)
			}
			if !ok || tr.Confidence > obj.Confidence {
				obj.Confidence = tr.Confidence
				obj.ClassName = tr.ClassName
				obj.ClassID = tr.ClassID
			}
			if tr.Hits > obj.HitCount {
				obj.HitCount = tr.Hits
			}
			frameCount[tr.TrackID][fr.FrameNumber] = true
			obj.Boxes = append(obj.Boxes, media.FrameBox{
				FrameNumber: fr.FrameNumber,
				TimestampMs: int64(fr.Timestamp),
				Box:         media.BoundingBox{X1: tr.BBox[0], Y1: tr.BBox[1], X2: tr.BBox[2], Y2: tr.BBox[3]},
				Confidence:  tr.Confidence,
			})
		}
	}

	out := make([]media.TrackedObject, 0, len(byID))
	for id, obj := range byID {
		if n := len(frameCount[id]); n > obj.HitCount {
			obj.HitCount = n
		}
		sort.SliceStable(obj.Boxes, func(i, j int) bool { return obj.Boxes[i].FrameNumber < obj.Boxes[j].FrameNumber })
		out = append(out, *obj)
	}
	media.SortByTrackID(out)
	return out
}
