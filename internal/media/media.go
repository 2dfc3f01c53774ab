// Package media holds the tracked-object model shared by the pipeline stages
// and the frame extraction and cropping collaborators.
package media

import (
	"sort"

	"github.com/lokalhq/lokal/internal/vision"
)

// BoundingBox is an axis-aligned box in pixel coordinates (x1,y1)-(x2,y2).
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width, never negative.
func (b BoundingBox) Width() float64 {
	if b.X2 < b.X1 {
		return 0
	}
	return b.X2 - b.X1
}

// Height returns the box height, never negative.
func (b BoundingBox) Height() float64 {
	if b.Y2 < b.Y1 {
		return 0
	}
	return b.Y2 - b.Y1
}

// Area returns the box area.
func (b BoundingBox) Area() float64 {
	return b.Width() * b.Height()
}

// FrameBox is one observation of a track in a specific frame.
type FrameBox struct {
	FrameNumber int         `json:"frame_number"`
	TimestampMs int64       `json:"timestamp_ms"`
	Box         BoundingBox `json:"box"`
	Confidence  float64     `json:"confidence"`
}

// Frame is one extracted still image on disk.
type Frame struct {
	Number int    `json:"number"`
	Path   string `json:"path"`
}

// TrackedObject is one physical object followed across frames by the detector.
type TrackedObject struct {
	TrackID    int        `json:"track_id"`
	ClassName  string     `json:"class_name"`
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"`
	Boxes      []FrameBox `json:"boxes"`
	HitCount   int        `json:"hit_count"`

	CropPath   string `json:"crop_path,omitempty"`
	CropWidth  int    `json:"crop_width,omitempty"`
	CropHeight int    `json:"crop_height,omitempty"`

	Description *vision.Description `json:"description,omitempty"`
}

// Cropped reports whether the object has a crop on disk.
func (o TrackedObject) Cropped() bool {
	return o.CropPath != ""
}

// BestBox returns the observation with the highest confidence, preferring the
// larger box on ties. ok is false when the object has no observations.
func (o TrackedObject) BestBox() (FrameBox, bool) {
	if len(o.Boxes) == 0 {
		return FrameBox{}, false
	}
	best := o.Boxes[0]
	for _, b := range o.Boxes[1:] {
		if b.Confidence > best.Confidence ||
			(b.Confidence == best.Confidence && b.Box.Area() > best.Box.Area()) {
			best = b
		}
	}
	return best, true
}

// SortByTrackID orders objects by ascending track id in place.
func SortByTrackID(objs []TrackedObject) {
	sort.SliceStable(objs, func(i, j int) bool { return objs[i].TrackID < objs[j].TrackID })
}
