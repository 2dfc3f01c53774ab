// Package pipeline turns one uploaded video into ranked product
// recommendations. A job runs six stages in order (extract, detect, crop,
// describe, match, finalize), each through a retry wrapper with an optional
// degraded fallback, and reports progress on the status channel.
package pipeline

import (
	"time"

	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/scoring"
	"github.com/lokalhq/lokal/internal/status"
)

// Job statuses, in run order.
const (
	StatusInitializing = "initializing"
	StatusExtracting   = "extracting_frames"
	StatusDetecting    = "detecting_objects"
	StatusCropping     = "cropping_objects"
	StatusAnalyzing    = "analyzing_objects"
	StatusMatching     = "matching_products"
	StatusFinalizing   = "finalizing"
	StatusCompleted    = status.StatusCompleted
	StatusFailed       = status.StatusFailed
)

// Stage names one step of the pipeline.
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageExtract    Stage = "extract"
	StageDetect     Stage = "detect"
	StageCrop       Stage = "crop"
	StageDescribe   Stage = "describe"
	StageMatch      Stage = "match"
	StageFinalize   Stage = "finalize"
)

// Stages lists every executed stage in order. StageInitialize only labels
// failures that happen before extraction starts.
var Stages = []Stage{StageExtract, StageDetect, StageCrop, StageDescribe, StageMatch, StageFinalize}

var checkpoints = map[Stage]struct {
	status   string
	progress int
}{
	StageInitialize: {StatusInitializing, 0},
	StageExtract:    {StatusExtracting, 10},
	StageDetect:     {StatusDetecting, 30},
	StageCrop:       {StatusCropping, 50},
	StageDescribe:   {StatusAnalyzing, 70},
	StageMatch:      {StatusMatching, 90},
	StageFinalize:   {StatusFinalizing, 100},
}

// Status returns the job status reported while the stage runs.
func (s Stage) Status() string { return checkpoints[s].status }

// Progress returns the fixed progress checkpoint emitted before the stage.
func (s Stage) Progress() int { return checkpoints[s].progress }

// Options is the resolved per-job configuration snapshot.
type Options struct {
	VideoID string `json:"video_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`

	MaxFrames           int      `json:"max_frames"`
	FrameInterval       float64  `json:"frame_interval"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	MaxObjectsPerFrame  int      `json:"max_objects_per_frame"`
	MaxAnalysisCalls    int      `json:"max_analysis_calls"`
	IoUThreshold        float64  `json:"iou_threshold"`
	LowDetail           bool     `json:"low_detail"`
	UserTags            []string `json:"user_tags,omitempty"`
}

// DefaultOptions builds the option defaults from configuration.
func DefaultOptions(cfg *config.Config) Options {
	return Options{
		MaxFrames:           cfg.Pipeline.MaxFrames,
		FrameInterval:       cfg.Pipeline.FrameInterval,
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		MaxObjectsPerFrame:  cfg.Pipeline.MaxObjectsPerFrame,
		MaxAnalysisCalls:    cfg.Pipeline.MaxAnalysisCalls,
		IoUThreshold:        cfg.Detector.IoUThreshold,
		LowDetail:           cfg.Pipeline.LowDetailVision(),
	}
}

// Resolve fills zero-valued fields from defaults and normalizes user tags.
// Invalid tags are dropped.
func (o Options) Resolve(defaults Options) Options {
	if o.MaxFrames <= 0 {
		o.MaxFrames = defaults.MaxFrames
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = defaults.FrameInterval
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = defaults.ConfidenceThreshold
	}
	if o.MaxObjectsPerFrame <= 0 {
		o.MaxObjectsPerFrame = defaults.MaxObjectsPerFrame
	}
	if o.MaxAnalysisCalls <= 0 {
		o.MaxAnalysisCalls = defaults.MaxAnalysisCalls
	}
	if o.IoUThreshold <= 0 {
		o.IoUThreshold = defaults.IoUThreshold
	}
	if !o.LowDetail {
		o.LowDetail = defaults.LowDetail
	}
	o.UserTags, _ = scoring.ValidateTags(o.UserTags)
	return o
}

// Clamp bounds the cost-relevant options by the configured ceilings.
func (o Options) Clamp(c config.Ceilings) Options {
	if c.MaxFrames > 0 && (o.MaxFrames <= 0 || o.MaxFrames > c.MaxFrames) {
		o.MaxFrames = c.MaxFrames
	}
	if c.MaxObjectsPerFrame > 0 && (o.MaxObjectsPerFrame <= 0 || o.MaxObjectsPerFrame > c.MaxObjectsPerFrame) {
		o.MaxObjectsPerFrame = c.MaxObjectsPerFrame
	}
	if c.MaxAnalysisCalls > 0 && (o.MaxAnalysisCalls <= 0 || o.MaxAnalysisCalls > c.MaxAnalysisCalls) {
		o.MaxAnalysisCalls = c.MaxAnalysisCalls
	}
	if c.MinConfidence > 0 && o.ConfidenceThreshold < c.MinConfidence {
		o.ConfidenceThreshold = c.MinConfidence
	}
	if c.MaxConfidence > 0 && o.ConfidenceThreshold > c.MaxConfidence {
		o.ConfidenceThreshold = c.MaxConfidence
	}
	return o
}

// Job is one pipeline run for one video.
type Job struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"video_id"`
	VideoPath string    `json:"video_path"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Options   Options   `json:"options"`
}
