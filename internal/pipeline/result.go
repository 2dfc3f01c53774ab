package pipeline

import (
	"time"

	"github.com/lokalhq/lokal/internal/media"
	"github.com/lokalhq/lokal/internal/scoring"
	"github.com/lokalhq/lokal/internal/store"
)

// FrameSet is the extract stage output.
type FrameSet struct {
	Frames       []media.Frame `json:"frames"`
	FallbackMode bool          `json:"fallback_mode"`
}

// TrackSet is the detect stage output.
type TrackSet struct {
	Objects      []media.TrackedObject `json:"objects"`
	FallbackMode bool                  `json:"fallback_mode"`
}

// CropSet is the crop stage output. Objects that could not be cropped are
// kept without a crop path.
type CropSet struct {
	Objects      []media.TrackedObject `json:"objects"`
	Cropped      int                   `json:"cropped"`
	FallbackMode bool                  `json:"fallback_mode"`
}

// MatchSet is the match stage output.
type MatchSet struct {
	PerObject       map[int][]scoring.Match `json:"per_object"`
	Recommendations []scoring.Match         `json:"recommendations"`
	FallbackMode    bool                    `json:"fallback_mode"`
}

// Summary holds per-stage counts.
type Summary struct {
	Frames          int          `json:"frames"`
	Tracks          int          `json:"tracks"`
	Cropped         int          `json:"cropped"`
	Filtered        FilterCounts `json:"filtered"`
	Described       int          `json:"described"`
	DescribeFailed  int          `json:"describe_failed"`
	MatchedObjects  int          `json:"matched_objects"`
	Recommendations int          `json:"recommendations"`
}

// Telemetry holds cost and reliability figures for a run.
type Telemetry struct {
	AnalysisCalls  int           `json:"analysis_calls"`
	CacheHits      int           `json:"cache_hits"`
	CacheMisses    int           `json:"cache_misses"`
	CacheHitRate   float64       `json:"cache_hit_rate"`
	Retries        int           `json:"retries"`
	FallbackStages []Stage       `json:"fallback_stages"`
	Duration       time.Duration `json:"duration"`
}

// Result is the finalized record of a completed job.
type Result struct {
	JobID           string                  `json:"job_id"`
	VideoID         string                  `json:"video_id"`
	Summary         Summary                 `json:"summary"`
	Recommendations []scoring.Match         `json:"recommendations"`
	PerObject       map[int][]scoring.Match `json:"per_object"`
	Telemetry       Telemetry               `json:"telemetry"`
	FallbackMode    bool                    `json:"fallback_mode"`
	CompletedAt     time.Time               `json:"completed_at"`
}

// Degraded reports whether any stage fell back.
func (r *Result) Degraded() bool {
	return len(r.Telemetry.FallbackStages) > 0
}

// Meta returns the indexed columns stored with the result.
func (r *Result) Meta() store.ResultMeta {
	stages := make([]string, len(r.Telemetry.FallbackStages))
	for i, s := range r.Telemetry.FallbackStages {
		stages[i] = string(s)
	}
	return store.ResultMeta{
		VideoID:         r.VideoID,
		Recommendations: len(r.Recommendations),
		FallbackStages:  stages,
	}
}

func hitRate(hits, misses int) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
