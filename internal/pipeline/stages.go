package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lokalhq/lokal/internal/detector"
	"github.com/lokalhq/lokal/internal/media"
	"github.com/lokalhq/lokal/internal/scoring"
	"github.com/lokalhq/lokal/internal/store"
)

// runStages executes the six stages in order and returns the saved result.
func (o *Orchestrator) runStages(ctx context.Context, r *run) (*Result, error) {
	opts := r.job.Options

	frames, err := runStage(ctx, o, r, StageExtract,
		func(ctx context.Context) (FrameSet, error) { return o.extract(ctx, r) },
		func(error) (FrameSet, error) { return FrameSet{Frames: []media.Frame{}, FallbackMode: true}, nil },
	)
	if err != nil {
		return nil, err
	}

	tracks, err := runStage(ctx, o, r, StageDetect,
		func(ctx context.Context) (TrackSet, error) { return o.detect(ctx, r) },
		func(error) (TrackSet, error) {
			return TrackSet{Objects: []media.TrackedObject{}, FallbackMode: true}, nil
		},
	)
	if err != nil {
		return nil, err
	}

	crops, err := runStage(ctx, o, r, StageCrop,
		func(ctx context.Context) (CropSet, error) { return o.crop(ctx, r, frames, tracks) },
		func(error) (CropSet, error) {
			return CropSet{Objects: uncropped(tracks.Objects), FallbackMode: true}, nil
		},
	)
	if err != nil {
		return nil, err
	}

	descs, err := runStage(ctx, o, r, StageDescribe,
		func(ctx context.Context) (DescriptionSet, error) {
			set, err := o.describe.Describe(ctx, crops.Objects, r.job.ID, opts)
			r.calls += set.Calls
			r.hits += set.CacheHits
			r.misses += set.CacheMisses
			return set, err
		},
		func(error) (DescriptionSet, error) { return o.describe.Heuristic(crops.Objects, opts), nil },
	)
	if err != nil {
		return nil, err
	}

	matches, err := runStage(ctx, o, r, StageMatch,
		func(ctx context.Context) (MatchSet, error) { return o.match(ctx, opts, descs) },
		func(error) (MatchSet, error) {
			return MatchSet{
				PerObject:       map[int][]scoring.Match{},
				Recommendations: []scoring.Match{},
				FallbackMode:    true,
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}

	saved := false
	return runStage(ctx, o, r, StageFinalize,
		func(ctx context.Context) (*Result, error) {
			res := o.buildResult(r, frames, tracks, crops, descs, matches)
			return res, o.save(ctx, res, &saved)
		},
		func(error) (*Result, error) {
			res := o.buildResult(r, frames, tracks, crops, descs, MatchSet{})
			res.Recommendations = []scoring.Match{}
			res.PerObject = map[int][]scoring.Match{}
			res.Summary.MatchedObjects = 0
			res.Summary.Recommendations = 0
			res.Telemetry.FallbackStages = append(res.Telemetry.FallbackStages, StageFinalize)
			res.FallbackMode = true
			if err := o.save(context.WithoutCancel(ctx), res, &saved); err != nil {
				return nil, err
			}
			return res, nil
		},
	)
}

func (o *Orchestrator) extract(ctx context.Context, r *run) (FrameSet, error) {
	dir := filepath.Join(r.workDir, "frames")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FrameSet{}, fmt.Errorf("pipeline: create %s: %w", dir, err)
	}
	frames, err := o.extractor.Extract(ctx, r.job.VideoPath, media.ExtractOptions{
		MaxFrames: r.job.Options.MaxFrames,
		Interval:  r.job.Options.FrameInterval,
		OutDir:    dir,
	})
	if err != nil {
		return FrameSet{}, err
	}
	if frames == nil {
		frames = []media.Frame{}
	}
	return FrameSet{Frames: frames}, nil
}

// detect runs one bounded detector call. Hitting the stage deadline is
// reported as detector.ErrTimeout so the retry wrapper treats it as transient.
func (o *Orchestrator) detect(ctx context.Context, r *run) (TrackSet, error) {
	dctx := ctx
	timeout := o.cfg.DetectorTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	objs, err := o.detector.Detect(dctx, r.job.VideoPath, detector.Options{
		ConfidenceThreshold: r.job.Options.ConfidenceThreshold,
		MaxObjectsPerFrame:  r.job.Options.MaxObjectsPerFrame,
		IoUThreshold:        r.job.Options.IoUThreshold,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) && !errors.Is(err, detector.ErrTimeout) {
			return TrackSet{}, fmt.Errorf("%w after %s", detector.ErrTimeout, timeout)
		}
		return TrackSet{}, err
	}
	if objs == nil {
		objs = []media.TrackedObject{}
	}
	return TrackSet{Objects: objs}, nil
}

func (o *Orchestrator) crop(ctx context.Context, r *run, frames FrameSet, tracks TrackSet) (CropSet, error) {
	if len(tracks.Objects) == 0 {
		return CropSet{Objects: []media.TrackedObject{}}, nil
	}
	objs, err := o.cropper.Crop(ctx, frames.Frames, tracks.Objects, filepath.Join(r.workDir, "crops"))
	if err != nil {
		return CropSet{}, err
	}
	set := CropSet{Objects: objs}
	for _, obj := range objs {
		if obj.Cropped() {
			set.Cropped++
		}
	}
	return set, nil
}

func (o *Orchestrator) match(ctx context.Context, opts Options, descs DescriptionSet) (MatchSet, error) {
	products, err := o.catalog.All(ctx)
	if err != nil {
		return MatchSet{}, fmt.Errorf("pipeline: load catalog: %w", err)
	}
	inputs := make([]scoring.Input, 0, len(descs.Items))
	for _, it := range descs.Items {
		inputs = append(inputs, scoring.Input{
			TrackID:          it.Object.TrackID,
			ClassName:        it.Object.ClassName,
			ObjectConfidence: it.Object.Confidence,
			Description:      it.Description,
		})
	}
	res := o.engine.Match(inputs, products, opts.UserTags)
	return MatchSet{PerObject: res.PerObject, Recommendations: res.Recommendations}, nil
}

func (o *Orchestrator) buildResult(r *run, frames FrameSet, tracks TrackSet, crops CropSet, descs DescriptionSet, matches MatchSet) *Result {
	fallbacks := append([]Stage{}, r.fallbacks...)
	recs := matches.Recommendations
	if recs == nil {
		recs = []scoring.Match{}
	}
	perObject := matches.PerObject
	if perObject == nil {
		perObject = map[int][]scoring.Match{}
	}
	return &Result{
		JobID:   r.job.ID,
		VideoID: r.job.VideoID,
		Summary: Summary{
			Frames:          len(frames.Frames),
			Tracks:          len(tracks.Objects),
			Cropped:         crops.Cropped,
			Filtered:        descs.Filtered,
			Described:       len(descs.Items),
			DescribeFailed:  descs.Failed,
			MatchedObjects:  len(perObject),
			Recommendations: len(recs),
		},
		Recommendations: recs,
		PerObject:       perObject,
		Telemetry: Telemetry{
			AnalysisCalls:  r.calls,
			CacheHits:      r.hits,
			CacheMisses:    r.misses,
			CacheHitRate:   hitRate(r.hits, r.misses),
			Retries:        r.retries,
			FallbackStages: fallbacks,
			Duration:       o.now().Sub(r.started),
		},
		FallbackMode: len(fallbacks) > 0,
		CompletedAt:  o.now(),
	}
}

// save stores res once. A duplicate after an earlier failed attempt means
// that attempt committed; a duplicate on the first attempt is terminal.
func (o *Orchestrator) save(ctx context.Context, res *Result, attempted *bool) error {
	if o.results == nil {
		return nil
	}
	err := o.results.Save(ctx, res.JobID, res.Meta(), res)
	if errors.Is(err, store.ErrAlreadySaved) {
		if *attempted {
			return nil
		}
		return Terminal(err)
	}
	*attempted = true
	return err
}

func uncropped(objs []media.TrackedObject) []media.TrackedObject {
	out := make([]media.TrackedObject, len(objs))
	copy(out, objs)
	for i := range out {
		out[i].CropPath = ""
		out[i].CropWidth = 0
		out[i].CropHeight = 0
	}
	return out
}
