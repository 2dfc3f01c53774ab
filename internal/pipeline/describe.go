package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lokalhq/lokal/internal/cache"
	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/media"
	"github.com/lokalhq/lokal/internal/metrics"
	"github.com/lokalhq/lokal/internal/vision"
)

// Pacer delays outbound vision calls to respect the provider rate limit.
type Pacer interface {
	WaitVision(ctx context.Context) error
}

// FilterCounts records why objects were skipped before any vision call.
type FilterCounts struct {
	LowConfidence int `json:"low_confidence"`
	TooSmall      int `json:"too_small"`
	Blocklisted   int `json:"blocklisted"`
	FewHits       int `json:"few_hits"`
	OverBudget    int `json:"over_budget"`
}

// Total returns the number of filtered objects.
func (f FilterCounts) Total() int {
	return f.LowConfidence + f.TooSmall + f.Blocklisted + f.FewHits + f.OverBudget
}

// Described pairs an object with its description.
type Described struct {
	Object      media.TrackedObject `json:"object"`
	Description vision.Description  `json:"description"`
}

// DescriptionSet is the describe stage output.
type DescriptionSet struct {
	Items        []Described  `json:"items"`
	Filtered     FilterCounts `json:"filtered"`
	Calls        int          `json:"calls"`
	CacheHits    int          `json:"cache_hits"`
	CacheMisses  int          `json:"cache_misses"`
	Failed       int          `json:"failed"`
	FallbackMode bool         `json:"fallback_mode"`
}

// DescribeStage filters tracked objects, then describes the survivors in
// sequential batches, reusing cached answers where possible.
type DescribeStage struct {
	Describer vision.Describer
	Cache     cache.Store // optional
	Pacer     Pacer       // optional
	Metrics   *metrics.Metrics
	Log       logger.Logger

	CacheTTL    time.Duration
	BatchSize   int
	BatchDelay  time.Duration
	MinCropSize int
	MinHits     int
	Blocklist   map[string]bool

	readFile func(string) ([]byte, error)
	sleep    func(context.Context, time.Duration) error
}

// NewDescribeStage builds a describe stage from pipeline settings.
func NewDescribeStage(d vision.Describer, store cache.Store, cfg config.PipelineConfig, cacheTTL time.Duration) *DescribeStage {
	block := make(map[string]bool, len(cfg.Blocklist))
	for _, c := range cfg.Blocklist {
		block[normalizeClass(c)] = true
	}
	return &DescribeStage{
		Describer:   d,
		Cache:       store,
		Log:         logger.NewNop(),
		CacheTTL:    cacheTTL,
		BatchSize:   max(cfg.BatchSize, 1),
		BatchDelay:  cfg.BatchDelay,
		MinCropSize: cfg.MinCropSize,
		MinHits:     cfg.MinHits,
		Blocklist:   block,
		readFile:    os.ReadFile,
		sleep:       sleepCtx,
	}
}

// DescriptionKey is the cache key for a crop. It depends on the class and
// crop size only, so tracks of the same product share one answer.
func DescriptionKey(className string, width, height int) string {
	return fmt.Sprintf("vision:desc:%s:%dx%d", strings.ReplaceAll(normalizeClass(className), " ", "_"), width, height)
}

func normalizeClass(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Filter returns the objects worth a vision call, best first, and why the
// rest were dropped.
func (d *DescribeStage) Filter(objs []media.TrackedObject, opts Options) ([]media.TrackedObject, FilterCounts) {
	var counts FilterCounts
	minHits := max(d.MinHits, 2)
	keep := make([]media.TrackedObject, 0, len(objs))
	for _, o := range objs {
		switch {
		case o.Confidence < opts.ConfidenceThreshold:
			counts.LowConfidence++
		case !o.Cropped() || o.CropWidth < d.MinCropSize || o.CropHeight < d.MinCropSize:
			counts.TooSmall++
		case d.Blocklist[normalizeClass(o.ClassName)]:
			counts.Blocklisted++
		case o.HitCount < minHits:
			counts.FewHits++
		default:
			keep = append(keep, o)
		}
	}

	sort.SliceStable(keep, func(i, j int) bool {
		a, b := keep[i], keep[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.HitCount != b.HitCount {
			return a.HitCount > b.HitCount
		}
		return a.TrackID < b.TrackID
	})
	if opts.MaxAnalysisCalls > 0 && len(keep) > opts.MaxAnalysisCalls {
		counts.OverBudget = len(keep) - opts.MaxAnalysisCalls
		keep = keep[:opts.MaxAnalysisCalls]
	}
	return keep, counts
}

// Describe describes every object that passes Filter. A bad answer for one
// object drops that object; a transport failure fails the whole call and is
// returned together with the partial set so callers can account for spend.
func (d *DescribeStage) Describe(ctx context.Context, objs []media.TrackedObject, jobID string, opts Options) (DescriptionSet, error) {
	if d.Describer == nil {
		return DescriptionSet{}, Terminal(fmt.Errorf("pipeline: describer is not configured"))
	}
	candidates, counts := d.Filter(objs, opts)
	set := DescriptionSet{Filtered: counts, Items: []Described{}}
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With(logger.String("job_id", jobID))

	for i, batch := range batches(candidates, d.BatchSize) {
		if i > 0 {
			if err := d.sleep(ctx, d.BatchDelay); err != nil {
				return set, err
			}
		}
		for _, obj := range batch {
			desc, ok, err := d.describeOne(ctx, obj, opts, &set, log)
			if err != nil {
				return set, err
			}
			if !ok {
				set.Failed++
				continue
			}
			obj.Description = &desc
			set.Items = append(set.Items, Described{Object: obj, Description: desc})
		}
	}
	return set, nil
}

func (d *DescribeStage) describeOne(ctx context.Context, obj media.TrackedObject, opts Options, set *DescriptionSet, log logger.Logger) (vision.Description, bool, error) {
	key := DescriptionKey(obj.ClassName, obj.CropWidth, obj.CropHeight)
	if d.Cache != nil {
		var cached vision.Description
		err := cache.GetJSON(ctx, d.Cache, key, &cached)
		if err == nil {
			set.CacheHits++
			d.Metrics.CacheLookup(true)
			cached.Cached = true
			return cached, true, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			log.Warn("Description cache read failed", logger.String("key", key), logger.Error(err))
		}
		set.CacheMisses++
		d.Metrics.CacheLookup(false)
	}

	img, err := d.readFile(obj.CropPath)
	if err != nil {
		log.Warn("Skipping object with unreadable crop",
			logger.Int("track_id", obj.TrackID), logger.Error(err))
		return vision.Description{}, false, nil
	}

	if d.Pacer != nil {
		if err := d.Pacer.WaitVision(ctx); err != nil {
			return vision.Description{}, false, err
		}
	}

	set.Calls++
	desc, err := d.Describer.Describe(ctx, img, vision.Prompt{
		ClassName: obj.ClassName,
		LowDetail: opts.LowDetail,
	})
	switch {
	case err == nil:
		d.Metrics.VisionCall("ok")
	case errors.Is(err, vision.ErrTransport):
		d.Metrics.VisionCall("transport_error")
		return vision.Description{}, false, fmt.Errorf("pipeline: describe track %d: %w", obj.TrackID, err)
	case ctx.Err() != nil:
		return vision.Description{}, false, ctx.Err()
	default:
		d.Metrics.VisionCall("no_product")
		log.Info("No product in crop",
			logger.Int("track_id", obj.TrackID),
			logger.String("class", obj.ClassName),
			logger.Error(err),
		)
		return vision.Description{}, false, nil
	}

	desc.Cached = false
	if d.Cache != nil && !desc.Fallback {
		if err := cache.SetJSON(ctx, d.Cache, key, desc, d.CacheTTL); err != nil {
			log.Warn("Description cache write failed", logger.String("key", key), logger.Error(err))
		}
	}
	return desc, true, nil
}

// Heuristic describes the filtered objects from their class names without
// calling the vision service. It is the describe stage fallback.
func (d *DescribeStage) Heuristic(objs []media.TrackedObject, opts Options) DescriptionSet {
	candidates, counts := d.Filter(objs, opts)
	set := DescriptionSet{Filtered: counts, Items: make([]Described, 0, len(candidates)), FallbackMode: true}
	for _, obj := range candidates {
		desc := vision.FromClassName(obj.ClassName)
		obj.Description = &desc
		set.Items = append(set.Items, Described{Object: obj, Description: desc})
	}
	return set
}

func batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}
