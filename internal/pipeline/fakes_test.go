package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lokalhq/lokal/internal/cache"
	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/detector"
	"github.com/lokalhq/lokal/internal/media"
	"github.com/lokalhq/lokal/internal/status"
	"github.com/lokalhq/lokal/internal/store"
	"github.com/lokalhq/lokal/internal/vision"
)

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, opts media.ExtractOptions) ([]media.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	frames := make([]media.Frame, 3)
	for i := range frames {
		frames[i] = media.Frame{Number: i, Path: filepath.Join(opts.OutDir, fmt.Sprintf("frame_%04d.jpg", i))}
	}
	return frames, nil
}

// fakeDetector returns errs in order, one per call, then objs.
type fakeDetector struct {
	mu    sync.Mutex
	calls int
	errs  []error
	objs  []media.TrackedObject
	opts  detector.Options
}

func (f *fakeDetector) Detect(_ context.Context, _ string, opts detector.Options) ([]media.TrackedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.opts = opts
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	out := make([]media.TrackedObject, len(f.objs))
	copy(out, f.objs)
	return out, nil
}

func (f *fakeDetector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCropper writes a small placeholder file per object.
type fakeCropper struct {
	size int
}

func (f *fakeCropper) Crop(_ context.Context, _ []media.Frame, objs []media.TrackedObject, outDir string) ([]media.TrackedObject, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	out := make([]media.TrackedObject, len(objs))
	copy(out, objs)
	for i := range out {
		path := filepath.Join(outDir, fmt.Sprintf("track_%d.jpg", out[i].TrackID))
		if err := os.WriteFile(path, []byte("crop"), 0o644); err != nil {
			return nil, err
		}
		out[i].CropPath = path
		out[i].CropWidth = f.size
		out[i].CropHeight = f.size
	}
	return out, nil
}

type fakeDescriber struct {
	mu      sync.Mutex
	calls   int
	answers map[string]vision.Description
	errs    map[string]error
}

func (f *fakeDescriber) Describe(_ context.Context, _ []byte, p vision.Prompt) (vision.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[p.ClassName]; ok {
		return vision.Description{}, err
	}
	if d, ok := f.answers[p.ClassName]; ok {
		return d, nil
	}
	return vision.Description{}, vision.ErrNoProduct
}

func (f *fakeDescriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSaver struct {
	mu    sync.Mutex
	saves map[string]int
	last  *Result
	meta  store.ResultMeta
}

func (f *fakeSaver) Save(_ context.Context, jobID string, meta store.ResultMeta, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saves == nil {
		f.saves = make(map[string]int)
	}
	if f.saves[jobID] > 0 {
		return fmt.Errorf("%w: %s", store.ErrAlreadySaved, jobID)
	}
	f.saves[jobID]++
	f.last, _ = body.(*Result)
	f.meta = meta
	return nil
}

func (f *fakeSaver) Count(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[jobID]
}

func sneakerObjects() []media.TrackedObject {
	box := func(frame int, conf float64) media.FrameBox {
		return media.FrameBox{FrameNumber: frame, Box: media.BoundingBox{X1: 10, Y1: 10, X2: 200, Y2: 200}, Confidence: conf}
	}
	return []media.TrackedObject{
		{TrackID: 1, ClassName: "sneakers", Confidence: 0.9, HitCount: 3, Boxes: []media.FrameBox{box(0, 0.8), box(1, 0.9)}},
		{TrackID: 2, ClassName: "person", Confidence: 0.95, HitCount: 3, Boxes: []media.FrameBox{box(0, 0.95)}},
		{TrackID: 3, ClassName: "cup", Confidence: 0.8, HitCount: 1, Boxes: []media.FrameBox{box(2, 0.8)}},
	}
}

func sneakerCatalog() catalog.Static {
	return catalog.Static{
		{ID: "p1", Title: "Nike Air Max 90", Category: "shoes", Brand: "Nike", Price: 120,
			Keywords: []string{"sneakers", "running"}, Rating: 4.6},
		{ID: "p2", Title: "Ceramic Mug", Category: "kitchen", Brand: "Acme", Price: 12,
			Keywords: []string{"mug", "coffee"}, Rating: 4.1},
	}
}

func sneakerDescriber() *fakeDescriber {
	return &fakeDescriber{answers: map[string]vision.Description{
		"sneakers": {ProductName: "Nike Air Max", Category: "shoes", Brand: "Nike",
			Keywords: []string{"sneakers", "running"}, Confidence: 0.9},
	}}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.WorkDir = t.TempDir()
	cfg.Pipeline.RetryDelay = time.Millisecond
	cfg.Pipeline.BatchDelay = time.Millisecond
	return cfg
}

func writeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return path
}

type harness struct {
	cfg       *config.Config
	extractor *fakeExtractor
	detector  *fakeDetector
	describer *fakeDescriber
	cache     *cache.MemoryStore
	saver     *fakeSaver
	hub       *status.Hub
	orch      *Orchestrator
}

func newHarness(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()
	cfg := testConfig(t)
	h := &harness{
		cfg:       cfg,
		extractor: &fakeExtractor{},
		detector:  &fakeDetector{objs: sneakerObjects()},
		describer: sneakerDescriber(),
		cache:     cache.NewMemoryStore(),
		saver:     &fakeSaver{},
		hub:       status.NewHub(nil, nil, status.WithBufferSize(128)),
	}
	deps := Deps{
		Extractor: h.extractor,
		Detector:  h.detector,
		Cropper:   &fakeCropper{size: 120},
		Catalog:   sneakerCatalog(),
		Results:   h.saver,
		Status:    h.hub,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	if deps.Describe == nil {
		deps.Describe = NewDescribeStage(h.describer, h.cache, cfg.Pipeline, time.Hour)
	}
	orch, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	return h
}

// collect drains a job subscription until the terminal update closes it.
func collect(t *testing.T, ch <-chan status.Update) []status.Update {
	t.Helper()
	var out []status.Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatalf("timed out waiting for terminal update; got %d updates", len(out))
			return out
		}
	}
}
