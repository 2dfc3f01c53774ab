package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lokalhq/lokal/internal/cache"
	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/media"
	"github.com/lokalhq/lokal/internal/vision"
)

func cropped(t *testing.T, id int, class string, conf float64, hits, size int) media.TrackedObject {
	t.Helper()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("track_%d.jpg", id))
	if err := os.WriteFile(path, []byte("crop"), 0o644); err != nil {
		t.Fatal(err)
	}
	return media.TrackedObject{
		TrackID: id, ClassName: class, Confidence: conf, HitCount: hits,
		CropPath: path, CropWidth: size, CropHeight: size,
	}
}

func newTestStage(d vision.Describer, store cache.Store) *DescribeStage {
	cfg := config.Default().Pipeline
	s := NewDescribeStage(d, store, cfg, time.Hour)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

var describeOpts = Options{ConfidenceThreshold: 0.5, MaxAnalysisCalls: 10}

func TestDescriptionKey(t *testing.T) {
	tests := []struct {
		class string
		w, h  int
		want  string
	}{
		{"sneakers", 120, 80, "vision:desc:sneakers:120x80"},
		{"Cell Phone", 64, 64, "vision:desc:cell_phone:64x64"},
		{"  wine   glass ", 50, 90, "vision:desc:wine_glass:50x90"},
	}
	for _, tt := range tests {
		if got := DescriptionKey(tt.class, tt.w, tt.h); got != tt.want {
			t.Errorf("DescriptionKey(%q, %d, %d) = %q, want %q", tt.class, tt.w, tt.h, got, tt.want)
		}
	}
}

func TestFilter(t *testing.T) {
	s := newTestStage(sneakerDescriber(), nil)
	objs := []media.TrackedObject{
		cropped(t, 1, "sneakers", 0.9, 3, 120),
		cropped(t, 2, "sneakers", 0.4, 3, 120), // low confidence
		cropped(t, 3, "handbag", 0.8, 3, 20),   // too small
		cropped(t, 4, "Person", 0.99, 9, 300),  // blocklisted
		cropped(t, 5, "cup", 0.9, 1, 120),      // single frame
		{TrackID: 6, ClassName: "laptop", Confidence: 0.9, HitCount: 4}, // not cropped
		cropped(t, 7, "laptop", 0.9, 5, 120),
	}
	keep, counts := s.Filter(objs, describeOpts)

	want := FilterCounts{LowConfidence: 1, TooSmall: 2, Blocklisted: 1, FewHits: 1}
	if counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}
	if len(keep) != 2 {
		t.Fatalf("kept %d objects, want 2", len(keep))
	}
	// Equal confidence: more hits first.
	if keep[0].TrackID != 7 || keep[1].TrackID != 1 {
		t.Errorf("order = [%d %d], want [7 1]", keep[0].TrackID, keep[1].TrackID)
	}
}

func TestFilter_SingleFrameDropped(t *testing.T) {
	s := newTestStage(sneakerDescriber(), nil)
	keep, counts := s.Filter([]media.TrackedObject{cropped(t, 1, "sneakers", 0.99, 1, 500)}, describeOpts)
	if len(keep) != 0 || counts.FewHits != 1 {
		t.Errorf("hitCount=1 object kept: keep=%d counts=%+v", len(keep), counts)
	}
}

func TestFilter_MinHitsFloor(t *testing.T) {
	s := newTestStage(sneakerDescriber(), nil)
	s.MinHits = 1
	keep, counts := s.Filter([]media.TrackedObject{cropped(t, 1, "sneakers", 0.99, 1, 500)}, describeOpts)
	if len(keep) != 0 || counts.FewHits != 1 {
		t.Errorf("MinHits=1 let a single-frame object through: keep=%d counts=%+v", len(keep), counts)
	}
}

func TestFilter_TruncatesToBudget(t *testing.T) {
	s := newTestStage(sneakerDescriber(), nil)
	var objs []media.TrackedObject
	for i := 1; i <= 5; i++ {
		objs = append(objs, cropped(t, i, "sneakers", 0.5+float64(i)/20, 2, 100))
	}
	keep, counts := s.Filter(objs, Options{ConfidenceThreshold: 0.5, MaxAnalysisCalls: 2})
	if len(keep) != 2 || counts.OverBudget != 3 {
		t.Fatalf("keep=%d counts=%+v", len(keep), counts)
	}
	if keep[0].TrackID != 5 || keep[1].TrackID != 4 {
		t.Errorf("kept tracks %d,%d, want the two most confident (5,4)", keep[0].TrackID, keep[1].TrackID)
	}
}

func TestDescribe_CacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	obj := cropped(t, 1, "sneakers", 0.9, 3, 120)

	first := sneakerDescriber()
	set, err := newTestStage(first, store).Describe(ctx, []media.TrackedObject{obj}, "job-1", describeOpts)
	if err != nil {
		t.Fatalf("first Describe: %v", err)
	}
	if set.Calls != 1 || set.CacheMisses != 1 || set.CacheHits != 0 {
		t.Errorf("first run set = %+v", set)
	}
	if len(set.Items) != 1 || set.Items[0].Description.Cached {
		t.Fatalf("first run items = %+v", set.Items)
	}

	// Another track of the same product in a later job shares the answer.
	other := cropped(t, 42, "sneakers", 0.8, 2, 120)
	second := sneakerDescriber()
	set, err = newTestStage(second, store).Describe(ctx, []media.TrackedObject{other}, "job-2", describeOpts)
	if err != nil {
		t.Fatalf("second Describe: %v", err)
	}
	if second.Calls() != 0 || set.Calls != 0 {
		t.Errorf("cache hit still called the service %d times", second.Calls())
	}
	if set.CacheHits != 1 || len(set.Items) != 1 {
		t.Fatalf("second run set = %+v", set)
	}
	got := set.Items[0]
	if !got.Description.Cached || got.Description.ProductName != "Nike Air Max" {
		t.Errorf("cached description = %+v", got.Description)
	}
	if got.Object.TrackID != 42 || got.Object.Description == nil {
		t.Errorf("object = %+v, want track 42 with description attached", got.Object)
	}
}

func TestDescribe_PerObjectFailureSkipped(t *testing.T) {
	d := sneakerDescriber()
	d.errs = map[string]error{"handbag": errors.New("unparseable answer")}
	objs := []media.TrackedObject{
		cropped(t, 1, "sneakers", 0.9, 3, 120),
		cropped(t, 2, "handbag", 0.9, 3, 120),
		cropped(t, 3, "laptop", 0.9, 3, 120), // no answer: ErrNoProduct
	}
	set, err := newTestStage(d, nil).Describe(context.Background(), objs, "job-1", describeOpts)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(set.Items) != 1 || set.Items[0].Object.TrackID != 1 {
		t.Errorf("items = %+v, want only track 1", set.Items)
	}
	if set.Failed != 2 || set.Calls != 3 {
		t.Errorf("failed=%d calls=%d, want 2 and 3", set.Failed, set.Calls)
	}
}

func TestDescribe_TransportFailsStage(t *testing.T) {
	d := sneakerDescriber()
	d.errs = map[string]error{"sneakers": fmt.Errorf("%w: connection reset", vision.ErrTransport)}
	_, err := newTestStage(d, nil).Describe(context.Background(),
		[]media.TrackedObject{cropped(t, 1, "sneakers", 0.9, 3, 120)}, "job-1", describeOpts)
	if !errors.Is(err, vision.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestDescribe_BatchesWithDelay(t *testing.T) {
	s := newTestStage(sneakerDescriber(), nil)
	s.BatchSize = 2
	s.BatchDelay = 5 * time.Millisecond
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	var objs []media.TrackedObject
	for i := 1; i <= 5; i++ {
		objs = append(objs, cropped(t, i, "sneakers", 0.9, 3, 120+i))
	}
	set, err := s.Describe(context.Background(), objs, "job-1", describeOpts)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(set.Items) != 5 {
		t.Errorf("items = %d, want 5", len(set.Items))
	}
	if len(slept) != 2 {
		t.Errorf("inter-batch sleeps = %d, want 2 for 3 batches", len(slept))
	}
}

type countingPacer struct{ waits int }

func (p *countingPacer) WaitVision(context.Context) error {
	p.waits++
	return nil
}

func TestDescribe_PacesServiceCallsOnly(t *testing.T) {
	store := cache.NewMemoryStore()
	pacer := &countingPacer{}
	s := newTestStage(sneakerDescriber(), store)
	s.Pacer = pacer
	objs := []media.TrackedObject{
		cropped(t, 1, "sneakers", 0.9, 3, 120),
		cropped(t, 2, "sneakers", 0.9, 3, 120), // same key as track 1
	}
	set, err := s.Describe(context.Background(), objs, "job-1", describeOpts)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if pacer.waits != 1 || set.Calls != 1 || set.CacheHits != 1 {
		t.Errorf("waits=%d calls=%d hits=%d, want 1/1/1", pacer.waits, set.Calls, set.CacheHits)
	}
}

func TestHeuristic(t *testing.T) {
	s := newTestStage(sneakerDescriber(), nil)
	set := s.Heuristic([]media.TrackedObject{
		cropped(t, 1, "backpack", 0.9, 3, 120),
		cropped(t, 2, "person", 0.9, 3, 120),
	}, describeOpts)
	if !set.FallbackMode || len(set.Items) != 1 {
		t.Fatalf("set = %+v", set)
	}
	d := set.Items[0].Description
	if !d.Fallback || d.Category != "bags" {
		t.Errorf("description = %+v", d)
	}
}
