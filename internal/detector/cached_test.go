package detector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lokalhq/lokal/internal/cache"
	"github.com/lokalhq/lokal/internal/media"
)

type countingDetector struct {
	calls int
}

func (c *countingDetector) Detect(ctx context.Context, videoPath string, opts Options) ([]media.TrackedObject, error) {
	c.calls++
	return []media.TrackedObject{{TrackID: 1, ClassName: "cup", HitCount: 3}}, nil
}

func TestCached_Detect(t *testing.T) {
	video := filepath.Join(t.TempDir(), "v.mp4")
	if err := os.WriteFile(video, []byte("not really a video"), 0o644); err != nil {
		t.Fatal(err)
	}
	inner := &countingDetector{}
	c := &Cached{Inner: inner, Store: cache.NewMemoryStore(), TTL: time.Hour}
	opts := Options{ConfidenceThreshold: 0.5, MaxObjectsPerFrame: 10}

	for i := 0; i < 2; i++ {
		objs, err := c.Detect(context.Background(), video, opts)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if len(objs) != 1 || objs[0].ClassName != "cup" {
			t.Errorf("objs = %+v", objs)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}

	opts.ConfidenceThreshold = 0.6
	if _, err := c.Detect(context.Background(), video, opts); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("different options should miss the cache, calls = %d", inner.calls)
	}
}

func TestCached_UnreadableVideoBypassesCache(t *testing.T) {
	inner := &countingDetector{}
	c := &Cached{Inner: inner, Store: cache.NewMemoryStore(), TTL: time.Hour}
	if _, err := c.Detect(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), Options{}); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d", inner.calls)
	}
}
