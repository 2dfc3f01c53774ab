package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lokalhq/lokal/internal/cache"
	"github.com/lokalhq/lokal/internal/media"
)

// Cached memoizes detector runs by video content and options.
type Cached struct {
	Inner Detector
	Store cache.Store
	TTL   time.Duration
}

// Detect returns the cached tracks for identical input, running Inner on a
// miss. Cache failures fall through to a fresh run.
func (c *Cached) Detect(ctx context.Context, videoPath string, opts Options) ([]media.TrackedObject, error) {
	key, err := CacheKey(videoPath, opts)
	if err != nil {
		return c.Inner.Detect(ctx, videoPath, opts)
	}
	var objs []media.TrackedObject
	if err := cache.GetJSON(ctx, c.Store, key, &objs); err == nil {
		return objs, nil
	}
	objs, err = c.Inner.Detect(ctx, videoPath, opts)
	if err != nil {
		return nil, err
	}
	_ = cache.SetJSON(ctx, c.Store, key, objs, c.TTL)
	return objs, nil
}

// CacheKey hashes the video bytes together with the detection options.
func CacheKey(videoPath string, opts Options) (string, error) {
	f, err := os.Open(videoPath)
	if err != nil {
		return "", fmt.Errorf("detector: hash %s: %w", videoPath, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("detector: hash %s: %w", videoPath, err)
	}
	return fmt.Sprintf("detect:%s:%g:%d:%g", hex.EncodeToString(h.Sum(nil))[:32],
		opts.ConfidenceThreshold, opts.MaxObjectsPerFrame, opts.IoUThreshold), nil
}
