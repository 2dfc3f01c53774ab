package governor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lokalhq/lokal/internal/logger"
)

// Sampler periodically reads heap usage and job load and drives the
// governor's throttle flag.
type Sampler struct {
	gov      *Governor
	interval time.Duration
	readHeap func() uint64
}

// NewSampler creates a sampler firing every interval.
func NewSampler(g *Governor, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sampler{gov: g, interval: interval, readHeap: readHeapAlloc}
}

func readHeapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// Sample takes one reading and updates the throttle flag.
func (s *Sampler) Sample() Snapshot {
	g := s.gov
	heap := s.readHeap()
	var frac float64
	if g.limits.HeapLimitBytes > 0 {
		frac = float64(heap) / float64(g.limits.HeapLimitBytes)
	}

	g.mu.Lock()
	g.heapAlloc = heap
	g.heapFrac = frac
	g.sampledAt = g.now()
	g.mu.Unlock()

	if g.limits.MaxHeapFraction > 0 && frac > g.limits.MaxHeapFraction {
		g.SetThrottle(true, fmt.Sprintf("heap at %.0f%% of limit", frac*100))
	} else {
		g.SetThrottle(false, "")
	}

	snap := g.Snapshot()
	g.metrics.SetGovernor(snap.Throttled, frac)
	g.metrics.SetJobs(snap.Running, snap.Waiting)
	return snap
}

// Run samples on a cron schedule until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	c := cron.New()
	spec := "@every " + s.interval.String()
	if _, err := c.AddFunc(spec, func() { s.Sample() }); err != nil {
		return fmt.Errorf("governor: schedule sampler %q: %w", spec, err)
	}
	s.Sample()
	c.Start()
	s.gov.log.Info("Resource sampler started", logger.Duration("interval", s.interval))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
