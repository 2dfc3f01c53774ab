// Package governor enforces per-user rate limits and system-wide admission
// control for new jobs.
package governor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/metrics"
)

// ErrThrottled is returned by Admit when the system cannot take a new job.
var ErrThrottled = errors.New("governor: throttled")

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Load reports the current job load.
type Load interface {
	Running() int
	Waiting() int
}

// Limits configures admission control.
type Limits struct {
	MaxConcurrentJobs int
	MaxQueueDepth     int
	MaxHeapFraction   float64
	HeapLimitBytes    uint64
	VisionRPS         float64
	VisionBurst       int
}

// LimitsFromConfig converts the governor config section.
func LimitsFromConfig(c config.GovernorConfig) Limits {
	return Limits{
		MaxConcurrentJobs: c.MaxConcurrentJobs,
		MaxQueueDepth:     c.MaxQueueDepth,
		MaxHeapFraction:   c.MaxHeapFraction,
		HeapLimitBytes:    uint64(c.HeapLimitMB) << 20,
		VisionRPS:         c.VisionRPS,
		VisionBurst:       c.VisionBurst,
	}
}

// Snapshot is the externally visible governor state.
type Snapshot struct {
	Throttled      bool      `json:"throttled"`
	Reason         string    `json:"reason,omitempty"`
	Running        int       `json:"running"`
	Waiting        int       `json:"waiting"`
	MaxConcurrent  int       `json:"max_concurrent"`
	MaxQueueDepth  int       `json:"max_queue_depth"`
	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	HeapFraction   float64   `json:"heap_fraction"`
	SampledAt      time.Time `json:"sampled_at,omitempty"`
}

// Governor holds rate counters, the throttle flag and the vision pacer.
type Governor struct {
	counter Counter
	limits  Limits
	log     logger.Logger
	metrics *metrics.Metrics
	vision  *rate.Limiter
	now     func() time.Time

	mu        sync.RWMutex
	load      Load
	throttled bool
	reason    string
	heapAlloc uint64
	heapFrac  float64
	sampledAt time.Time
}

// Option customizes a Governor.
type Option func(*Governor)

// WithMetrics records admissions and denials on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithLoad sets the load source consulted by Admit and the sampler.
func WithLoad(l Load) Option {
	return func(g *Governor) { g.load = l }
}

// New creates a Governor. counter may be nil to disable rate limiting.
func New(counter Counter, limits Limits, log logger.Logger, opts ...Option) *Governor {
	if log == nil {
		log = logger.NewNop()
	}
	visionLimit := rate.Inf
	burst := limits.VisionBurst
	if limits.VisionRPS > 0 {
		visionLimit = rate.Limit(limits.VisionRPS)
	}
	if burst <= 0 {
		burst = 1
	}
	g := &Governor{
		counter: counter,
		limits:  limits,
		log:     log.With(logger.String("component", "governor")),
		vision:  rate.NewLimiter(visionLimit, burst),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// CheckLimit counts one action for userKey in the current fixed window.
// Counter failures fail open. A non-positive limit disables the check.
func (g *Governor) CheckLimit(ctx context.Context, userKey, action string, limit int, window time.Duration) Decision {
	now := g.now()
	if limit <= 0 || window <= 0 || g.counter == nil {
		return Decision{Allowed: true, Remaining: max(limit, 0), ResetTime: now}
	}
	start := now.Truncate(window)
	reset := start.Add(window)
	key := "rl:" + action + ":" + userKey + ":" + strconv.FormatInt(start.UnixMilli(), 10)

	n, err := g.counter.Incr(ctx, key, window)
	if err != nil {
		g.log.Warn("Rate limit check failed, allowing",
			logger.String("user", userKey),
			logger.String("action", action),
			logger.Error(err),
		)
		return Decision{Allowed: true, Remaining: limit, ResetTime: reset}
	}

	d := Decision{
		Allowed:   n <= int64(limit),
		Remaining: max(limit-int(n), 0),
		ResetTime: reset,
	}
	if !d.Allowed {
		g.metrics.RateLimited(action)
		g.log.Info("Rate limit exceeded",
			logger.String("user", userKey),
			logger.String("action", action),
			logger.Int("limit", limit),
		)
	}
	return d
}

// Admit decides whether a new job may be accepted. It never affects jobs
// that are already running. The queue-depth check reads the load without
// reserving a slot, so concurrent admissions may overshoot MaxQueueDepth by
// the number of callers racing between Admit and Registry.Add.
func (g *Governor) Admit(jobID string) error {
	g.mu.RLock()
	throttled, reason, load := g.throttled, g.reason, g.load
	g.mu.RUnlock()

	if throttled {
		return g.refuse(jobID, "resource", reason)
	}
	if load == nil || g.limits.MaxConcurrentJobs <= 0 {
		return nil
	}
	running, waiting := load.Running(), load.Waiting()
	if running >= g.limits.MaxConcurrentJobs && waiting >= g.limits.MaxQueueDepth {
		return g.refuse(jobID, "queue_full",
			fmt.Sprintf("%d running, %d waiting", running, waiting))
	}
	return nil
}

func (g *Governor) refuse(jobID, kind, detail string) error {
	g.metrics.Throttled(kind)
	g.log.Warn("Job refused",
		logger.String("job_id", jobID),
		logger.String("reason", kind),
		logger.String("detail", detail),
	)
	return fmt.Errorf("%w: %s: %s", ErrThrottled, kind, detail)
}

// WaitVision blocks until the next vision call may be made.
func (g *Governor) WaitVision(ctx context.Context) error {
	if err := g.vision.Wait(ctx); err != nil {
		return fmt.Errorf("governor: vision pacing: %w", err)
	}
	return nil
}

// SetThrottle sets or clears the throttle flag.
func (g *Governor) SetThrottle(on bool, reason string) {
	g.mu.Lock()
	changed := g.throttled != on
	g.throttled = on
	if on {
		g.reason = reason
	} else {
		g.reason = ""
	}
	g.mu.Unlock()
	if changed {
		if on {
			g.log.Warn("Throttle engaged", logger.String("reason", reason))
		} else {
			g.log.Info("Throttle released")
		}
	}
}

// Snapshot returns the current state.
func (g *Governor) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Snapshot{
		Throttled:      g.throttled,
		Reason:         g.reason,
		MaxConcurrent:  g.limits.MaxConcurrentJobs,
		MaxQueueDepth:  g.limits.MaxQueueDepth,
		HeapAllocBytes: g.heapAlloc,
		HeapFraction:   g.heapFrac,
		SampledAt:      g.sampledAt,
	}
	if g.load != nil {
		s.Running = g.load.Running()
		s.Waiting = g.load.Waiting()
	}
	return s
}
