// Package metrics exposes Prometheus collectors for the pipeline, the cache
// and the governor. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lokal"

// Metrics holds all collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline
	StageDuration  *prometheus.HistogramVec
	StageAttempts  *prometheus.CounterVec
	StageFailures  *prometheus.CounterVec
	StageFallbacks *prometheus.CounterVec
	JobsFinished   *prometheus.CounterVec
	ActiveJobs     prometheus.Gauge
	WaitingJobs    prometheus.Gauge

	// Describe stage
	VisionCalls *prometheus.CounterVec
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Governor
	ThrottledAdmissions *prometheus.CounterVec
	RateLimitDenials    *prometheus.CounterVec
	Throttle            prometheus.Gauge
	HeapFraction        prometheus.Gauge

	// Status channel
	DroppedUpdates prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time per pipeline stage, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		StageAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Stage attempts, first tries and retries.",
		}, []string{"stage"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage attempts that returned an error.",
		}, []string{"stage"}),
		StageFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_fallbacks_total",
			Help:      "Stages that completed in fallback mode.",
		}, []string{"stage"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state.",
		}, []string{"status"}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently running a stage.",
		}),
		WaitingJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_jobs",
			Help:      "Admitted jobs waiting for a run slot.",
		}),
		VisionCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vision_calls_total",
			Help:      "Calls to the vision-language service by outcome.",
		}, []string{"outcome"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "description_cache_hits_total",
			Help:      "Descriptions served from cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "description_cache_misses_total",
			Help:      "Descriptions that required a service call.",
		}),
		ThrottledAdmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_admissions_total",
			Help:      "Jobs refused by the governor, by reason.",
		}, []string{"reason"}),
		RateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Per-user rate limit denials, by action.",
		}, []string{"action"}),
		Throttle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "governor_throttled",
			Help:      "1 while the governor refuses new jobs.",
		}),
		HeapFraction: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "governor_heap_fraction",
			Help:      "Last sampled heap use as a fraction of the configured limit.",
		}),
		DroppedUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_dropped_total",
			Help:      "Status updates dropped for slow subscribers.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage string, d time.Duration, fallback bool) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if fallback {
		m.StageFallbacks.WithLabelValues(stage).Inc()
	}
}

// StageAttempt counts one attempt and whether it failed.
func (m *Metrics) StageAttempt(stage string, failed bool) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stage).Inc()
	if failed {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// JobFinished counts a terminal job.
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
}

// SetJobs sets the running and waiting gauges.
func (m *Metrics) SetJobs(running, waiting int) {
	if m == nil {
		return
	}
	m.ActiveJobs.Set(float64(running))
	m.WaitingJobs.Set(float64(waiting))
}

// VisionCall counts one service call by outcome ("ok", "no_product", "error").
func (m *Metrics) VisionCall(outcome string) {
	if m == nil {
		return
	}
	m.VisionCalls.WithLabelValues(outcome).Inc()
}

// CacheLookup counts a description cache lookup.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// Throttled counts a refused admission.
func (m *Metrics) Throttled(reason string) {
	if m == nil {
		return
	}
	m.ThrottledAdmissions.WithLabelValues(reason).Inc()
}

// RateLimited counts a denied rate-limit check.
func (m *Metrics) RateLimited(action string) {
	if m == nil {
		return
	}
	m.RateLimitDenials.WithLabelValues(action).Inc()
}

// SetGovernor records the sampled governor state.
func (m *Metrics) SetGovernor(throttled bool, heapFraction float64) {
	if m == nil {
		return
	}
	v := 0.0
	if throttled {
		v = 1
	}
	m.Throttle.Set(v)
	m.HeapFraction.Set(heapFraction)
}

// UpdateDropped counts a status update not delivered to a slow subscriber.
func (m *Metrics) UpdateDropped() {
	if m == nil {
		return
	}
	m.DroppedUpdates.Inc()
}
