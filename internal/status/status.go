// Package status fans out job progress updates to subscribers and keeps the
// latest snapshot per job, written through to durable storage.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/lokalhq/lokal/internal/logger"
	"github.com/lokalhq/lokal/internal/metrics"
)

// Terminal job statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 32

// DefaultRetention is how long a finished job's snapshot stays in memory
// before Current falls back to the durable store.
const DefaultRetention = time.Minute

// Update is one status message for a job.
type Update struct {
	JobID    string         `json:"job_id"`
	Status   string         `json:"status"`
	Stage    string         `json:"stage,omitempty"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// Terminal reports whether the update ends the job.
func (u Update) Terminal() bool {
	return u.Status == StatusCompleted || u.Status == StatusFailed
}

// SnapshotStore persists updates so late joiners and other processes can
// read the latest state.
type SnapshotStore interface {
	SaveStatus(ctx context.Context, u Update) error
	Latest(ctx context.Context, jobID string) (Update, bool, error)
}

// Channel is the publish/subscribe surface used by the pipeline and the API.
type Channel interface {
	Publish(ctx context.Context, u Update) error
	Subscribe(ctx context.Context, jobID string) (<-chan Update, func())
	SubscribeAll(ctx context.Context) (<-chan Update, func())
	Current(ctx context.Context, jobID string) (Update, bool)
}

type finished struct {
	jobID string
	at    time.Time
}

type subscriber struct {
	ch     chan Update
	closed bool
}

// Hub is the in-process Channel implementation.
type Hub struct {
	store   SnapshotStore
	log     logger.Logger
	metrics *metrics.Metrics
	bufSize int
	retain  time.Duration
	now     func() time.Time

	mu     sync.Mutex
	latest map[string]Update
	subs   map[string]map[*subscriber]struct{}
	all    map[*subscriber]struct{}
	done   []finished // terminal jobs in publish order
}

// Option customizes a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

// WithRetention sets how long terminal snapshots are kept in memory.
func WithRetention(d time.Duration) Option {
	return func(h *Hub) {
		if d >= 0 {
			h.retain = d
		}
	}
}

// WithMetrics counts dropped updates on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub. store may be nil for a memory-only hub.
func NewHub(store SnapshotStore, log logger.Logger, opts ...Option) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	h := &Hub{
		store:   store,
		log:     log.With(logger.String("component", "status")),
		bufSize: DefaultBufferSize,
		retain:  DefaultRetention,
		now:     time.Now,
		latest:  make(map[string]Update),
		subs:    make(map[string]map[*subscriber]struct{}),
		all:     make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish records u as the job's latest state and delivers it to
// subscribers. Progress never decreases: a lower value is raised to the last
// published one. Updates after a terminal state are ignored. The returned
// error reports a failed durable write; delivery happens regardless.
func (h *Hub) Publish(ctx context.Context, u Update) error {
	if u.At.IsZero() {
		u.At = h.now()
	}

	h.mu.Lock()
	if prev, ok := h.latest[u.JobID]; ok {
		if prev.Terminal() {
			h.mu.Unlock()
			h.log.Warn("Ignoring update after terminal state",
				logger.String("job_id", u.JobID),
				logger.String("status", u.Status),
			)
			return nil
		}
		if u.Progress < prev.Progress {
			u.Progress = prev.Progress
		}
	}
	h.latest[u.JobID] = u

	for s := range h.subs[u.JobID] {
		h.deliver(s, u)
		if u.Terminal() {
			h.closeLocked(s)
		}
	}
	if u.Terminal() {
		delete(h.subs, u.JobID)
		h.done = append(h.done, finished{jobID: u.JobID, at: h.now()})
	}
	for s := range h.all {
		h.deliver(s, u)
	}
	h.evictLocked(h.now())
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.SaveStatus(ctx, u); err != nil {
			h.log.Error("Failed to persist status",
				logger.String("job_id", u.JobID),
				logger.String("status", u.Status),
				logger.Error(err),
			)
			return err
		}
	}
	return nil
}

// deliver sends without blocking; slow subscribers lose the update.
func (h *Hub) deliver(s *subscriber, u Update) {
	if s.closed {
		return
	}
	select {
	case s.ch <- u:
	default:
		h.metrics.UpdateDropped()
		h.log.Debug("Dropped update for slow subscriber",
			logger.String("job_id", u.JobID),
			logger.Int("progress", u.Progress),
		)
	}
}

func (h *Hub) closeLocked(s *subscriber) {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe returns a channel of updates for jobID. The channel is closed
// after the terminal update, when ctx is done, or when cancel is called.
// Subscribing to a job that already finished returns a closed channel.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (<-chan Update, func()) {
	s := &subscriber{ch: make(chan Update, h.bufSize)}

	h.mu.Lock()
	if prev, ok := h.latest[jobID]; ok && prev.Terminal() {
		h.closeLocked(s)
		h.mu.Unlock()
		return s.ch, func() {}
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	cancel := h.watch(ctx, s, func() {
		if set, ok := h.subs[jobID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
	})
	return s.ch, cancel
}

// SubscribeAll returns a channel of updates for every job.
func (h *Hub) SubscribeAll(ctx context.Context) (<-chan Update, func()) {
	s := &subscriber{ch: make(chan Update, h.bufSize)}
	h.mu.Lock()
	h.all[s] = struct{}{}
	h.mu.Unlock()

	cancel := h.watch(ctx, s, func() { delete(h.all, s) })
	return s.ch, cancel
}

// watch removes the subscriber once ctx is done or the returned func is
// called, whichever comes first.
func (h *Hub) watch(ctx context.Context, s *subscriber, remove func()) func() {
	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			h.mu.Lock()
			remove()
			h.closeLocked(s)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return cancel
}

// Current returns the latest update for jobID, consulting the durable store
// when the job is unknown to this process.
func (h *Hub) Current(ctx context.Context, jobID string) (Update, bool) {
	h.mu.Lock()
	u, ok := h.latest[jobID]
	h.mu.Unlock()
	if ok || h.store == nil {
		return u, ok
	}

	u, ok, err := h.store.Latest(ctx, jobID)
	if err != nil {
		h.log.Warn("Failed to load status snapshot",
			logger.String("job_id", jobID),
			logger.Error(err),
		)
		return Update{}, false
	}
	return u, ok
}

// evictLocked drops snapshots of jobs that finished more than the retention
// period before now.
func (h *Hub) evictLocked(now time.Time) {
	n := 0
	for _, f := range h.done {
		if now.Sub(f.at) < h.retain {
			break
		}
		if u, ok := h.latest[f.jobID]; ok && u.Terminal() {
			delete(h.latest, f.jobID)
		}
		n++
	}
	if n > 0 {
		h.done = append(h.done[:0], h.done[n:]...)
	}
}

// Snapshots returns the number of jobs held in memory.
func (h *Hub) Snapshots() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.latest)
}

// Subscribers returns the number of per-job and all-job subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.all)
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
