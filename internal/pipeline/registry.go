package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ActiveJob is the registry view of a job that has not finished.
type ActiveJob struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"video_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
}

// Registry tracks active jobs and hands out run slots. A job is waiting from
// Add until Acquire returns, and running until Remove. It implements
// governor.Load.
type Registry struct {
	slots chan struct{} // nil means unlimited

	mu   sync.Mutex
	jobs map[string]*ActiveJob
	now  func() time.Time
}

// NewRegistry returns a registry allowing maxRunning concurrent jobs; zero or
// less means no limit.
func NewRegistry(maxRunning int) *Registry {
	r := &Registry{jobs: make(map[string]*ActiveJob), now: time.Now}
	if maxRunning > 0 {
		r.slots = make(chan struct{}, maxRunning)
	}
	return r
}

// Add registers a waiting job.
func (r *Registry) Add(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	r.jobs[job.ID] = &ActiveJob{
		ID:        job.ID,
		VideoID:   job.VideoID,
		Status:    StatusInitializing,
		StartedAt: r.now(),
	}
	return nil
}

// Acquire blocks until a run slot is free, then marks the job running.
func (r *Registry) Acquire(ctx context.Context, jobID string) error {
	if r.slots != nil {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		j.Running = true
	}
	return nil
}

// Update records the job's latest status and progress.
func (r *Registry) Update(jobID, status string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		j.Status = status
		j.Progress = progress
	}
}

// Remove drops the job and frees its slot if it held one. Removing an
// unknown job is a no-op.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	delete(r.jobs, jobID)
	r.mu.Unlock()
	if ok && j.Running && r.slots != nil {
		<-r.slots
	}
}

// Has reports whether jobID is active.
func (r *Registry) Has(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[jobID]
	return ok
}

// Running returns the number of jobs holding a run slot.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Running {
			n++
		}
	}
	return n
}

// Waiting returns the number of admitted jobs waiting for a run slot.
func (r *Registry) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if !j.Running {
			n++
		}
	}
	return n
}

// Snapshot returns copies of the active jobs, oldest first.
func (r *Registry) Snapshot() []ActiveJob {
	r.mu.Lock()
	out := make([]ActiveJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].StartedAt.Before(out[k].StartedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}
