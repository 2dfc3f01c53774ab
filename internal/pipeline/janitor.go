package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lokalhq/lokal/internal/logger"
)

// EventPruner deletes status history of finished jobs.
type EventPruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Janitor removes work directories of finished jobs once they are older than
// the retention period. Directories of active jobs are never touched.
type Janitor struct {
	workDir   string
	retention time.Duration
	registry  *Registry
	events    EventPruner
	log       logger.Logger
	now       func() time.Time
}

// NewJanitor returns a janitor for workDir. events may be nil.
func NewJanitor(workDir string, retention time.Duration, registry *Registry, events EventPruner, log logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Janitor{
		workDir:   workDir,
		retention: retention,
		registry:  registry,
		events:    events,
		log:       log.With(logger.String("component", "janitor")),
		now:       time.Now,
	}
}

// Sweep runs one cleanup pass and returns the number of removed job
// directories.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)

	entries, err := os.ReadDir(j.workDir)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("pipeline: read work dir %s: %w", j.workDir, err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if j.registry != nil && j.registry.Has(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.workDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			j.log.Warn("Failed to remove job artifacts", logger.String("path", path), logger.Error(err))
			continue
		}
		removed++
	}

	if j.events != nil {
		n, err := j.events.PruneEvents(ctx, cutoff)
		if err != nil {
			return removed, fmt.Errorf("pipeline: prune status events: %w", err)
		}
		if n > 0 {
			j.log.Info("Pruned status events", logger.Int64("events", n))
		}
	}
	if removed > 0 {
		j.log.Info("Removed expired job artifacts", logger.Int("jobs", removed))
	}
	return removed, nil
}

// Run sweeps on the cron schedule until ctx is done.
func (j *Janitor) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.log.Warn("Janitor sweep failed", logger.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("pipeline: schedule janitor %q: %w", schedule, err)
	}
	c.Start()
	j.log.Info("Janitor started",
		logger.String("schedule", schedule),
		logger.Duration("retention", j.retention),
	)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
