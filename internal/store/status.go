// Package store persists job status snapshots and final results with GORM.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lokalhq/lokal/internal/models"
	"github.com/lokalhq/lokal/internal/status"
)

// ErrNotFound is returned when a job or result does not exist.
var ErrNotFound = errors.New("store: not found")

// StatusStore keeps the latest state of every job plus its event history.
// It implements status.SnapshotStore.
type StatusStore struct {
	db *gorm.DB
}

// NewStatusStore returns a store backed by db.
func NewStatusStore(db *gorm.DB) *StatusStore {
	return &StatusStore{db: db}
}

// CreateJob inserts the initial job row.
func (s *StatusStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("store: job id is required")
	}
	if job.Status == "" {
		job.Status = "initializing"
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("store: create job %s: %w", job.ID, err)
	}
	return nil
}

// SaveStatus upserts the job row and appends an event.
func (s *StatusStore) SaveStatus(ctx context.Context, u status.Update) error {
	meta, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata for %s: %w", u.JobID, err)
	}
	job := models.Job{
		ID:        u.JobID,
		Status:    u.Status,
		Stage:     u.Stage,
		Progress:  u.Progress,
		Message:   u.Message,
		Error:     u.Error,
		UpdatedAt: u.At,
	}
	columns := []string{"status", "stage", "progress", "message", "error", "updated_at"}
	if u.Terminal() {
		at := u.At
		job.CompletedAt = &at
		columns = append(columns, "completed_at")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).Create(&job).Error; err != nil {
			return fmt.Errorf("store: upsert job %s: %w", u.JobID, err)
		}
		ev := models.JobStatusEvent{
			JobID:     u.JobID,
			Status:    u.Status,
			Stage:     u.Stage,
			Progress:  u.Progress,
			Message:   u.Message,
			Error:     u.Error,
			Metadata:  meta,
			CreatedAt: u.At,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("store: append event for %s: %w", u.JobID, err)
		}
		return nil
	})
}

// Latest returns the job row as a status update.
func (s *StatusStore) Latest(ctx context.Context, jobID string) (status.Update, bool, error) {
	job, err := s.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return status.Update{}, false, nil
	}
	if err != nil {
		return status.Update{}, false, err
	}
	return status.Update{
		JobID:    job.ID,
		Status:   job.Status,
		Stage:    job.Stage,
		Progress: job.Progress,
		Message:  job.Message,
		Error:    job.Error,
		At:       job.UpdatedAt,
	}, true, nil
}

// Get loads a job row.
func (s *StatusStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", jobID, err)
	}
	return &job, nil
}

// Events returns the status history of a job, oldest first.
func (s *StatusStore) Events(ctx context.Context, jobID string) ([]models.JobStatusEvent, error) {
	var events []models.JobStatusEvent
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("store: list events for %s: %w", jobID, err)
	}
	return events, nil
}

// ListJobs returns the most recently updated jobs, optionally filtered by
// status.
func (s *StatusStore) ListJobs(ctx context.Context, statusFilter string, limit int) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Order("updated_at DESC")
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []models.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// PruneEvents deletes events of finished jobs older than before and returns
// the number removed.
func (s *StatusStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	finished := s.db.Model(&models.Job{}).Select("id").
		Where("status IN ?", []string{status.StatusCompleted, status.StatusFailed})
	res := s.db.WithContext(ctx).
		Where("created_at < ? AND job_id IN (?)", before, finished).
		Delete(&models.JobStatusEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: prune events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
