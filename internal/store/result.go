package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/lokalhq/lokal/internal/models"
)

// ErrAlreadySaved is returned when a result for the job already exists.
var ErrAlreadySaved = errors.New("store: result already saved")

// ResultMeta carries the indexed columns of a result row.
type ResultMeta struct {
	VideoID         string
	Recommendations int
	FallbackStages  []string
}

// ResultStore is the append-only store of final pipeline results.
type ResultStore struct {
	db *gorm.DB
}

// NewResultStore returns a store backed by db.
func NewResultStore(db *gorm.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Save writes the result for jobID once. body is stored as JSON.
func (s *ResultStore) Save(ctx context.Context, jobID string, meta ResultMeta, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("store: marshal result %s: %w", jobID, err)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.PipelineResultRecord{}).
		Where("job_id = ?", jobID).Count(&existing).Error; err != nil {
		return fmt.Errorf("store: check result %s: %w", jobID, err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadySaved, jobID)
	}

	rec := models.PipelineResultRecord{
		JobID:           jobID,
		VideoID:         meta.VideoID,
		Recommendations: meta.Recommendations,
		FallbackStages:  strings.Join(meta.FallbackStages, ","),
		Body:            data,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrAlreadySaved, jobID)
		}
		return fmt.Errorf("store: save result %s: %w", jobID, err)
	}
	return nil
}

// Get decodes the stored result for jobID into into.
func (s *ResultStore) Get(ctx context.Context, jobID string, into any) (ResultMeta, error) {
	var rec models.PipelineResultRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ResultMeta{}, ErrNotFound
	}
	if err != nil {
		return ResultMeta{}, fmt.Errorf("store: get result %s: %w", jobID, err)
	}
	if into != nil {
		if err := json.Unmarshal(rec.Body, into); err != nil {
			return ResultMeta{}, fmt.Errorf("store: decode result %s: %w", jobID, err)
		}
	}
	meta := ResultMeta{VideoID: rec.VideoID, Recommendations: rec.Recommendations}
	if rec.FallbackStages != "" {
		meta.FallbackStages = strings.Split(rec.FallbackStages, ",")
	}
	return meta, nil
}
