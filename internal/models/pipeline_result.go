package models

import (
	"time"

	"gorm.io/datatypes"
)

// PipelineResultRecord stores the final result of a completed job. Rows are
// written once and never updated.
type PipelineResultRecord struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	JobID           string `gorm:"size:36;uniqueIndex;not null"`
	VideoID         string `gorm:"size:64;index"`
	Recommendations int
	FallbackStages  string `gorm:"size:255"`
	Body            datatypes.JSON
	CreatedAt       time.Time
}
