// Package models defines the GORM models for jobs, status events, results and
// catalog products.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job is the durable record of one video-processing run.
type Job struct {
	ID          string `gorm:"primaryKey;size:36"`
	VideoID     string `gorm:"size:64;index"`
	VideoPath   string `gorm:"type:text"`
	UserID      string `gorm:"size:64;index"`
	Status      string `gorm:"size:32;default:initializing;index"`
	Stage       string `gorm:"size:32"`
	Progress    int    `gorm:"default:0"`
	Message     string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	Events []JobStatusEvent `gorm:"foreignKey:JobID"`
}

// JobStatusEvent is one published status update, kept for late joiners and
// audit.
type JobStatusEvent struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	JobID     string         `gorm:"size:36;index"`
	Status    string         `gorm:"size:32"`
	Stage     string         `gorm:"size:32"`
	Progress  int
	Message   string         `gorm:"type:text"`
	Error     string         `gorm:"type:text"`
	Metadata  datatypes.JSON
	CreatedAt time.Time      `gorm:"index"`
}
