package models

import (
	"time"
)

// Review item states
const (
	ReviewStatusPending   = "pending"
	ReviewStatusCompleted = "completed"
	ReviewStatusPurged    = "purged"
)

type ReviewItem struct {
	ID          uint64  `gorm:"primaryKey"`
	ReviewID    string  `gorm:"uniqueIndex;not null"`
	ImageID     string  `gorm:"index;not null"`
	AnalysisID  *uint64 `gorm:"index"`
	FailureID   *uint64 `gorm:"index"`
	Priority    string  `gorm:"index;not null"`
	Status      string  `gorm:"index;not null"`
	AssignedTo  string
	Reasons     []string `gorm:"serializer:json"`
	Categories  []string `gorm:"serializer:json"`
	Escalations int
	Overflow    bool
	Resolution  *string
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
	CompletedAt *time.Time
	CompletedBy *string
}

// Append-only record of every persistence write.
type AuditLog struct {
	ID        uint64         `gorm:"primaryKey"`
	Event     string         `gorm:"index;not null"`
	Actor     string         `gorm:"not null"`
	Payload   map[string]any `gorm:"serializer:json"`
	CreatedAt time.Time      `gorm:"not null"`
}

// All tables, for AutoMigrate.
var All = []any{
	&AnalysisResult{},
	&AnalysisFailure{},
	&ReviewItem{},
	&AuditLog{},
}
