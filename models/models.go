package models

import (
	"time"
)

// Analysis types stored in AnalysisResult.Type
const (
	AnalysisTypeImageModeration = "image_moderation"
)

// Persisted consensus outcome for one image.
type AnalysisResult struct {
	ID         uint64 `gorm:"primaryKey"`
	Type       string `gorm:"not null"`
	InputRef   string `gorm:"index;not null"`
	TopLabel   string
	Score      float64
	Confidence float64
	Agreement  float64
	Spread     float64
	// consensus recommendation
	Action string `gorm:"not null"`
	// policy mapper outcome
	PolicyAction string
	Labels       []LabelScore              `gorm:"serializer:json"`
	Reasons      []string                  `gorm:"serializer:json"`
	Models       []string                  `gorm:"serializer:json"`
	Weights      map[string]float64        `gorm:"serializer:json"`
	RawOutput    map[string]map[string]any `gorm:"serializer:json"`
	ReviewNeeded bool                      `gorm:"not null"`
	CreatedAt    time.Time                 `gorm:"not null"`
}

type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Record of an image for which no usable consensus could be produced.
type AnalysisFailure struct {
	ID        uint64 `gorm:"primaryKey"`
	InputRef  string `gorm:"index;not null"`
	Error     string `gorm:"not null"`
	Details   string
	Metadata  map[string]string `gorm:"serializer:json"`
	CreatedAt time.Time         `gorm:"not null"`
}
