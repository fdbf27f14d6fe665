package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imgquorum/quorum/models"
	"github.com/imgquorum/quorum/review"
	"github.com/imgquorum/quorum/verdict"
)

var ErrNotFound = errors.New("record not found")

// Storage-layer failure. Propagated to callers after best-effort failure flagging.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type Provenance struct {
	Models    []string
	Weights   map[string]float64
	Timestamp time.Time
}

// Everything stored for a completed analysis.
type AnalysisRecord struct {
	Type       string
	InputRef   string
	TopLabel   string
	Score      float64
	Confidence float64
	Agreement  float64
	Spread     float64
	Action     string
	// policy mapper outcome, if evaluated
	PolicyAction string
	Labels       []verdict.LabelScore
	Reasons      []string
	Provenance   Provenance
	// per-model auxiliary output, keyed by model name
	RawOutput    map[string]map[string]any
	ReviewNeeded bool
}

type FailureInfo struct {
	Error    string
	Details  string
	Metadata map[string]string
	// scheduler item for the failure review; when nil an unassigned high-priority item is created
	Review   *review.ReviewItem
}

// Review reason recorded for a failed analysis.
func FailureReviewReason(errMsg string) string {
	return "automated analysis failed: " + errMsg
}

// Zero values match everything, except Status which defaults to pending.
type ReviewFilter struct {
	Priority   string
	AssignedTo string
	Status     string
	Limit      int
}

// Partial update; nil fields are left unchanged.
type ReviewUpdate struct {
	Status      *string
	AssignedTo  *string
	Priority    *string
	Resolution  *string
	Escalations *int
	Overflow    *bool
	Reasons     []string
}

// Persistence boundary for analysis results, failures, and review items.
type Store interface {
	PersistAnalysisResult(ctx context.Context, rec AnalysisRecord) (uint64, error)
	// Records a failed analysis, and always also creates a high-priority review item for it.
	FlagAnalysisAsFailed(ctx context.Context, inputRef string, info FailureInfo) (uint64, error)
	SaveReviewItem(ctx context.Context, item review.ReviewItem, analysisID uint64) error
	GetPendingReviewItems(ctx context.Context, f ReviewFilter) ([]models.ReviewItem, error)
	UpdateReviewItem(ctx context.Context, reviewID string, upd ReviewUpdate, actor string) error
}

// Destination for audit entries. Failures here never abort the primary write.
type AuditSink interface {
	Record(ctx context.Context, event, actor string, payload map[string]any) error
}

const (
	EventAnalysisPersisted = "analysis.persisted"
	EventAnalysisFailed    = "analysis.failed"
	EventReviewSaved       = "review.saved"
	EventReviewUpdated     = "review.updated"
)

const SystemActor = "system"
