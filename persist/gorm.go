package persist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/imgquorum/quorum/models"
	"github.com/imgquorum/quorum/review"
	"github.com/imgquorum/quorum/verdict"
)

// Store backed by a SQL database (sqlite or postgres) through gorm.
type GormStore struct {
	db     *gorm.DB
	audit  AuditSink
	logger *slog.Logger
	now    func() time.Time
}

// If audit is nil, audit entries are written to the same database.
func NewGormStore(db *gorm.DB, audit AuditSink, logger *slog.Logger) *GormStore {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = &GormAuditSink{db: db}
	}
	return &GormStore{
		db:     db,
		audit:  audit,
		logger: logger.With("component", "persist"),
		now:    time.Now,
	}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(models.All...)
}

func (s *GormStore) emitAudit(ctx context.Context, event, actor string, payload map[string]any) {
	if err := s.audit.Record(ctx, event, actor, payload); err != nil {
		auditFailures.Inc()
		s.logger.Error("failed to write audit log entry", "event", event, "actor", actor, "err", err)
	}
}

func (s *GormStore) PersistAnalysisResult(ctx context.Context, rec AnalysisRecord) (uint64, error) {
	typ := rec.Type
	if typ == "" {
		typ = models.AnalysisTypeImageModeration
	}
	labels := make([]models.LabelScore, 0, len(rec.Labels))
	for _, l := range rec.Labels {
		labels = append(labels, models.LabelScore{Label: l.Label, Score: l.Score})
	}
	row := models.AnalysisResult{
		Type:         typ,
		InputRef:     rec.InputRef,
		TopLabel:     rec.TopLabel,
		Score:        rec.Score,
		Confidence:   rec.Confidence,
		Agreement:    rec.Agreement,
		Spread:       rec.Spread,
		Action:       rec.Action,
		PolicyAction: rec.PolicyAction,
		Labels:       labels,
		Reasons:      rec.Reasons,
		Models:       rec.Provenance.Models,
		Weights:      rec.Provenance.Weights,
		RawOutput:    rec.RawOutput,
		ReviewNeeded: rec.ReviewNeeded,
		CreatedAt:    s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, &PersistenceError{Op: "persist analysis", Err: err}
	}
	writes.WithLabelValues("analysis").Inc()

	s.emitAudit(ctx, EventAnalysisPersisted, SystemActor, map[string]any{
		"id":           row.ID,
		"inputRef":     rec.InputRef,
		"topLabel":     rec.TopLabel,
		"action":       rec.Action,
		"reviewNeeded": rec.ReviewNeeded,
	})
	return row.ID, nil
}

func (s *GormStore) FlagAnalysisAsFailed(ctx context.Context, inputRef string, info FailureInfo) (uint64, error) {
	now := s.now()
	failure := models.AnalysisFailure{
		InputRef:  inputRef,
		Error:     info.Error,
		Details:   info.Details,
		Metadata:  info.Metadata,
		CreatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&failure).Error; err != nil {
			return err
		}
		item := models.ReviewItem{
			ReviewID:  uuid.NewString(),
			ImageID:   inputRef,
			FailureID: &failure.ID,
			Priority:  string(verdict.PriorityHigh),
			Status:    models.ReviewStatusPending,
			Reasons:   []string{FailureReviewReason(info.Error)},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if ri := info.Review; ri != nil {
			item.ReviewID = ri.ReviewID
			item.Priority = string(verdict.MaxPriority(ri.Priority, verdict.PriorityHigh))
			item.AssignedTo = ri.AssignedTo
			item.Reasons = ri.Reasons
			item.Categories = ri.Categories
			item.Escalations = ri.Escalations
			item.Overflow = ri.Overflow
			if !ri.CreatedAt.IsZero() {
				item.CreatedAt = ri.CreatedAt
			}
		}
		return tx.Create(&item).Error
	})
	if err != nil {
		return 0, &PersistenceError{Op: "flag failed analysis", Err: err}
	}
	writes.WithLabelValues("failure").Inc()

	payload := map[string]any{
		"id":       failure.ID,
		"inputRef": inputRef,
		"error":    info.Error,
	}
	if info.Review != nil {
		payload["reviewId"] = info.Review.ReviewID
		payload["assignedTo"] = info.Review.AssignedTo
	}
	s.emitAudit(ctx, EventAnalysisFailed, SystemActor, payload)
	return failure.ID, nil
}

// Upserts a scheduler item by review id.
func (s *GormStore) SaveReviewItem(ctx context.Context, item review.ReviewItem, analysisID uint64) error {
	now := s.now()
	row := models.ReviewItem{
		ReviewID:    item.ReviewID,
		ImageID:     item.ImageID,
		Priority:    string(item.Priority),
		Status:      models.ReviewStatusPending,
		AssignedTo:  item.AssignedTo,
		Reasons:     item.Reasons,
		Categories:  item.Categories,
		Escalations: item.Escalations,
		Overflow:    item.Overflow,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   now,
	}
	if analysisID != 0 {
		row.AnalysisID = &analysisID
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "review_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"priority", "assigned_to", "reasons", "categories", "escalations", "overflow", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return &PersistenceError{Op: "save review item", Err: err}
	}
	writes.WithLabelValues("review").Inc()

	s.emitAudit(ctx, EventReviewSaved, SystemActor, map[string]any{
		"reviewId":   item.ReviewID,
		"imageId":    item.ImageID,
		"priority":   string(item.Priority),
		"assignedTo": item.AssignedTo,
	})
	return nil
}

// Items matching the filter, most urgent first and oldest first within a priority.
func (s *GormStore) GetPendingReviewItems(ctx context.Context, f ReviewFilter) ([]models.ReviewItem, error) {
	status := f.Status
	if status == "" {
		status = models.ReviewStatusPending
	}
	q := s.db.WithContext(ctx).Model(&models.ReviewItem{}).Where("status = ?", status)
	if f.Priority != "" {
		q = q.Where("priority = ?", f.Priority)
	}
	if f.AssignedTo != "" {
		q = q.Where("assigned_to = ?", f.AssignedTo)
	}
	q = q.Order(clause.OrderBy{Expression: clause.Expr{
		SQL: "CASE priority WHEN ? THEN 4 WHEN ? THEN 3 WHEN ? THEN 2 ELSE 1 END DESC, created_at ASC, id ASC",
		Vars: []any{
			string(verdict.PriorityCritical),
			string(verdict.PriorityHigh),
			string(verdict.PriorityMedium),
		},
	}})
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []models.ReviewItem
	if err := q.Find(&out).Error; err != nil {
		return nil, &PersistenceError{Op: "list review items", Err: err}
	}
	return out, nil
}

func (s *GormStore) UpdateReviewItem(ctx context.Context, reviewID string, upd ReviewUpdate, actor string) error {
	var row models.ReviewItem
	err := s.db.WithContext(ctx).Where("review_id = ?", reviewID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &PersistenceError{Op: "update review item", Err: ErrNotFound}
	}
	if err != nil {
		return &PersistenceError{Op: "update review item", Err: err}
	}

	now := s.now()
	changes := map[string]any{}
	if upd.Status != nil {
		row.Status = *upd.Status
		if *upd.Status == models.ReviewStatusCompleted {
			row.CompletedAt = &now
			row.CompletedBy = &actor
		}
	}
	if upd.AssignedTo != nil {
		row.AssignedTo = *upd.AssignedTo
		changes["assignedTo"] = *upd.AssignedTo
	}
	if upd.Priority != nil {
		row.Priority = *upd.Priority
		changes["priority"] = *upd.Priority
	}
	if upd.Resolution != nil {
		row.Resolution = upd.Resolution
		changes["resolution"] = *upd.Resolution
	}
	if upd.Escalations != nil {
		row.Escalations = *upd.Escalations
		changes["escalations"] = *upd.Escalations
	}
	if upd.Overflow != nil {
		row.Overflow = *upd.Overflow
	}
	if upd.Reasons != nil {
		row.Reasons = upd.Reasons
	}
	if upd.Status != nil {
		changes["status"] = *upd.Status
	}
	row.UpdatedAt = now

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return &PersistenceError{Op: "update review item", Err: err}
	}
	writes.WithLabelValues("review_update").Inc()

	s.emitAudit(ctx, EventReviewUpdated, actor, map[string]any{
		"reviewId": reviewID,
		"changes":  changes,
	})
	return nil
}

// Writes audit entries to the audit_logs table.
type GormAuditSink struct {
	db *gorm.DB
}

func NewGormAuditSink(db *gorm.DB) *GormAuditSink {
	return &GormAuditSink{db: db}
}

func (a *GormAuditSink) Record(ctx context.Context, event, actor string, payload map[string]any) error {
	entry := models.AuditLog{
		Event:     event,
		Actor:     actor,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	return a.db.WithContext(ctx).Create(&entry).Error
}

// Writes audit entries to a structured logger only.
type LogAuditSink struct {
	Logger *slog.Logger
}

func (a *LogAuditSink) Record(ctx context.Context, event, actor string, payload map[string]any) error {
	a.Logger.Info("audit", "event", event, "actor", actor, "payload", payload)
	return nil
}
