package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imgquorum/quorum/verdict"
)

var (
	ErrNoReviewers      = errors.New("review roster is empty")
	ErrReviewNotFound   = errors.New("review item not found")
	ErrReviewerNotFound = errors.New("reviewer not found")
)

// Unit of human review work.
type ReviewItem struct {
	ReviewID    string           `json:"reviewId"`
	ImageID     string           `json:"imageId"`
	Priority    verdict.Priority `json:"priority"`
	AssignedTo  string           `json:"assignedTo"`
	Reasons     []string         `json:"reasons"`
	Categories  []string         `json:"categories"`
	CreatedAt   time.Time        `json:"createdAt"`
	Escalations int              `json:"escalations"`
	// assigned beyond the reviewer's capacity; does not count toward their load
	Overflow bool `json:"overflow,omitempty"`
}

func (ri *ReviewItem) clone() ReviewItem {
	out := *ri
	out.Reasons = append([]string(nil), ri.Reasons...)
	out.Categories = append([]string(nil), ri.Categories...)
	return out
}

// Zero values match everything.
type Filter struct {
	Priority   verdict.Priority
	AssignedTo string
	Limit      int
}

var priorityWeight = map[verdict.Priority]float64{
	verdict.PriorityCritical: 5,
	verdict.PriorityHigh:     3,
	verdict.PriorityMedium:   2,
	verdict.PriorityLow:      1,
}

// Process-local review queue and reviewer roster. Safe for concurrent use.
type Scheduler struct {
	Now    func() time.Time
	logger *slog.Logger

	lk        sync.Mutex
	items     map[string]*ReviewItem
	reviewers []*Reviewer
}

func NewScheduler(roster []Reviewer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		Now:    time.Now,
		logger: logger.With("component", "review"),
		items:  map[string]*ReviewItem{},
	}
	for _, r := range roster {
		rv := r
		rv.Specialties = append([]string(nil), r.Specialties...)
		if rv.CurrentLoad < 0 {
			rv.CurrentLoad = 0
		}
		if rv.CurrentLoad > rv.MaxConcurrent {
			rv.CurrentLoad = rv.MaxConcurrent
		}
		s.reviewers = append(s.reviewers, &rv)
	}
	return s
}

// Creates a review item and assigns it to the best available reviewer.
func (s *Scheduler) Enqueue(imageID string, priority verdict.Priority, reasons []string) (ReviewItem, error) {
	if _, err := verdict.ParsePriority(string(priority)); err != nil {
		return ReviewItem{}, err
	}
	s.lk.Lock()
	defer s.lk.Unlock()

	if len(s.reviewers) == 0 {
		return ReviewItem{}, ErrNoReviewers
	}

	item := &ReviewItem{
		ReviewID:   uuid.NewString(),
		ImageID:    imageID,
		Priority:   priority,
		Reasons:    append([]string(nil), reasons...),
		Categories: ParseCategories(reasons),
		CreatedAt:  s.Now(),
	}
	s.assignLocked(item)
	s.items[item.ReviewID] = item

	reviewsEnqueued.WithLabelValues(string(priority)).Inc()
	s.updateGaugesLocked()
	s.logger.Info("review enqueued", "reviewID", item.ReviewID, "imageID", imageID, "priority", priority, "assignedTo", item.AssignedTo, "overflow", item.Overflow)
	return item.clone(), nil
}

// Picks a reviewer for the item and takes a load slot on them. Caller holds the lock and has released any previous assignment.
func (s *Scheduler) assignLocked(item *ReviewItem) {
	var candidates []*Reviewer
	for _, r := range s.reviewers {
		if r.hasCapacity() && specialtyMatches(r.Specialties, item.Categories) > 0 {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		for _, r := range s.reviewers {
			if r.hasCapacity() {
				candidates = append(candidates, r)
			}
		}
	}

	if len(candidates) == 0 {
		// everyone is at capacity: overload the least-loaded reviewer rather than fail
		least := s.reviewers[0]
		for _, r := range s.reviewers[1:] {
			if r.CurrentLoad < least.CurrentLoad {
				least = r
			}
		}
		item.AssignedTo = least.ID
		item.Overflow = true
		reviewOverflows.Inc()
		return
	}

	pw := priorityWeight[item.Priority]
	var best *Reviewer
	bestScore := 0.0
	for _, r := range candidates {
		score := (float64(10*specialtyMatches(r.Specialties, item.Categories)) + float64((r.MaxConcurrent-r.CurrentLoad)*2)) * pw
		if best == nil || score > bestScore {
			best = r
			bestScore = score
		}
	}
	best.CurrentLoad++
	item.AssignedTo = best.ID
	item.Overflow = false
}

func (s *Scheduler) assignToLocked(item *ReviewItem, r *Reviewer) {
	item.AssignedTo = r.ID
	if r.hasCapacity() {
		r.CurrentLoad++
		item.Overflow = false
	} else {
		item.Overflow = true
		reviewOverflows.Inc()
	}
}

func (s *Scheduler) releaseLocked(item *ReviewItem) {
	if item.Overflow || item.AssignedTo == "" {
		return
	}
	if r := s.reviewerLocked(item.AssignedTo); r != nil && r.CurrentLoad > 0 {
		r.CurrentLoad--
	}
}

func (s *Scheduler) reviewerLocked(id string) *Reviewer {
	for _, r := range s.reviewers {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Pending items, most urgent first, oldest first within a priority.
func (s *Scheduler) ListPending(f Filter) []ReviewItem {
	s.lk.Lock()
	defer s.lk.Unlock()

	out := []ReviewItem{}
	for _, item := range s.items {
		if f.Priority != "" && item.Priority != f.Priority {
			continue
		}
		if f.AssignedTo != "" && item.AssignedTo != f.AssignedTo {
			continue
		}
		out = append(out, item.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if pi, pj := out[i].Priority.Rank(), out[j].Priority.Rank(); pi != pj {
			return pi > pj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ReviewID < out[j].ReviewID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *Scheduler) Get(reviewID string) (ReviewItem, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()

	item, ok := s.items[reviewID]
	if !ok {
		return ReviewItem{}, false
	}
	return item.clone(), true
}

// Removes a completed item and frees its reviewer. Returns false if the item does not exist, which makes duplicate completions harmless.
func (s *Scheduler) Pop(reviewID string) (ReviewItem, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()

	item, ok := s.items[reviewID]
	if !ok {
		return ReviewItem{}, false
	}
	s.releaseLocked(item)
	delete(s.items, reviewID)
	s.updateGaugesLocked()
	return item.clone(), true
}

// Moves an item to another reviewer. An empty reviewerID re-runs automatic assignment.
func (s *Scheduler) Reassign(reviewID, reviewerID string) (ReviewItem, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	item, ok := s.items[reviewID]
	if !ok {
		return ReviewItem{}, ErrReviewNotFound
	}
	var target *Reviewer
	if reviewerID != "" {
		target = s.reviewerLocked(reviewerID)
		if target == nil {
			return ReviewItem{}, fmt.Errorf("%w: %s", ErrReviewerNotFound, reviewerID)
		}
	}

	s.releaseLocked(item)
	if target != nil {
		s.assignToLocked(item, target)
	} else {
		s.assignLocked(item)
	}
	s.updateGaugesLocked()
	return item.clone(), nil
}

// Raises the item's priority one tier (critical stays critical), records the reason, and reassigns it.
func (s *Scheduler) Escalate(reviewID, reason string) (ReviewItem, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	item, ok := s.items[reviewID]
	if !ok {
		return ReviewItem{}, ErrReviewNotFound
	}
	item.Priority = item.Priority.Escalate()
	item.Escalations++
	item.Reasons = append(item.Reasons, "escalated: "+reason)
	item.Categories = ParseCategories(item.Reasons)

	s.releaseLocked(item)
	s.assignLocked(item)
	reviewEscalations.Inc()
	s.updateGaugesLocked()
	s.logger.Info("review escalated", "reviewID", reviewID, "priority", item.Priority, "assignedTo", item.AssignedTo)
	return item.clone(), nil
}

// Purges items older than maxAge, releasing their reviewers. Returns the purged items.
func (s *Scheduler) CleanupOld(maxAge time.Duration) []ReviewItem {
	s.lk.Lock()
	defer s.lk.Unlock()

	cutoff := s.Now().Add(-maxAge)
	var purged []ReviewItem
	for id, item := range s.items {
		if item.CreatedAt.Before(cutoff) {
			s.releaseLocked(item)
			delete(s.items, id)
			purged = append(purged, item.clone())
		}
	}
	if len(purged) > 0 {
		reviewsPurged.Add(float64(len(purged)))
		s.updateGaugesLocked()
		s.logger.Warn("purged stale review items", "count", len(purged), "maxAge", maxAge)
	}
	return purged
}

// Periodically purges stale items until ctx is done. onPurge, if set, is called with each non-empty batch.
func (s *Scheduler) RunCleanup(ctx context.Context, interval, maxAge time.Duration, onPurge func(context.Context, []ReviewItem)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purged := s.CleanupOld(maxAge)
			if len(purged) > 0 && onPurge != nil {
				onPurge(ctx, purged)
			}
		}
	}
}

// Snapshot of the roster with current loads.
func (s *Scheduler) Reviewers() []Reviewer {
	s.lk.Lock()
	defer s.lk.Unlock()

	out := make([]Reviewer, 0, len(s.reviewers))
	for _, r := range s.reviewers {
		rv := *r
		rv.Specialties = append([]string(nil), r.Specialties...)
		out = append(out, rv)
	}
	return out
}

func (s *Scheduler) updateGaugesLocked() {
	pendingReviews.Set(float64(len(s.items)))
	for _, r := range s.reviewers {
		reviewerLoad.WithLabelValues(r.ID).Set(float64(r.CurrentLoad))
	}
}
