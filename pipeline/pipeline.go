// Orchestrates a single image moderation: bounded model fan-out, consensus, policy, review routing, and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/imgquorum/quorum/adapters"
	"github.com/imgquorum/quorum/cachestore"
	"github.com/imgquorum/quorum/consensus"
	"github.com/imgquorum/quorum/countstore"
	"github.com/imgquorum/quorum/models"
	"github.com/imgquorum/quorum/notify"
	"github.com/imgquorum/quorum/persist"
	"github.com/imgquorum/quorum/policy"
	"github.com/imgquorum/quorum/review"
	"github.com/imgquorum/quorum/verdict"
)

var tracer = otel.Tracer("pipeline")

const (
	DefaultMaxConcurrency = 2
	// Fewer successful models than this forces human review
	MinSuccessfulModels = 2
	// Automated quarantines allowed per day before decisions are downgraded to review
	QuotaQuarantineDay = 500

	ReasonAllModelsFailed = "all_models_failed"
	ReasonPersistFailed   = "persist_failed"
)

// Result of AnalyzeAndPersistImage. Callers check Success; Error is only set alongside a returned error.
type Outcome struct {
	Success     bool                       `json:"success"`
	PersistedID uint64                     `json:"persistedId,omitempty"`
	Consensus   *consensus.ConsensusResult `json:"consensus,omitempty"`
	Decision    *policy.Decision           `json:"decision,omitempty"`
	Review      *review.ReviewItem         `json:"review,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

type Pipeline struct {
	Adapters   []adapters.Adapter
	Engine     *consensus.Engine
	Thresholds policy.Thresholds
	Scheduler  *review.Scheduler
	Store      persist.Store
	Options    adapters.Options
	Logger     *slog.Logger

	// optional
	Cache    cachestore.ResultCache
	Counters countstore.CountStore
	Notifier notify.Notifier

	QuarantineQuota int
	MaxConcurrency  int64
}

type Config struct {
	Thresholds      policy.Thresholds
	Options         adapters.Options
	MaxConcurrency  int64
	QuarantineQuota int
}

func DefaultConfig() Config {
	return Config{
		Thresholds:      policy.Standard,
		Options:         adapters.DefaultOptions(),
		MaxConcurrency:  DefaultMaxConcurrency,
		QuarantineQuota: QuotaQuarantineDay,
	}
}

func NewPipeline(adps []adapters.Adapter, engine *consensus.Engine, sched *review.Scheduler, store persist.Store, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Pipeline{
		Adapters:        adps,
		Engine:          engine,
		Thresholds:      cfg.Thresholds,
		Scheduler:       sched,
		Store:           store,
		Logger:          logger.With("component", "pipeline"),
		Options:         cfg.Options,
		QuarantineQuota: cfg.QuarantineQuota,
		MaxConcurrency:  cfg.MaxConcurrency,
	}
}

// Runs every adapter against the image with at most MaxConcurrency calls in flight. Outcomes are returned in adapter order; failed calls carry a fallback result.
func (p *Pipeline) runAdapters(ctx context.Context, image []byte, uctx verdict.UploadContext) []adapters.Outcome {
	ctx, span := tracer.Start(ctx, "runAdapters", trace.WithAttributes(attribute.Int("adapters", len(p.Adapters))))
	defer span.End()

	limit := p.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	sem := semaphore.NewWeighted(limit)
	digest := cachestore.Digest(image)
	outcomes := make([]adapters.Outcome, len(p.Adapters))

	var wg sync.WaitGroup
	for i, adp := range p.Adapters {
		if err := sem.Acquire(ctx, 1); err != nil {
			// context done: remaining adapters are recorded as timed out
			outcomes[i] = adapters.Outcome{
				Result: adapters.Fallback(adp.Name(), "", adapters.ReasonTimeout),
				Err:    &adapters.AdapterError{Model: adp.Name(), Reason: adapters.ReasonTimeout, Err: err},
			}
			continue
		}
		wg.Add(1)
		go func(i int, adp adapters.Adapter) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = p.runAdapter(ctx, adp, image, digest, uctx)
		}(i, adp)
	}
	wg.Wait()
	return outcomes
}

func (p *Pipeline) runAdapter(ctx context.Context, adp adapters.Adapter, image []byte, digest string, uctx verdict.UploadContext) adapters.Outcome {
	name := adp.Name()
	if p.Cache != nil {
		cached, err := p.Cache.Get(ctx, name, digest)
		if err != nil {
			p.Logger.Warn("result cache read failed", "model", name, "err", err)
		} else if cached != nil {
			cacheHits.WithLabelValues(name).Inc()
			return adapters.Outcome{Result: cached}
		}
	}

	res, err := adp.Analyze(ctx, image, uctx, p.Options)
	if err != nil {
		reason := adapters.ReasonOf(err)
		p.Logger.Warn("model call failed, using fallback label", "model", name, "reason", reason, "err", err)
		return adapters.Outcome{Result: adapters.Fallback(name, "", reason), Err: err}
	}
	if res.Degraded {
		// lenient parse fallback; treated as a failure for review forcing but not reported as an error
		return adapters.Outcome{Result: res, Err: &adapters.AdapterError{Model: name, Reason: adapters.ErrorReason(fmt.Sprint(res.RawOutput[verdict.RawFailureReason]))}}
	}
	if p.Cache != nil {
		if err := p.Cache.Set(ctx, name, digest, res); err != nil {
			p.Logger.Warn("result cache write failed", "model", name, "err", err)
		}
	}
	return adapters.Outcome{Result: res}
}

// Full analysis of one uploaded image. Expected failure modes (model outages, unparseable output) are reported through Outcome.Success; an error is only returned when the persistence layer fails.
func (p *Pipeline) AnalyzeAndPersistImage(ctx context.Context, imageID string, image []byte, uctx verdict.UploadContext) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "AnalyzeAndPersistImage", trace.WithAttributes(
		attribute.String("imageID", imageID),
		attribute.Int("size", len(image)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		analysisDuration.Observe(time.Since(start).Seconds())
	}()
	logger := p.Logger.With("imageID", imageID)
	if uctx.Size == 0 {
		uctx.Size = int64(len(image))
	}

	outcomes := p.runAdapters(ctx, image, uctx)
	results := make([]verdict.ModelResult, 0, len(outcomes))
	var failed []string
	successes := 0
	for _, o := range outcomes {
		results = append(results, *o.Result)
		if o.Succeeded() {
			successes++
		} else {
			failed = append(failed, fmt.Sprintf("%s: %s", o.Result.ModelName, adapters.ReasonOf(o.Err)))
		}
	}
	span.SetAttributes(attribute.Int("successes", successes))

	if successes == 0 {
		analysesTotal.WithLabelValues("failed").Inc()
		logger.Error("all models failed", "failures", failed)
		item := p.enqueueFailureReview(logger, imageID, ReasonAllModelsFailed)
		id, err := p.Store.FlagAnalysisAsFailed(ctx, imageID, persist.FailureInfo{
			Error:    ReasonAllModelsFailed,
			Details:  fmt.Sprintf("%d of %d models failed: %v", len(failed), len(outcomes), failed),
			Metadata: uploadMetadata(uctx),
			Review:   item,
		})
		if err != nil {
			span.RecordError(err)
			p.dropReview(item)
			return &Outcome{Success: false, Reason: ReasonAllModelsFailed, Error: err.Error()}, err
		}
		return &Outcome{Success: false, PersistedID: id, Review: item, Reason: ReasonAllModelsFailed}, nil
	}

	cons, err := p.Engine.Evaluate(ctx, imageID, results)
	if err != nil {
		// only possible with empty input, which is excluded above
		return nil, fmt.Errorf("evaluating consensus: %w", err)
	}

	decision := policy.DetermineModerationAction(cons.AllLabels, p.Thresholds)
	reviewNeeded := decision.RequiresHumanReview
	priority := decision.Priority
	if successes < MinSuccessfulModels {
		reviewNeeded = true
		priority = verdict.MaxPriority(priority, verdict.PriorityMedium)
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("only %d of %d models succeeded", successes, len(outcomes)))
		forcedReviews.Inc()
	}
	if decision.Action == policy.ActionQuarantine {
		p.quarantineCircuitBreaker(ctx, logger, &decision)
	}
	decision.Priority = priority
	decision.RequiresHumanReview = reviewNeeded

	rec := persist.AnalysisRecord{
		InputRef:     imageID,
		TopLabel:     cons.TopLabel,
		Score:        cons.Score,
		Confidence:   cons.Confidence,
		Agreement:    cons.Agreement,
		Spread:       cons.Spread,
		Action:       string(cons.RecommendedAction),
		PolicyAction: string(decision.Action),
		Labels:       cons.AllLabels,
		Reasons:      append(append([]string(nil), cons.Reasons...), decision.Reasons...),
		Provenance: persist.Provenance{
			Models:    cons.Provenance.Models,
			Weights:   cons.Provenance.Weights,
			Timestamp: cons.Provenance.Timestamp,
		},
		RawOutput:    rawOutputs(results),
		ReviewNeeded: reviewNeeded,
	}
	id, err := p.Store.PersistAnalysisResult(ctx, rec)
	if err != nil {
		span.RecordError(err)
		analysesTotal.WithLabelValues("persist_error").Inc()
		logger.Error("failed to persist analysis result", "err", err)
		item := p.enqueueFailureReview(logger, imageID, ReasonPersistFailed)
		if _, ferr := p.Store.FlagAnalysisAsFailed(ctx, imageID, persist.FailureInfo{
			Error:    ReasonPersistFailed,
			Details:  err.Error(),
			Metadata: uploadMetadata(uctx),
			Review:   item,
		}); ferr != nil {
			logger.Error("failed to flag analysis as failed", "err", ferr)
			p.dropReview(item)
			item = nil
		}
		return &Outcome{Success: false, Consensus: cons, Decision: &decision, Review: item, Error: err.Error()}, err
	}

	out := &Outcome{
		Success:     true,
		PersistedID: id,
		Consensus:   cons,
		Decision:    &decision,
	}
	if reviewNeeded {
		item, err := p.routeReview(ctx, imageID, id, priority, rec.Reasons, cons, &decision)
		if err != nil {
			var perr *persist.PersistenceError
			if errors.As(err, &perr) {
				span.RecordError(err)
				out.Success = false
				out.Error = err.Error()
				return out, err
			}
			logger.Warn("review not scheduled", "err", err)
		}
		out.Review = item
	}
	analysesTotal.WithLabelValues(string(decision.Action)).Inc()
	logger.Info("image analyzed", "persistedID", id, "topLabel", cons.TopLabel, "consensusAction", cons.RecommendedAction, "policyAction", decision.Action, "reviewNeeded", reviewNeeded, "successes", successes)
	return out, nil
}

// Downgrades a quarantine to human review once the daily quota of automated quarantines is spent.
func (p *Pipeline) quarantineCircuitBreaker(ctx context.Context, logger *slog.Logger, d *policy.Decision) {
	if p.Counters == nil || p.QuarantineQuota <= 0 {
		return
	}
	c, err := p.Counters.GetCount(ctx, "quorum-quota", "quarantine", countstore.PeriodDay)
	if err != nil {
		logger.Error("failed to read quarantine quota counter", "err", err)
		return
	}
	if c >= p.QuarantineQuota {
		logger.Warn("CIRCUIT BREAKER: automated quarantines", "count", c, "quota", p.QuarantineQuota)
		circuitBreaks.Inc()
		d.Action = policy.ActionReview
		d.Reasons = append(d.Reasons, "daily automated quarantine quota reached")
		return
	}
	if err := p.Counters.Increment(ctx, "quorum-quota", "quarantine"); err != nil {
		logger.Error("failed to increment quarantine quota counter", "err", err)
	}
}

func (p *Pipeline) routeReview(ctx context.Context, imageID string, analysisID uint64, priority verdict.Priority, reasons []string, cons *consensus.ConsensusResult, d *policy.Decision) (*review.ReviewItem, error) {
	if p.Scheduler == nil {
		return nil, review.ErrNoReviewers
	}
	item, err := p.Scheduler.Enqueue(imageID, priority, reasons)
	if err != nil {
		return nil, err
	}
	if err := p.Store.SaveReviewItem(ctx, item, analysisID); err != nil {
		return &item, err
	}
	if p.Notifier != nil && priority == verdict.PriorityCritical {
		err := p.Notifier.NotifyReview(ctx, notify.ReviewNotice{
			ImageID:    imageID,
			ReviewID:   item.ReviewID,
			Priority:   priority,
			AssignedTo: item.AssignedTo,
			TopLabel:   cons.TopLabel,
			Action:     string(d.Action),
			Reasons:    d.Reasons,
		})
		if err != nil {
			p.Logger.Error("failed to send review notification", "reviewID", item.ReviewID, "err", err)
		}
	}
	return &item, nil
}

// Queues the high-priority review for an analysis with no usable result. Returns nil if it could not be scheduled.
func (p *Pipeline) enqueueFailureReview(logger *slog.Logger, imageID, errMsg string) *review.ReviewItem {
	if p.Scheduler == nil {
		return nil
	}
	item, err := p.Scheduler.Enqueue(imageID, verdict.PriorityHigh, []string{persist.FailureReviewReason(errMsg)})
	if err != nil {
		logger.Warn("failure review not scheduled", "err", err)
		return nil
	}
	return &item
}

// Removes a queued item whose stored row could not be written.
func (p *Pipeline) dropReview(item *review.ReviewItem) {
	if item != nil && p.Scheduler != nil {
		p.Scheduler.Pop(item.ReviewID)
	}
}

// Marks review items dropped by scheduler cleanup as purged in the store.
func (p *Pipeline) ArchivePurgedReviews(ctx context.Context, items []review.ReviewItem) {
	status := models.ReviewStatusPurged
	for _, item := range items {
		err := p.Store.UpdateReviewItem(ctx, item.ReviewID, persist.ReviewUpdate{Status: &status}, persist.SystemActor)
		if errors.Is(err, persist.ErrNotFound) {
			p.Logger.Warn("purged review item was never stored", "reviewID", item.ReviewID, "imageID", item.ImageID)
			continue
		}
		if err != nil {
			p.Logger.Error("failed to archive purged review item", "reviewID", item.ReviewID, "err", err)
			continue
		}
		reviewsArchived.Inc()
	}
}

func rawOutputs(results []verdict.ModelResult) map[string]map[string]any {
	out := make(map[string]map[string]any, len(results))
	for _, r := range results {
		if len(r.RawOutput) > 0 {
			out[r.ModelName] = r.RawOutput
		}
	}
	return out
}

func uploadMetadata(uctx verdict.UploadContext) map[string]string {
	md := make(map[string]string, len(uctx.Metadata)+3)
	for k, v := range uctx.Metadata {
		md[k] = v
	}
	if uctx.Filename != "" {
		md["filename"] = uctx.Filename
	}
	if uctx.ContentType != "" {
		md["contentType"] = uctx.ContentType
	}
	if uctx.UploaderID != "" {
		md["uploaderId"] = uctx.UploaderID
	}
	return md
}
