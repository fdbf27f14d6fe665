package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imgquorum/quorum/verdict"
)

// Computes consensus with the tracker's current weights and feeds each outcome back to the tracker asynchronously.
type Engine struct {
	Tracker *Tracker
	Config  Config
	Logger  *slog.Logger

	events chan AnalysisEvent
}

// bufferSize bounds the number of analyses waiting for the tracker; beyond that, events are dropped.
func NewEngine(tracker *Tracker, cfg Config, bufferSize int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Engine{
		Tracker: tracker,
		Config:  cfg,
		Logger:  logger.With("component", "consensus"),
		events:  make(chan AnalysisEvent, bufferSize),
	}
}

// Channel of analysis events for the tracker to consume (see Tracker.Run).
func (e *Engine) Events() <-chan AnalysisEvent {
	return e.events
}

// Starts the tracker consumer. Returns when ctx is done.
func (e *Engine) RunTracker(ctx context.Context) {
	e.Tracker.Run(ctx, e.events)
}

// Computes consensus for one image.
//
// The only error returned is *InsufficientInputError. Computation failures are logged and replaced with a neutral "monitor" consensus. Tracker bookkeeping happens later, off this call path.
func (e *Engine) Evaluate(ctx context.Context, imageID string, results []verdict.ModelResult) (*ConsensusResult, error) {
	if len(results) == 0 {
		return nil, &InsufficientInputError{Count: 0}
	}

	weights := e.Tracker.AdaptiveWeights()
	perf := e.Tracker.Performance()

	start := time.Now()
	res, err := e.compute(results, weights, perf)
	consensusDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var iie *InsufficientInputError
		if errors.As(err, &iie) {
			return nil, err
		}
		e.Logger.Error("consensus computation failed, substituting neutral result", "imageID", imageID, "err", err)
		consensusFailures.Inc()
		return NeutralConsensus(results, weights, err), nil
	}
	consensusDecisions.WithLabelValues(string(res.RecommendedAction)).Inc()

	e.emit(AnalysisEvent{
		ImageID:   imageID,
		Results:   results,
		Consensus: res,
		Timestamp: res.Provenance.Timestamp,
	})
	return res, nil
}

func (e *Engine) compute(results []verdict.ModelResult, weights Weights, perf map[string]ModelPerformance) (res *ConsensusResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &ConsensusComputationError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return ComputeConsensus(results, weights, perf, e.Config)
}

func (e *Engine) emit(ev AnalysisEvent) {
	select {
	case e.events <- ev:
	default:
		droppedEvents.Inc()
		e.Logger.Warn("tracker event buffer full, dropping analysis event", "imageID", ev.ImageID)
	}
}
