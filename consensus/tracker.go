package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/imgquorum/quorum/adapters"
	"github.com/imgquorum/quorum/verdict"
)

// Rolling performance statistics for a single model.
type ModelPerformance struct {
	ModelName          string    `json:"modelName"`
	TotalAnalyses      int64     `json:"totalAnalyses"`
	CorrectPredictions int64     `json:"correctPredictions"`
	AverageConfidence  float64   `json:"averageConfidence"`
	AverageLatency     float64   `json:"averageLatency"`
	ErrorRate          float64   `json:"errorRate"`
	Accuracy           float64   `json:"accuracy"`
	Reliability        float64   `json:"reliability"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

func freshPerformance(model string, now time.Time) *ModelPerformance {
	return &ModelPerformance{
		ModelName:   model,
		Reliability: 1.0,
		LastUpdated: now,
	}
}

// Composite of accuracy, error rate, latency (10s is treated as worst case), and average confidence.
func (p *ModelPerformance) computeReliability() float64 {
	latency := math.Max(0, 1-p.AverageLatency/10000)
	return verdict.ClampScore(0.4*p.Accuracy + 0.3*(1-p.ErrorRate) + 0.2*latency + 0.1*p.AverageConfidence)
}

// Emitted by the Engine after each successful consensus, consumed by the Tracker.
type AnalysisEvent struct {
	ImageID   string
	Results   []verdict.ModelResult
	Consensus *ConsensusResult
	Timestamp time.Time
}

type TrackerConfig struct {
	BaseWeights      Weights
	MinWeight        float64
	MaxWeight        float64
	AdaptiveLearning bool
	// number of past analyses remembered for ground-truth feedback
	HistorySize int
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BaseWeights: Weights{
			adapters.VisionModelName:    0.35,
			adapters.ReasoningModelName: 0.40,
			adapters.TextModelName:      0.25,
		},
		MinWeight:        0.1,
		MaxWeight:        0.7,
		AdaptiveLearning: true,
		HistorySize:      10_000,
	}
}

// What the tracker remembers about one analysis, so that later feedback can correct it.
type analysisRecord struct {
	consensusLabel string
	topLabels      map[string]string
	correct        map[string]bool
}

// Tracks per-model reliability and derives adaptive consensus weights from it. Safe for concurrent use.
type Tracker struct {
	cfg    TrackerConfig
	logger *slog.Logger
	now    func() time.Time

	lk      sync.Mutex
	perf    map[string]*ModelPerformance
	history *lru.Cache[string, *analysisRecord]
}

func NewTracker(cfg TrackerConfig, logger *slog.Logger) (*Tracker, error) {
	if len(cfg.BaseWeights) == 0 {
		return nil, fmt.Errorf("tracker requires at least one base weight")
	}
	if cfg.MinWeight < 0 || cfg.MaxWeight > 1 || cfg.MinWeight > cfg.MaxWeight {
		return nil, fmt.Errorf("invalid weight bounds [%v, %v]", cfg.MinWeight, cfg.MaxWeight)
	}
	n := float64(len(cfg.BaseWeights))
	if cfg.MinWeight*n > 1+1e-9 || cfg.MaxWeight*n < 1-1e-9 {
		return nil, fmt.Errorf("weight bounds [%v, %v] cannot sum to 1 across %d models", cfg.MinWeight, cfg.MaxWeight, len(cfg.BaseWeights))
	}
	for name, w := range cfg.BaseWeights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("invalid base weight for %s: %v", name, w)
		}
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultTrackerConfig().HistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	history, err := lru.New[string, *analysisRecord](cfg.HistorySize)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:     cfg,
		logger:  logger.With("component", "tracker"),
		now:     time.Now,
		perf:    map[string]*ModelPerformance{},
		history: history,
	}
	now := t.now()
	for name := range cfg.BaseWeights {
		t.perf[name] = freshPerformance(name, now)
	}
	return t, nil
}

func (t *Tracker) Config() TrackerConfig {
	return t.cfg
}

// Folds one analysis into every participating model's statistics.
func (t *Tracker) Record(ev AnalysisEvent) {
	if ev.Consensus == nil {
		return
	}
	t.lk.Lock()
	defer t.lk.Unlock()

	now := t.now()
	rec := &analysisRecord{
		consensusLabel: ev.Consensus.TopLabel,
		topLabels:      make(map[string]string, len(ev.Results)),
		correct:        make(map[string]bool, len(ev.Results)),
	}
	for i := range ev.Results {
		r := &ev.Results[i]
		p, ok := t.perf[r.ModelName]
		if !ok {
			p = freshPerformance(r.ModelName, now)
			t.perf[r.ModelName] = p
		}

		p.TotalAnalyses++
		n := float64(p.TotalAnalyses)
		top := r.TopLabel()
		isErr := r.IsError()
		p.AverageLatency += (float64(r.LatencyMs) - p.AverageLatency) / n
		p.AverageConfidence += (top.Score - p.AverageConfidence) / n
		errVal := 0.0
		if isErr {
			errVal = 1.0
		}
		p.ErrorRate += (errVal - p.ErrorRate) / n

		// agreement with consensus stands in for ground truth until feedback arrives
		correct := !isErr && top.Label != "" && top.Label == ev.Consensus.TopLabel
		if correct {
			p.CorrectPredictions++
		}
		p.Accuracy = float64(p.CorrectPredictions) / n
		p.Reliability = p.computeReliability()
		p.LastUpdated = now

		if !isErr {
			rec.topLabels[r.ModelName] = top.Label
			rec.correct[r.ModelName] = correct
		}
		modelReliability.WithLabelValues(r.ModelName).Set(p.Reliability)
	}
	if ev.ImageID != "" {
		t.history.Add(ev.ImageID, rec)
	}
	for name, w := range t.adaptiveWeightsLocked() {
		modelWeight.WithLabelValues(name).Set(w)
	}
}

// Consumes engine events until the context is cancelled or the channel is closed.
func (t *Tracker) Run(ctx context.Context, events <-chan AnalysisEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.recordSafe(ev)
		}
	}
}

func (t *Tracker) recordSafe(ev AnalysisEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("recovered panic recording analysis", "imageID", ev.ImageID, "err", r)
		}
	}()
	t.Record(ev)
}

// Retroactively corrects the accuracy of every model which took part in a past analysis.
//
// If groundTruth is set, a model was correct when its top label matches it. Otherwise correctAction is used: "allow" means models which found nothing were correct, any other action means models which flagged something were correct. Returns false, without error, when the analysis is not remembered. Repeating the same feedback has no further effect.
func (t *Tracker) ProvideFeedback(imageID, groundTruth, correctAction string) bool {
	t.lk.Lock()
	defer t.lk.Unlock()

	rec, ok := t.history.Get(imageID)
	if !ok {
		t.logger.Debug("feedback for unknown analysis", "imageID", imageID)
		return false
	}
	if groundTruth == "" && correctAction == "" {
		return true
	}

	now := t.now()
	for model, label := range rec.topLabels {
		var nowCorrect bool
		if groundTruth != "" {
			nowCorrect = label == groundTruth
		} else {
			flagged := !verdict.IsBenignLabel(label)
			nowCorrect = flagged == (correctAction != "allow")
		}
		if nowCorrect == rec.correct[model] {
			continue
		}
		p, ok := t.perf[model]
		if !ok {
			// reset since the analysis was recorded
			continue
		}
		if nowCorrect {
			p.CorrectPredictions++
		} else if p.CorrectPredictions > 0 {
			p.CorrectPredictions--
		}
		if p.TotalAnalyses > 0 {
			p.Accuracy = float64(p.CorrectPredictions) / float64(p.TotalAnalyses)
		}
		p.Reliability = p.computeReliability()
		p.LastUpdated = now
		rec.correct[model] = nowCorrect
		modelReliability.WithLabelValues(model).Set(p.Reliability)
	}
	feedbackCount.Inc()
	return true
}

// Clears all performance and analysis history; every known model starts over at full reliability.
func (t *Tracker) ResetLearning() {
	t.lk.Lock()
	defer t.lk.Unlock()

	now := t.now()
	for name := range t.perf {
		t.perf[name] = freshPerformance(name, now)
	}
	for name := range t.cfg.BaseWeights {
		t.perf[name] = freshPerformance(name, now)
	}
	t.history.Purge()
}

// Copy of current statistics for every known model.
func (t *Tracker) Performance() map[string]ModelPerformance {
	t.lk.Lock()
	defer t.lk.Unlock()

	out := make(map[string]ModelPerformance, len(t.perf))
	for name, p := range t.perf {
		out[name] = *p
	}
	return out
}

// Current consensus weights: base weights scaled by relative reliability, kept within [MinWeight, MaxWeight] and summing to 1. Returns the base weights unchanged if adaptive learning is disabled.
func (t *Tracker) AdaptiveWeights() Weights {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.adaptiveWeightsLocked()
}

func (t *Tracker) adaptiveWeightsLocked() Weights {
	if !t.cfg.AdaptiveLearning {
		out := make(Weights, len(t.cfg.BaseWeights))
		for name, w := range t.cfg.BaseWeights {
			out[name] = w
		}
		return out
	}

	names := make([]string, 0, len(t.cfg.BaseWeights))
	for name := range t.cfg.BaseWeights {
		names = append(names, name)
	}
	sort.Strings(names)

	rel := make([]float64, len(names))
	for i, name := range names {
		rel[i] = 1.0
		if p, ok := t.perf[name]; ok {
			rel[i] = p.Reliability
		}
	}
	relSum := floats.Sum(rel)
	n := float64(len(names))

	raw := make([]float64, len(names))
	for i, name := range names {
		base := t.cfg.BaseWeights[name]
		if relSum > 0 {
			raw[i] = base * (rel[i] / relSum) * n
		} else {
			raw[i] = base
		}
	}

	bounded := normalizeBounded(raw, t.cfg.MinWeight, t.cfg.MaxWeight)
	out := make(Weights, len(names))
	for i, name := range names {
		out[name] = bounded[i]
	}
	return out
}

// Rescales raw weights to sum to 1 with every weight clamped to [lo, hi].
//
// Finds the scale factor s for which sum(clamp(s*raw_i, lo, hi)) == 1. That sum is monotonic in s, so bisection converges. Bounds which cannot be satisfied for len(raw) entries are relaxed to 1/n.
func normalizeBounded(raw []float64, lo, hi float64) []float64 {
	n := len(raw)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	uniform := 1.0 / float64(n)
	if lo > uniform {
		lo = uniform
	}
	if hi < uniform {
		hi = uniform
	}

	r := make([]float64, n)
	minPositive := math.Inf(1)
	for i, v := range raw {
		if !(v > 0) || math.IsInf(v, 0) {
			v = 0
		}
		r[i] = v
		if v > 0 && v < minPositive {
			minPositive = v
		}
	}
	if math.IsInf(minPositive, 1) {
		// nothing positive to scale
		for i := range out {
			out[i] = uniform
		}
		return out
	}
	for i := range r {
		// zero entries can only ever sit at the floor; give them a tiny mass so the upper search bound still saturates
		if r[i] == 0 {
			r[i] = minPositive * 1e-9
		}
	}

	sumAt := func(s float64) float64 {
		var total float64
		for i, v := range r {
			out[i] = math.Min(hi, math.Max(lo, s*v))
			total += out[i]
		}
		return total
	}

	low, high := 0.0, hi/(minPositive*1e-9)
	for iter := 0; iter < 200; iter++ {
		mid := (low + high) / 2
		if sumAt(mid) < 1 {
			low = mid
		} else {
			high = mid
		}
	}
	total := sumAt(high)

	// absorb residual rounding into entries which are not pinned at a bound
	if diff := 1 - total; diff != 0 {
		for i := range out {
			if out[i]+diff >= lo && out[i]+diff <= hi {
				out[i] += diff
				break
			}
		}
	}
	return out
}
