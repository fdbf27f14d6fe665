package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/imgquorum/quorum/verdict"
)

type Action string

const (
	ActionAllow         Action = "allow"
	ActionMonitor       Action = "monitor"
	ActionHoldForReview Action = "hold_for_review"
	ActionQuarantine    Action = "quarantine"
	ActionEscalate      Action = "escalate"
)

// Per-model influence in aggregation, keyed by model name.
type Weights map[string]float64

// Labels which are always decided by confidence alone, never by the banded table.
var CriticalLabels = map[string]bool{
	"child_exposed":      true,
	"sexual_nudity":      true,
	"violence_extreme":   true,
	"deepfake_confirmed": true,
}

type Provenance struct {
	Models    []string  `json:"models"`
	Timestamp time.Time `json:"timestamp"`
	Weights   Weights   `json:"weights"`
}

// Reconciled decision for one image. Constructed once and never mutated.
type ConsensusResult struct {
	TopLabel          string               `json:"topLabel"`
	Score             float64              `json:"score"`
	Confidence        float64              `json:"confidence"`
	Agreement         float64              `json:"agreement"`
	Spread            float64              `json:"spread"`
	AllLabels         []verdict.LabelScore `json:"allLabels"`
	Provenance        Provenance           `json:"provenance"`
	RecommendedAction Action               `json:"recommendedAction"`
	Reasons           []string             `json:"reasons"`
}

type Config struct {
	// models whose accuracy exceeds this get their scores boosted
	AccuracyBoostThreshold float64
	AccuracyBoost          float64
	// accuracy is not trusted for boosting until a model has this many analyses
	MinAnalysesForBoost int64
	ReasoningDepthBoost float64
	MinReasoningSteps   int
	// a model corroborates the top label when its own score for that label is at least this
	CorroborationThreshold float64
}

func DefaultConfig() Config {
	return Config{
		AccuracyBoostThreshold: 0.8,
		AccuracyBoost:          0.1,
		MinAnalysesForBoost:    10,
		ReasoningDepthBoost:    0.05,
		MinReasoningSteps:      3,
		CorroborationThreshold: 0.5,
	}
}

// Reconciles per-model results into a single decision.
//
// Pure function of its inputs (and the clock, for provenance). perf may be nil, in which case no accuracy boosts apply. Returns *InsufficientInputError for empty input, and *ConsensusComputationError if the math does not produce finite values.
func ComputeConsensus(results []verdict.ModelResult, weights Weights, perf map[string]ModelPerformance, cfg Config) (*ConsensusResult, error) {
	if len(results) == 0 {
		return nil, &InsufficientInputError{Count: 0}
	}

	n := len(results)
	models := make([]string, n)
	w := make([]float64, n)
	boost := make([]float64, n)
	for i, r := range results {
		models[i] = r.ModelName
		mw, ok := weights[r.ModelName]
		if !ok {
			mw = 1.0 / float64(n)
		}
		w[i] = mw
		boost[i] = confidenceBoost(&results[i], perf, cfg)
	}
	weightSum := floats.Sum(w)
	if !(weightSum > 0) || math.IsInf(weightSum, 0) {
		return nil, &ConsensusComputationError{Err: fmt.Errorf("invalid weight sum: %v", weightSum)}
	}

	// label -> per-model score, zero-filled for models which did not emit the label
	byLabel := map[string][]float64{}
	for i, r := range results {
		for _, l := range r.Labels {
			scores, ok := byLabel[l.Label]
			if !ok {
				scores = make([]float64, n)
				byLabel[l.Label] = scores
			}
			// a model repeating a label keeps its highest score
			if s := verdict.ClampScore(l.Score); s > scores[i] {
				scores[i] = s
			}
		}
	}

	all := make([]verdict.LabelScore, 0, len(byLabel))
	for label, scores := range byLabel {
		var acc float64
		for i, s := range scores {
			acc += s * w[i] * boost[i]
		}
		all = append(all, verdict.LabelScore{Label: label, Score: verdict.ClampScore(acc / weightSum)})
	}
	verdict.SortLabelScores(all)

	out := &ConsensusResult{
		AllLabels: all,
		Provenance: Provenance{
			Models:    models,
			Timestamp: time.Now().UTC(),
			Weights:   copyWeights(results, w),
		},
	}
	if len(all) == 0 {
		// models responded but nobody emitted a label
		out.RecommendedAction = ActionMonitor
		out.Reasons = []string{fmt.Sprintf("no labels emitted by %d model(s)", n)}
		return out, nil
	}

	top := all[0]
	topScores := byLabel[top.Label]
	out.TopLabel = top.Label
	out.Score = top.Score
	out.Agreement = agreement(topScores, w)

	var second verdict.LabelScore
	if len(all) > 1 {
		second = all[1]
		out.Spread = (top.Score - second.Score) * (2 - out.Agreement)
	}

	corroborating := 0
	for _, s := range topScores {
		if s >= cfg.CorroborationThreshold {
			corroborating++
		}
	}
	out.Confidence = confidence(top.Score, second.Score, out.Agreement, out.Spread, corroborating)
	out.RecommendedAction = recommendAction(top.Label, top.Score, out.Confidence, out.Agreement, out.Spread)
	out.Reasons = buildReasons(out, second, corroborating, n)

	for _, v := range []float64{out.Score, out.Confidence, out.Agreement, out.Spread} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &ConsensusComputationError{Err: fmt.Errorf("non-finite consensus value for label %q", top.Label)}
		}
	}
	return out, nil
}

func confidenceBoost(r *verdict.ModelResult, perf map[string]ModelPerformance, cfg Config) float64 {
	b := 1.0
	if p, ok := perf[r.ModelName]; ok && p.TotalAnalyses >= cfg.MinAnalysesForBoost && p.Accuracy > cfg.AccuracyBoostThreshold {
		b += cfg.AccuracyBoost
	}
	if cfg.MinReasoningSteps > 0 && r.ReasoningDepth() >= cfg.MinReasoningSteps {
		b += cfg.ReasoningDepthBoost
	}
	return b
}

// 1 - weighted standard deviation of the per-model scores, floored at zero.
func agreement(scores, weights []float64) float64 {
	if len(scores) < 2 {
		return 1
	}
	variance := stat.PopVariance(scores, weights)
	if variance < 0 {
		// float noise on identical scores
		variance = 0
	}
	return math.Max(0, 1-math.Sqrt(variance))
}

func confidence(top, second, agreement, spread float64, corroborating int) float64 {
	c := top * (0.7 + 0.3*agreement)
	if corroborating > 1 {
		c += math.Min(0.10, 0.05*float64(corroborating-1))
	}
	c -= spread * 0.3
	if top > 0 {
		if ratio := second / top; ratio > 0.7 {
			c *= 1 - (ratio - 0.7)
		}
	}
	return verdict.ClampScore(c)
}

func recommendAction(label string, score, conf, agr, spread float64) Action {
	if CriticalLabels[label] {
		if conf > 0.8 {
			return ActionQuarantine
		}
		return ActionHoldForReview
	}

	// "nothing detected" never quarantines, however confident the models are
	if verdict.IsBenignLabel(label) {
		if (conf < 0.5 || agr < 0.4) && spread > 0.4 {
			return ActionHoldForReview
		}
		return ActionAllow
	}

	switch {
	case conf >= 0.85 && agr >= 0.8:
		if score > 0.9 {
			return ActionQuarantine
		}
		return ActionMonitor
	case conf >= 0.7 && agr >= 0.6:
		if spread > 0.3 {
			return ActionHoldForReview
		}
		return ActionMonitor
	case conf < 0.5 || agr < 0.4:
		if spread > 0.4 {
			return ActionHoldForReview
		}
		return ActionAllow
	case conf > 0.6:
		return ActionMonitor
	default:
		return ActionAllow
	}
}

func buildReasons(out *ConsensusResult, second verdict.LabelScore, corroborating, modelCount int) []string {
	reasons := []string{
		fmt.Sprintf("top label %q with %.0f%% confidence", out.TopLabel, out.Confidence*100),
		fmt.Sprintf("%.0f%% agreement across %d model(s), %d corroborating", out.Agreement*100, modelCount, corroborating),
	}

	names := make([]string, 0, len(out.Provenance.Weights))
	for name := range out.Provenance.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	dist := ""
	for i, name := range names {
		if i > 0 {
			dist += ", "
		}
		dist += fmt.Sprintf("%s=%.2f", name, out.Provenance.Weights[name])
	}
	reasons = append(reasons, "weights: "+dist)

	if out.Spread > 0.2 {
		reasons = append(reasons, fmt.Sprintf("material spread %.2f between top labels", out.Spread))
	}
	if second.Label != "" && second.Score > 0.3 {
		reasons = append(reasons, fmt.Sprintf("secondary detection %q at %.2f", second.Label, second.Score))
	}
	if CriticalLabels[out.TopLabel] {
		reasons = append(reasons, fmt.Sprintf("critical category %q", out.TopLabel))
	}
	return reasons
}

func copyWeights(results []verdict.ModelResult, w []float64) Weights {
	out := make(Weights, len(results))
	for i, r := range results {
		out[r.ModelName] = w[i]
	}
	return out
}

// Stand-in decision used when the math itself fails: routes the image to monitoring rather than guessing.
func NeutralConsensus(results []verdict.ModelResult, weights Weights, cause error) *ConsensusResult {
	models := make([]string, 0, len(results))
	for _, r := range results {
		models = append(models, r.ModelName)
	}
	reasons := []string{ReasonConsensusFailure}
	if cause != nil {
		reasons = append(reasons, cause.Error())
	}
	return &ConsensusResult{
		AllLabels: []verdict.LabelScore{},
		Provenance: Provenance{
			Models:    models,
			Timestamp: time.Now().UTC(),
			Weights:   weights,
		},
		RecommendedAction: ActionMonitor,
		Reasons:           reasons,
	}
}
