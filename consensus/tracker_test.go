package consensus

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgquorum/quorum/verdict"
)

func testTracker(t *testing.T, cfg TrackerConfig) *Tracker {
	tr, err := NewTracker(cfg, nil)
	require.NoError(t, err)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }
	return tr
}

func assertNormalized(t *testing.T, w Weights, lo, hi float64) {
	var sum float64
	for name, v := range w {
		assert.GreaterOrEqual(t, v, lo-1e-9, name)
		assert.LessOrEqual(t, v, hi+1e-9, name)
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestNewTrackerValidation(t *testing.T) {
	assert := assert.New(t)

	_, err := NewTracker(TrackerConfig{}, nil)
	assert.Error(err)

	cfg := DefaultTrackerConfig()
	cfg.MinWeight = 0.5
	_, err = NewTracker(cfg, nil)
	assert.Error(err)

	cfg = DefaultTrackerConfig()
	cfg.MinWeight, cfg.MaxWeight = 0.6, 0.4
	_, err = NewTracker(cfg, nil)
	assert.Error(err)

	tr, err := NewTracker(DefaultTrackerConfig(), nil)
	assert.NoError(err)
	perf := tr.Performance()
	assert.Len(perf, 3)
	for _, p := range perf {
		assert.Equal(1.0, p.Reliability)
	}
}

func TestInitialWeightsMatchBase(t *testing.T) {
	tr := testTracker(t, DefaultTrackerConfig())
	w := tr.AdaptiveWeights()
	for name, base := range DefaultTrackerConfig().BaseWeights {
		assert.InDelta(t, base, w[name], 1e-9)
	}
}

func TestWeightNormalizationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := DefaultTrackerConfig()
	tr := testTracker(t, cfg)

	for iter := 0; iter < 1000; iter++ {
		tr.lk.Lock()
		for _, p := range tr.perf {
			switch rng.Intn(5) {
			case 0:
				p.Reliability = 0
			case 1:
				p.Reliability = 1
			default:
				p.Reliability = rng.Float64()
			}
		}
		tr.lk.Unlock()
		assertNormalized(t, tr.AdaptiveWeights(), cfg.MinWeight, cfg.MaxWeight)
	}
}

func TestNormalizeBounded(t *testing.T) {
	assert := assert.New(t)

	out := normalizeBounded([]float64{0.9, 0.05, 0.05}, 0.1, 0.7)
	assert.InDelta(0.7, out[0], 1e-9)
	assert.InDelta(0.15, out[1], 1e-9)
	assert.InDelta(0.15, out[2], 1e-9)

	out = normalizeBounded([]float64{0, 0, 0}, 0.1, 0.7)
	for _, v := range out {
		assert.InDelta(1.0/3, v, 1e-9)
	}

	out = normalizeBounded([]float64{2, 0, 1}, 0.1, 0.7)
	assert.InDelta(0.1, out[1], 1e-9)
	assert.InDelta(1.0, out[0]+out[1]+out[2], 1e-9)

	// infeasible bounds are relaxed rather than violated on the sum
	out = normalizeBounded([]float64{1, 1}, 0.6, 0.9)
	assert.InDelta(0.5, out[0], 1e-9)
	assert.InDelta(0.5, out[1], 1e-9)
}

func TestAdaptiveLearningDisabled(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.AdaptiveLearning = false
	tr := testTracker(t, cfg)

	tr.Record(AnalysisEvent{
		ImageID:   "img1",
		Results:   []verdict.ModelResult{result(threeModels[0], "weapon", 0.9)},
		Consensus: &ConsensusResult{TopLabel: "safe"},
	})
	assert.Equal(t, cfg.BaseWeights, tr.AdaptiveWeights())
}

func TestRecordAndFeedback(t *testing.T) {
	assert := assert.New(t)
	tr := testTracker(t, DefaultTrackerConfig())

	vision := result(threeModels[0], "weapon", 0.9)
	vision.LatencyMs = 1000
	reasoning := result(threeModels[1], "weapon", 0.8)
	reasoning.LatencyMs = 3000
	text := result(threeModels[2], "safe", 0.7)
	text.LatencyMs = 500

	tr.Record(AnalysisEvent{
		ImageID:   "img1",
		Results:   []verdict.ModelResult{vision, reasoning, text},
		Consensus: &ConsensusResult{TopLabel: "weapon"},
	})

	perf := tr.Performance()
	assert.Equal(int64(1), perf[threeModels[0]].TotalAnalyses)
	assert.Equal(1.0, perf[threeModels[0]].Accuracy)
	assert.Equal(0.0, perf[threeModels[2]].Accuracy)
	assert.Equal(1000.0, perf[threeModels[0]].AverageLatency)
	assert.InDelta(0.4+0.3+0.2*0.9+0.1*0.9, perf[threeModels[0]].Reliability, 1e-9)
	assert.Less(perf[threeModels[2]].Reliability, perf[threeModels[0]].Reliability)

	w := tr.AdaptiveWeights()
	assertNormalized(t, w, 0.1, 0.7)
	assert.Less(w[threeModels[2]], 0.25)

	// unknown analyses are ignored
	assert.False(tr.ProvideFeedback("nope", "safe", "allow"))
	assert.Equal(perf, tr.Performance())

	// the image turned out to be safe: text was right, the others wrong
	assert.True(tr.ProvideFeedback("img1", "safe", "allow"))
	after := tr.Performance()
	assert.Equal(int64(0), after[threeModels[0]].CorrectPredictions)
	assert.Equal(int64(1), after[threeModels[2]].CorrectPredictions)
	assert.Equal(1.0, after[threeModels[2]].Accuracy)
	assert.Equal(int64(1), after[threeModels[0]].TotalAnalyses)

	// repeated feedback is idempotent
	assert.True(tr.ProvideFeedback("img1", "safe", "allow"))
	assert.Equal(after, tr.Performance())

	// action-only feedback: anything flagged was correct
	assert.True(tr.ProvideFeedback("img1", "", "quarantine"))
	flagged := tr.Performance()
	assert.Equal(int64(1), flagged[threeModels[0]].CorrectPredictions)
	assert.Equal(int64(0), flagged[threeModels[2]].CorrectPredictions)
}

func TestErrorResultsRecorded(t *testing.T) {
	assert := assert.New(t)
	tr := testTracker(t, DefaultTrackerConfig())

	failed := verdict.ModelResult{
		ModelName: threeModels[1],
		Labels:    []verdict.ModelLabel{{Label: threeModels[1] + "_failed", Score: 0.5}},
		Degraded:  true,
	}
	tr.Record(AnalysisEvent{
		ImageID:   "img1",
		Results:   []verdict.ModelResult{failed},
		Consensus: &ConsensusResult{TopLabel: threeModels[1] + "_failed"},
	})
	p := tr.Performance()[threeModels[1]]
	assert.Equal(1.0, p.ErrorRate)
	assert.Equal(0.0, p.Accuracy)
}

func TestResetLearning(t *testing.T) {
	assert := assert.New(t)
	tr := testTracker(t, DefaultTrackerConfig())

	tr.Record(AnalysisEvent{
		ImageID:   "img1",
		Results:   []verdict.ModelResult{result("extra-model", "weapon", 0.9), result(threeModels[0], "safe", 0.9)},
		Consensus: &ConsensusResult{TopLabel: "weapon"},
	})
	tr.ResetLearning()
	first := tr.Performance()
	assert.Len(first, 4)
	for _, p := range first {
		assert.Equal(1.0, p.Reliability)
		assert.Equal(int64(0), p.TotalAnalyses)
	}
	assert.False(tr.ProvideFeedback("img1", "safe", ""))

	tr.ResetLearning()
	assert.Equal(first, tr.Performance())
}
