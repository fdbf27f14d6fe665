package consensus

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgquorum/quorum/adapters"
	"github.com/imgquorum/quorum/verdict"
)

var threeModels = []string{adapters.VisionModelName, adapters.ReasoningModelName, adapters.TextModelName}

func result(model, label string, score float64) verdict.ModelResult {
	return verdict.ModelResult{
		ModelName: model,
		Labels:    []verdict.ModelLabel{{Label: label, Score: score}},
	}
}

func TestUnanimousDetection(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	results := []verdict.ModelResult{
		result(threeModels[0], "sexual_nudity", 0.95),
		result(threeModels[1], "sexual_nudity", 0.95),
		result(threeModels[2], "sexual_nudity", 0.95),
	}
	res, err := ComputeConsensus(results, DefaultTrackerConfig().BaseWeights, nil, DefaultConfig())
	require.NoError(err)
	assert.Equal("sexual_nudity", res.TopLabel)
	assert.InDelta(0.95, res.Score, 1e-9)
	assert.InDelta(1.0, res.Agreement, 1e-9)
	assert.Equal(0.0, res.Spread)
	assert.Equal(ActionQuarantine, res.RecommendedAction)
	assert.Equal(threeModels, res.Provenance.Models)
	assert.Contains(res.Reasons, `critical category "sexual_nudity"`)
}

func TestTotalDisagreement(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	results := []verdict.ModelResult{
		result(threeModels[0], "safe", 0.9),
		result(threeModels[1], "violence", 0.9),
		result(threeModels[2], "hate", 0.85),
	}
	res, err := ComputeConsensus(results, DefaultTrackerConfig().BaseWeights, nil, DefaultConfig())
	require.NoError(err)
	assert.NotEqual(ActionQuarantine, res.RecommendedAction)
	assert.Contains([]Action{ActionHoldForReview, ActionAllow}, res.RecommendedAction)
	assert.Less(res.Agreement, 0.6)
	assert.Less(res.Confidence, 0.5)
	require.Len(res.AllLabels, 3)
}

func TestZeroFillAndWeights(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	results := []verdict.ModelResult{
		result("a", "weapon", 0.8),
		result("b", "safe", 0.9),
	}
	res, err := ComputeConsensus(results, Weights{"a": 0.6, "b": 0.4}, nil, DefaultConfig())
	require.NoError(err)
	assert.Equal("weapon", res.TopLabel)
	assert.InDelta(0.48, res.Score, 1e-9)
	assert.InDelta(0.36, res.AllLabels[1].Score, 1e-9)

	// models missing from the weight map fall back to an even share
	res, err = ComputeConsensus(results, Weights{}, nil, DefaultConfig())
	require.NoError(err)
	assert.Equal("safe", res.TopLabel)
	assert.InDelta(0.45, res.Score, 1e-9)
}

func TestConfidenceBoosts(t *testing.T) {
	assert := assert.New(t)

	results := []verdict.ModelResult{result("a", "weapon", 0.6), result("b", "weapon", 0.6)}
	weights := Weights{"a": 0.5, "b": 0.5}
	plain, err := ComputeConsensus(results, weights, nil, DefaultConfig())
	assert.NoError(err)

	perf := map[string]ModelPerformance{
		"a": {ModelName: "a", TotalAnalyses: 50, Accuracy: 0.95},
		// too few analyses to be trusted
		"b": {ModelName: "b", TotalAnalyses: 2, Accuracy: 1.0},
	}
	boosted, err := ComputeConsensus(results, weights, perf, DefaultConfig())
	assert.NoError(err)
	assert.InDelta(0.6*(0.5*1.1+0.5), boosted.Score, 1e-9)
	assert.Greater(boosted.Score, plain.Score)

	deep := result("a", "weapon", 0.6)
	deep.RawOutput = map[string]any{verdict.RawReasoningChainLength: 4}
	reasoned, err := ComputeConsensus([]verdict.ModelResult{deep, result("b", "weapon", 0.6)}, weights, nil, DefaultConfig())
	assert.NoError(err)
	assert.InDelta(0.6*(0.5*1.05+0.5), reasoned.Score, 1e-9)
}

func TestConsensusErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := ComputeConsensus(nil, Weights{}, nil, DefaultConfig())
	var iie *InsufficientInputError
	assert.True(errors.As(err, &iie))

	_, err = ComputeConsensus([]verdict.ModelResult{result("a", "x", 0.5)}, Weights{"a": 0}, nil, DefaultConfig())
	var cce *ConsensusComputationError
	assert.True(errors.As(err, &cce))

	// responses without labels still produce a result
	res, err := ComputeConsensus([]verdict.ModelResult{{ModelName: "a"}}, Weights{"a": 1}, nil, DefaultConfig())
	assert.NoError(err)
	assert.Equal(ActionMonitor, res.RecommendedAction)
	assert.Empty(res.AllLabels)
}

func TestPartialFailureConsensus(t *testing.T) {
	assert := assert.New(t)

	results := []verdict.ModelResult{
		result(threeModels[0], "weapon", 0.85),
		*adapters.Fallback(threeModels[1], "1", adapters.ReasonTransportError),
		result(threeModels[2], "weapon", 0.8),
	}
	res, err := ComputeConsensus(results, DefaultTrackerConfig().BaseWeights, nil, DefaultConfig())
	assert.NoError(err)
	assert.Equal("weapon", res.TopLabel)
	assert.Len(res.Provenance.Models, 3)
}

func TestScoreBoundsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	labels := []string{"safe", "violence", "weapon", "sexual_nudity", "hate", "child_exposed"}

	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(4)
		results := make([]verdict.ModelResult, n)
		weights := Weights{}
		perf := map[string]ModelPerformance{}
		for i := 0; i < n; i++ {
			model := string(rune('a' + i))
			weights[model] = 0.01 + rng.Float64()
			perf[model] = ModelPerformance{TotalAnalyses: int64(rng.Intn(30)), Accuracy: rng.Float64()}
			r := verdict.ModelResult{ModelName: model, RawOutput: map[string]any{verdict.RawReasoningChainLength: rng.Intn(6)}}
			for j := 0; j < rng.Intn(4); j++ {
				r.Labels = append(r.Labels, verdict.ModelLabel{Label: labels[rng.Intn(len(labels))], Score: rng.Float64()})
			}
			results[i] = r
		}

		res, err := ComputeConsensus(results, weights, perf, DefaultConfig())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
		assert.GreaterOrEqual(t, res.Confidence, 0.0)
		assert.LessOrEqual(t, res.Confidence, 1.0)
		assert.GreaterOrEqual(t, res.Agreement, 0.0)
		assert.LessOrEqual(t, res.Agreement, 1.0)
		assert.GreaterOrEqual(t, res.Spread, 0.0)
		for i := 1; i < len(res.AllLabels); i++ {
			assert.GreaterOrEqual(t, res.AllLabels[i-1].Score, res.AllLabels[i].Score)
		}
		if len(res.AllLabels) > 0 {
			assert.Equal(t, res.AllLabels[0].Label, res.TopLabel)
		}
	}
}

func TestRecommendAction(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		label  string
		score  float64
		conf   float64
		agr    float64
		spread float64
		action Action
	}{
		{"child_exposed", 0.9, 0.81, 1, 0, ActionQuarantine},
		{"child_exposed", 0.9, 0.8, 1, 0, ActionHoldForReview},
		{"weapon", 0.95, 0.9, 0.9, 0, ActionQuarantine},
		{"weapon", 0.88, 0.9, 0.9, 0, ActionMonitor},
		{"weapon", 0.8, 0.75, 0.7, 0.35, ActionHoldForReview},
		{"weapon", 0.8, 0.75, 0.7, 0.2, ActionMonitor},
		{"weapon", 0.4, 0.3, 0.9, 0.5, ActionHoldForReview},
		{"weapon", 0.4, 0.3, 0.9, 0.1, ActionAllow},
		{"weapon", 0.7, 0.65, 0.5, 0.1, ActionMonitor},
		{"weapon", 0.6, 0.55, 0.5, 0.1, ActionAllow},
		{"safe", 0.99, 0.99, 1, 0.9, ActionAllow},
		{"safe", 0.5, 0.3, 0.2, 0.5, ActionHoldForReview},
	}
	for _, tc := range tests {
		assert.Equal(tc.action, recommendAction(tc.label, tc.score, tc.conf, tc.agr, tc.spread), "%+v", tc)
	}
}
