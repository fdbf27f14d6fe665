package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelResultHelpers(t *testing.T) {
	assert := assert.New(t)

	res := ModelResult{
		ModelName: "vision-classifier",
		Labels: []ModelLabel{
			{Label: "safe", Score: 0.2},
			{Label: "violence", Score: 0.7},
			{Label: "weapon", Score: 0.7},
		},
		RawOutput: map[string]any{RawReasoningChainLength: float64(4)},
	}
	assert.Equal("violence", res.TopLabel().Label)
	assert.False(res.IsError())
	assert.Equal(4, res.ReasoningDepth())

	failed := ModelResult{Labels: []ModelLabel{{Label: "context-reasoner_failed", Score: 0.5}}}
	assert.True(failed.IsError())
	assert.Equal(0, failed.ReasoningDepth())

	empty := ModelResult{}
	assert.Equal("", empty.TopLabel().Label)
}

func TestPriority(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(PriorityMedium, PriorityLow.Escalate())
	assert.Equal(PriorityHigh, PriorityMedium.Escalate())
	assert.Equal(PriorityCritical, PriorityHigh.Escalate())
	assert.Equal(PriorityCritical, PriorityCritical.Escalate())
	assert.Equal(PriorityHigh, MaxPriority(PriorityMedium, PriorityHigh))
	assert.Equal(PriorityHigh, MaxPriority(PriorityHigh, PriorityLow))

	p, err := ParsePriority(" HIGH ")
	assert.NoError(err)
	assert.Equal(PriorityHigh, p)
	_, err = ParsePriority("urgent")
	assert.Error(err)
}

func TestSortLabelScores(t *testing.T) {
	ls := []LabelScore{{"b", 0.5}, {"a", 0.5}, {"c", 0.9}}
	SortLabelScores(ls)
	assert.Equal(t, []LabelScore{{"c", 0.9}, {"a", 0.5}, {"b", 0.5}}, ls)
	assert.Equal(t, 0.0, ClampScore(-1))
	assert.Equal(t, 1.0, ClampScore(3))
}
