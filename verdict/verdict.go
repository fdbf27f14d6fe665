package verdict

import (
	"sort"
	"strings"
)

// Normalized bounding box, all coordinates relative to image dimensions (0.0 to 1.0).
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// A single label emitted by a single model. Treated as immutable once created.
type ModelLabel struct {
	Label  string  `json:"label"`
	Score  float64 `json:"score"`
	Region *Region `json:"region,omitempty"`
}

// One model's full verdict for one image.
//
// RawOutput holds auxiliary provider output (eg, reasoning chain length, intent, emotional tone) so that downstream weighting heuristics do not need to re-parse provider responses.
type ModelResult struct {
	ModelName    string         `json:"modelName"`
	ModelVersion string         `json:"modelVersion,omitempty"`
	Labels       []ModelLabel   `json:"labels"`
	RawOutput    map[string]any `json:"rawOutput,omitempty"`
	LatencyMs    int64          `json:"latencyMs,omitempty"`
	// Set on the shared fallback result which stands in for a failed model call
	Degraded bool `json:"degraded,omitempty"`
}

// Keys used in ModelResult.RawOutput
const (
	RawReasoningChainLength = "reasoning_chain_length"
	RawIntent               = "intent"
	RawEmotionalTone        = "emotional_tone"
	RawRecommendedAction    = "recommended_action"
	RawOverallRisk          = "overall_risk"
	RawRegionCount          = "region_count"
	RawReasons              = "reasons"
	RawSceneDescription     = "scene_description"
	RawFailureReason        = "failure_reason"
)

// Returns the highest-scoring label (first encountered on ties), or an empty label if there are none.
func (r *ModelResult) TopLabel() ModelLabel {
	var top ModelLabel
	found := false
	for _, l := range r.Labels {
		if !found || l.Score > top.Score {
			top = l
			found = true
		}
	}
	return top
}

// Whether any label indicates a failed or errored model call (eg, "vision-classifier_failed").
func (r *ModelResult) IsError() bool {
	if r.Degraded {
		return true
	}
	for _, l := range r.Labels {
		if IsErrorLabel(l.Label) {
			return true
		}
	}
	return false
}

// Number of reasoning steps the model reported, or zero if not a reasoning model.
func (r *ModelResult) ReasoningDepth() int {
	if r.RawOutput == nil {
		return 0
	}
	switch v := r.RawOutput[RawReasoningChainLength].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func IsErrorLabel(label string) bool {
	return strings.HasSuffix(label, "_failed") || strings.HasSuffix(label, "_error")
}

// Label names which indicate no detected policy violation.
var benignLabels = map[string]bool{
	"safe":   true,
	"benign": true,
	"none":   true,
	"clean":  true,
}

func IsBenignLabel(label string) bool {
	return benignLabels[strings.ToLower(label)]
}

// Aggregated (label, score) pair, as found in consensus output.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Sorts by score descending, breaking ties by label name so output is deterministic.
func SortLabelScores(ls []LabelScore) {
	sort.SliceStable(ls, func(i, j int) bool {
		if ls[i].Score != ls[j].Score {
			return ls[i].Score > ls[j].Score
		}
		return ls[i].Label < ls[j].Label
	})
}

// Metadata about an uploaded image, passed through to model adapters.
type UploadContext struct {
	Filename    string            `json:"filename"`
	ContentType string            `json:"contentType"`
	Size        int64             `json:"size"`
	UploaderID  string            `json:"uploaderId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clamps a score to the closed interval [0, 1].
func ClampScore(s float64) float64 {
	if s < 0 || s != s {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
