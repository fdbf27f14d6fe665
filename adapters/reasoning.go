package adapters

import (
	"encoding/json"
	"time"

	"github.com/imgquorum/quorum/verdict"
)

const ReasoningModelName = "reasoning-classifier"

type reasoningResponse struct {
	SceneAnalysis struct {
		Description string   `json:"description"`
		Objects     []string `json:"objects"`
		Setting     string   `json:"setting,omitempty"`
	} `json:"scene_analysis"`
	ContextualAnalysis struct {
		Intent          string `json:"intent"`
		EmotionalTone   string `json:"emotional_tone"`
		CulturalContext string `json:"cultural_context,omitempty"`
	} `json:"contextual_analysis"`
	RiskAssessment struct {
		Labels            []scoredLabel `json:"labels"`
		OverallRisk       float64       `json:"overall_risk"`
		RecommendedAction string        `json:"recommended_action"`
	} `json:"risk_assessment"`
	ReasoningChain []struct {
		Step        int    `json:"step"`
		Observation string `json:"observation"`
		Conclusion  string `json:"conclusion"`
	} `json:"reasoning_chain"`
	Provenance provenance `json:"provenance"`
}

var ReasoningSpec = &Spec{
	Name:    ReasoningModelName,
	Version: "1",
	Schema:  MustCompileSchema(ReasoningModelName, reasoningSchemaJSON),
	Instructions: `You are a content moderation analyst who reasons step by step about images.
First describe the scene and the objects in it. Then assess the intent and emotional tone of the image in context.
Finally assess risk: score each policy label from 0 to 1 using lower_snake_case names (for example safe, sexual_nudity, violence, violence_extreme, weapon, self_harm, hate_symbol, child_exposed, deepfake_suspected), give an overall risk from 0 to 1, and recommend one action.
Record each step of your reasoning in reasoning_chain, numbered from 1.`,
	Map:       mapReasoning,
	SendImage: true,
	Timeout:   60 * time.Second,
}

func mapReasoning(raw []byte) (*verdict.ModelResult, error) {
	var resp reasoningResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	res := &verdict.ModelResult{
		ModelVersion: resp.Provenance.Version,
		Labels:       make([]verdict.ModelLabel, 0, len(resp.RiskAssessment.Labels)),
		RawOutput: map[string]any{
			"provider_model":                resp.Provenance.Model,
			verdict.RawReasoningChainLength: len(resp.ReasoningChain),
			verdict.RawIntent:               resp.ContextualAnalysis.Intent,
			verdict.RawEmotionalTone:        resp.ContextualAnalysis.EmotionalTone,
			verdict.RawOverallRisk:          resp.RiskAssessment.OverallRisk,
			verdict.RawRecommendedAction:    resp.RiskAssessment.RecommendedAction,
			verdict.RawSceneDescription:     resp.SceneAnalysis.Description,
		},
	}
	for _, l := range resp.RiskAssessment.Labels {
		res.Labels = append(res.Labels, verdict.ModelLabel{Label: l.Label, Score: l.Score})
	}
	// a model which found nothing to flag still votes, so agreement is computed against its dissent
	if len(res.Labels) == 0 {
		res.Labels = append(res.Labels, verdict.ModelLabel{Label: "safe", Score: verdict.ClampScore(1 - resp.RiskAssessment.OverallRisk)})
	}
	return res, nil
}
