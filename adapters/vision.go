package adapters

import (
	"encoding/json"
	"time"

	"github.com/imgquorum/quorum/verdict"
)

const VisionModelName = "vision-classifier"

type provenance struct {
	Model       string `json:"model"`
	Version     string `json:"version,omitempty"`
	GeneratedAt string `json:"generated_at,omitempty"`
}

type scoredLabel struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type visionResponse struct {
	Labels []struct {
		Label  string          `json:"label"`
		Score  float64         `json:"score"`
		Region *verdict.Region `json:"region,omitempty"`
	} `json:"labels"`
	Provenance provenance `json:"provenance"`
}

var VisionSpec = &Spec{
	Name:    VisionModelName,
	Version: "1",
	Schema:  MustCompileSchema(VisionModelName, visionSchemaJSON),
	Instructions: `You are an image content moderation classifier.
Detect policy-relevant content in the image and score each detected label from 0 to 1.
Use lower_snake_case label names such as: safe, sexual_nudity, sexual_suggestive, violence, violence_extreme, weapon, self_harm, drugs, hate_symbol, child_exposed, deepfake_suspected.
If a label applies to a specific area of the image, include its normalized bounding box as region.
If nothing is detected, return the single label "safe".`,
	Map:       mapVision,
	SendImage: true,
	Timeout:   30 * time.Second,
}

func mapVision(raw []byte) (*verdict.ModelResult, error) {
	var resp visionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	res := &verdict.ModelResult{
		ModelVersion: resp.Provenance.Version,
		Labels:       make([]verdict.ModelLabel, 0, len(resp.Labels)),
		RawOutput:    map[string]any{"provider_model": resp.Provenance.Model},
	}
	regions := 0
	for _, l := range resp.Labels {
		if l.Region != nil {
			regions++
		}
		res.Labels = append(res.Labels, verdict.ModelLabel{Label: l.Label, Score: l.Score, Region: l.Region})
	}
	res.RawOutput[verdict.RawRegionCount] = regions
	return res, nil
}
