package adapters

import (
	"encoding/json"
	"time"

	"github.com/imgquorum/quorum/verdict"
)

const TextModelName = "context-reasoner"

type textResponse struct {
	Labels     []scoredLabel `json:"labels"`
	Reasons    []string      `json:"reasons"`
	Provenance provenance    `json:"provenance"`
}

// Reasons over the upload context (filename, declared type, metadata) rather than pixels.
var TextSpec = &Spec{
	Name:    TextModelName,
	Version: "1",
	Schema:  MustCompileSchema(TextModelName, textSchemaJSON),
	Instructions: `You are a content moderation assistant reviewing the context of an image upload: its filename, declared content type, uploader, and metadata.
Score each policy label suggested by this context from 0 to 1 using lower_snake_case names (for example safe, sexual_nudity, violence, weapon, hate_symbol, child_exposed, deepfake_suspected, spam).
Explain each score in reasons. If the context suggests nothing, return the single label "safe".`,
	Map:       mapText,
	SendImage: false,
	Timeout:   30 * time.Second,
}

func mapText(raw []byte) (*verdict.ModelResult, error) {
	var resp textResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	res := &verdict.ModelResult{
		ModelVersion: resp.Provenance.Version,
		Labels:       make([]verdict.ModelLabel, 0, len(resp.Labels)),
		RawOutput: map[string]any{
			"provider_model":   resp.Provenance.Model,
			verdict.RawReasons: resp.Reasons,
		},
	}
	for _, l := range resp.Labels {
		res.Labels = append(res.Labels, verdict.ModelLabel{Label: l.Label, Score: l.Score})
	}
	return res, nil
}
