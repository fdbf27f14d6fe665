package adapters

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const provenanceSchema = `{
	"type": "object",
	"required": ["model"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"version": {"type": "string"},
		"generated_at": {"type": "string"}
	}
}`

const scoredLabelSchema = `{
	"type": "object",
	"required": ["label", "score"],
	"properties": {
		"label": {"type": "string", "minLength": 1},
		"score": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

const visionSchemaJSON = `{
	"type": "object",
	"required": ["labels", "provenance"],
	"properties": {
		"labels": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["label", "score"],
				"properties": {
					"label": {"type": "string", "minLength": 1},
					"score": {"type": "number", "minimum": 0, "maximum": 1},
					"region": {
						"type": "object",
						"required": ["x", "y", "width", "height"],
						"properties": {
							"x": {"type": "number", "minimum": 0, "maximum": 1},
							"y": {"type": "number", "minimum": 0, "maximum": 1},
							"width": {"type": "number", "minimum": 0, "maximum": 1},
							"height": {"type": "number", "minimum": 0, "maximum": 1}
						}
					}
				}
			}
		},
		"provenance": ` + provenanceSchema + `
	}
}`

const reasoningSchemaJSON = `{
	"type": "object",
	"required": ["scene_analysis", "contextual_analysis", "risk_assessment", "reasoning_chain", "provenance"],
	"properties": {
		"scene_analysis": {
			"type": "object",
			"required": ["description", "objects"],
			"properties": {
				"description": {"type": "string"},
				"objects": {"type": "array", "items": {"type": "string"}},
				"setting": {"type": "string"}
			}
		},
		"contextual_analysis": {
			"type": "object",
			"required": ["intent", "emotional_tone"],
			"properties": {
				"intent": {"type": "string"},
				"emotional_tone": {"type": "string"},
				"cultural_context": {"type": "string"}
			}
		},
		"risk_assessment": {
			"type": "object",
			"required": ["labels", "overall_risk", "recommended_action"],
			"properties": {
				"labels": {"type": "array", "items": ` + scoredLabelSchema + `},
				"overall_risk": {"type": "number", "minimum": 0, "maximum": 1},
				"recommended_action": {"type": "string", "enum": ["allow", "monitor", "review", "quarantine", "escalate"]}
			}
		},
		"reasoning_chain": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["step", "observation", "conclusion"],
				"properties": {
					"step": {"type": "integer", "minimum": 1},
					"observation": {"type": "string"},
					"conclusion": {"type": "string"}
				}
			}
		},
		"provenance": ` + provenanceSchema + `
	}
}`

const textSchemaJSON = `{
	"type": "object",
	"required": ["labels", "reasons", "provenance"],
	"properties": {
		"labels": {"type": "array", "items": ` + scoredLabelSchema + `},
		"reasons": {"type": "array", "items": {"type": "string"}},
		"provenance": ` + provenanceSchema + `
	}
}`

// Response schema held both as compiled validator and as source text (which is embedded in prompts).
type Schema struct {
	Source   string
	compiled *jsonschema.Schema
}

func MustCompileSchema(name, source string) *Schema {
	return &Schema{
		Source:   source,
		compiled: jsonschema.MustCompileString(name+".schema.json", source),
	}
}

// Validates a document decoded by encoding/json (maps, slices, float64).
func (s *Schema) Validate(doc any) error {
	return s.compiled.Validate(doc)
}
