package adapters

import (
	"log/slog"
)

// All built-in adapter specs, in the order they are invoked.
var DefaultSpecs = []*Spec{VisionSpec, ReasoningSpec, TextSpec}

// Builds one adapter per built-in spec. providerModels maps canonical adapter name to the provider model identifier; adapters without an entry use defaultModel.
func NewDefaultAdapters(client Completer, defaultModel string, providerModels map[string]string, logger *slog.Logger) []Adapter {
	out := make([]Adapter, 0, len(DefaultSpecs))
	for _, spec := range DefaultSpecs {
		model := defaultModel
		if m, ok := providerModels[spec.Name]; ok && m != "" {
			model = m
		}
		out = append(out, NewSpecAdapter(spec, client, model, logger))
	}
	return out
}
