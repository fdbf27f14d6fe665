package adapters

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/imgquorum/quorum/verdict"
)

// Builds the full provider request for a spec. Output is a pure function of inputs: metadata keys are rendered in sorted order and temperature is fixed at zero.
func buildChatRequest(spec *Spec, modelID string, image []byte, uctx verdict.UploadContext, opts Options) ChatRequest {
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultOptions().MaxOutputTokens
	}

	parts := []ChatContentPart{
		{Type: "text", Text: buildUserPrompt(spec, uctx, opts)},
	}
	if spec.SendImage && len(image) > 0 {
		parts = append(parts, ChatContentPart{
			Type:     "image_url",
			ImageURL: &ChatImageURL{URL: imageDataURL(image, uctx.ContentType)},
		})
	}

	return ChatRequest{
		Model:          modelID,
		Temperature:    0,
		MaxTokens:      maxTokens,
		ResponseFormat: &ChatResponseFormat{Type: "json_object"},
		Messages: []ChatMessage{
			{Role: "system", Content: []ChatContentPart{{Type: "text", Text: spec.Instructions}}},
			{Role: "user", Content: parts},
		},
	}
}

func buildUserPrompt(spec *Spec, uctx verdict.UploadContext, opts Options) string {
	var b strings.Builder
	b.WriteString("Analyze the uploaded image for content policy violations.\n\n")
	fmt.Fprintf(&b, "filename: %s\n", uctx.Filename)
	fmt.Fprintf(&b, "content type: %s\n", uctx.ContentType)
	fmt.Fprintf(&b, "size bytes: %d\n", uctx.Size)
	if uctx.UploaderID != "" {
		fmt.Fprintf(&b, "uploader: %s\n", uctx.UploaderID)
	}
	if len(uctx.Metadata) > 0 {
		keys := make([]string, 0, len(uctx.Metadata))
		for k := range uctx.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("metadata:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, uctx.Metadata[k])
		}
	}

	depth := opts.Depth
	if depth == "" {
		depth = DepthStandard
	}
	fmt.Fprintf(&b, "analysis depth: %s\n", depth)
	if opts.Verbose {
		b.WriteString("Include detailed observations for every label.\n")
	}

	b.WriteString("\nRespond with a single JSON object, and nothing else, matching this JSON Schema:\n")
	b.WriteString(spec.Schema.Source)
	b.WriteString("\n")
	return b.String()
}

func imageDataURL(image []byte, contentType string) string {
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image)
}
