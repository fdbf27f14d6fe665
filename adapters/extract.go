package adapters

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSONObject = errors.New("no JSON object found in model output")

// Parses model text output as a JSON object.
//
// Models frequently wrap JSON in prose or markdown fences, so if strict parsing fails this falls back to the first balanced "{...}" block in the text. Returns the raw object bytes along with the decoded value.
func parseModelJSON(text string) ([]byte, any, error) {
	trimmed := strings.TrimSpace(text)
	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
		if _, ok := doc.(map[string]any); ok {
			return []byte(trimmed), doc, nil
		}
	}

	block, ok := extractBalancedObject(trimmed)
	if !ok {
		return nil, nil, ErrNoJSONObject
	}
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return nil, nil, fmt.Errorf("extracted block is not valid JSON: %w", err)
	}
	return []byte(block), doc, nil
}

// Returns the first balanced top-level "{...}" substring. Braces inside JSON string literals are ignored.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
