package review

import (
	"strings"
)

// Content categories recognized in free-text review reasons, in match order.
var categoryKeywords = []string{
	"nudity",
	"deepfake",
	"violence",
	"hate",
	"sexual",
	"explicit",
	"weapon",
	"blood",
	"discrimination",
}

// Extracts known content categories from review reasons by keyword. Each category appears at most once.
func ParseCategories(reasons []string) []string {
	text := strings.ToLower(strings.Join(reasons, " "))
	out := []string{}
	for _, kw := range categoryKeywords {
		if strings.Contains(text, kw) {
			out = append(out, kw)
		}
	}
	return out
}

func specialtyMatches(specialties, categories []string) int {
	n := 0
	for _, s := range specialties {
		s = strings.ToLower(s)
		for _, c := range categories {
			if s == c {
				n++
				break
			}
		}
	}
	return n
}
