package review

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Human moderator. CurrentLoad counts non-overflow assignments and stays within [0, MaxConcurrent].
type Reviewer struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Specialties   []string `json:"specialties"`
	MaxConcurrent int      `json:"maxConcurrent"`
	CurrentLoad   int      `json:"currentLoad"`
}

func (r *Reviewer) hasCapacity() bool {
	return r.CurrentLoad < r.MaxConcurrent
}

// Reads a JSON array of reviewers from a file. Loads in the file are ignored; every reviewer starts idle.
func LoadRosterJSON(path string) ([]Reviewer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening roster file: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading roster file: %w", err)
	}
	var roster []Reviewer
	if err := json.Unmarshal(raw, &roster); err != nil {
		return nil, fmt.Errorf("parsing roster file: %w", err)
	}

	seen := map[string]bool{}
	for i := range roster {
		r := &roster[i]
		if r.ID == "" {
			return nil, fmt.Errorf("roster entry %d missing id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate reviewer id in roster: %s", r.ID)
		}
		seen[r.ID] = true
		if r.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("reviewer %s must have positive maxConcurrent", r.ID)
		}
		r.CurrentLoad = 0
	}
	return roster, nil
}

// Built-in roster used when no roster file is configured.
func DefaultRoster() []Reviewer {
	return []Reviewer{
		{ID: "reviewer-1", Name: "Safety Lead", Specialties: []string{"nudity", "sexual", "explicit"}, MaxConcurrent: 5},
		{ID: "reviewer-2", Name: "Media Forensics", Specialties: []string{"deepfake"}, MaxConcurrent: 5},
		{ID: "reviewer-3", Name: "Violent Content", Specialties: []string{"violence", "weapon", "blood"}, MaxConcurrent: 5},
		{ID: "reviewer-4", Name: "Trust Generalist", Specialties: []string{"hate", "discrimination"}, MaxConcurrent: 8},
	}
}
