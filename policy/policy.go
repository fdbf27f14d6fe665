package policy

import (
	"fmt"
	"strings"

	"github.com/imgquorum/quorum/verdict"
)

type Action string

const (
	ActionAllow      Action = "allow"
	ActionReview     Action = "review"
	ActionQuarantine Action = "quarantine"
	ActionEscalate   Action = "escalate"
)

// Numeric score cutoffs. Scores at or above Quarantine are quarantined, at or above Review go to human review.
type Thresholds struct {
	Quarantine float64 `json:"quarantine"`
	Review     float64 `json:"review"`
}

var (
	Strict   = Thresholds{Quarantine: 0.80, Review: 0.60}
	Standard = Thresholds{Quarantine: 0.90, Review: 0.75}
	Lenient  = Thresholds{Quarantine: 0.95, Review: 0.85}
)

func PresetByName(name string) (Thresholds, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "strict":
		return Strict, nil
	case "standard", "":
		return Standard, nil
	case "lenient":
		return Lenient, nil
	}
	return Thresholds{}, fmt.Errorf("unknown policy preset: %q", name)
}

type Decision struct {
	Action              Action           `json:"action"`
	Confidence          float64          `json:"confidence"`
	Reasons             []string         `json:"reasons"`
	Priority            verdict.Priority `json:"priority"`
	RequiresHumanReview bool             `json:"requiresHumanReview"`
}

func decide(action Action, conf float64, priority verdict.Priority, reasons ...string) Decision {
	return Decision{
		Action:              action,
		Confidence:          verdict.ClampScore(conf),
		Reasons:             reasons,
		Priority:            priority,
		RequiresHumanReview: action != ActionAllow,
	}
}

// A hard override evaluated before any numeric threshold.
type sensitivityRule struct {
	name  string
	apply func(labels []verdict.LabelScore) (Decision, bool)
}

// Ordered; first match wins.
var sensitivityRules = []sensitivityRule{
	{
		name: "child_sexual_cooccurrence",
		apply: func(labels []verdict.LabelScore) (Decision, bool) {
			child, okc := maxWithPrefix(labels, "child", 0.6)
			sexual, oks := maxWithPrefix(labels, "sexual", 0.1)
			if !okc || !oks {
				return Decision{}, false
			}
			return decide(ActionEscalate, child.Score, verdict.PriorityCritical,
				fmt.Sprintf("sensitivity rule: %s (%.2f) co-occurs with %s (%.2f)", child.Label, child.Score, sexual.Label, sexual.Score)), true
		},
	},
	{
		name: "deepfake",
		apply: func(labels []verdict.LabelScore) (Decision, bool) {
			l, ok := maxWithPrefix(labels, "deepfake", 0.6)
			if !ok {
				return Decision{}, false
			}
			return decide(ActionReview, l.Score, verdict.PriorityHigh,
				fmt.Sprintf("sensitivity rule: %s at %.2f requires human review", l.Label, l.Score)), true
		},
	},
	{
		name: "child_exposed",
		apply: func(labels []verdict.LabelScore) (Decision, bool) {
			l, ok := exact(labels, "child_exposed", 0.5)
			if !ok {
				return Decision{}, false
			}
			return decide(ActionQuarantine, l.Score, verdict.PriorityCritical,
				fmt.Sprintf("sensitivity rule: child_exposed at %.2f", l.Score)), true
		},
	},
	{
		name: "sexual_nudity",
		apply: func(labels []verdict.LabelScore) (Decision, bool) {
			l, ok := exact(labels, "sexual_nudity", 0.8)
			if !ok {
				return Decision{}, false
			}
			return decide(ActionQuarantine, l.Score, verdict.PriorityHigh,
				fmt.Sprintf("sensitivity rule: sexual_nudity at %.2f", l.Score)), true
		},
	},
}

// Labels near a threshold which are never allowed through without a human look.
var nearThresholdLabels = []string{"child_exposed", "deepfake_suspected", "sexual_nudity"}

const nearThresholdScore = 0.4

// Maps aggregated label scores to a moderation action. Pure: identical inputs always produce identical output.
func DetermineModerationAction(labels []verdict.LabelScore, t Thresholds) Decision {
	for _, rule := range sensitivityRules {
		if d, ok := rule.apply(labels); ok {
			return d
		}
	}

	var top verdict.LabelScore
	for _, l := range labels {
		if verdict.IsBenignLabel(l.Label) || verdict.IsErrorLabel(l.Label) {
			continue
		}
		if top.Label == "" || l.Score > top.Score {
			top = l
		}
	}

	switch {
	case top.Label != "" && top.Score >= t.Quarantine:
		return decide(ActionQuarantine, top.Score, verdict.PriorityHigh,
			fmt.Sprintf("%s at %.2f meets quarantine threshold %.2f", top.Label, top.Score, t.Quarantine))
	case top.Label != "" && top.Score >= t.Review:
		return decide(ActionReview, top.Score, verdict.PriorityMedium,
			fmt.Sprintf("%s at %.2f meets review threshold %.2f", top.Label, top.Score, t.Review))
	}

	for _, name := range nearThresholdLabels {
		if l, ok := exact(labels, name, nearThresholdScore); ok {
			return decide(ActionReview, l.Score, verdict.PriorityMedium,
				fmt.Sprintf("%s at %.2f is near threshold for a sensitive category", l.Label, l.Score))
		}
	}

	if top.Label == "" {
		return decide(ActionAllow, 1, verdict.PriorityLow, "no policy-relevant labels")
	}
	return decide(ActionAllow, 1-top.Score, verdict.PriorityLow,
		fmt.Sprintf("%s at %.2f is below review threshold %.2f", top.Label, top.Score, t.Review))
}

func maxWithPrefix(labels []verdict.LabelScore, prefix string, min float64) (verdict.LabelScore, bool) {
	var best verdict.LabelScore
	found := false
	for _, l := range labels {
		if !strings.HasPrefix(l.Label, prefix) || l.Score < min {
			continue
		}
		if !found || l.Score > best.Score {
			best = l
			found = true
		}
	}
	return best, found
}

func exact(labels []verdict.LabelScore, name string, min float64) (verdict.LabelScore, bool) {
	for _, l := range labels {
		if l.Label == name && l.Score >= min {
			return l, true
		}
	}
	return verdict.LabelScore{}, false
}
