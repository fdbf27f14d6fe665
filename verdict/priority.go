package verdict

import (
	"fmt"
	"strings"
)

// Urgency tier for human review work.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// Numeric rank, low=1 through critical=4. Unknown values rank zero.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// Returns the next tier up; critical is terminal.
func (p Priority) Escalate() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// Returns whichever of the two priorities is more urgent.
func MaxPriority(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := priorityRank[p]; !ok {
		return "", fmt.Errorf("unknown review priority: %q", raw)
	}
	return p, nil
}
