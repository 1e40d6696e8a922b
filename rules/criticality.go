// Package rules implements the rule-evaluation kernel: threshold, composite
// boolean and pattern/aggregation rules plus the advisory ML hook. Evaluators
// return (triggered, reason) result values; failures are reported as errors
// and never unwind a batch.
package rules

import "strings"

// Criticality labels ordered low < medium < high < critical. Level 0 means
// unset.
const (
	CritLow      = "low"
	CritMedium   = "medium"
	CritHigh     = "high"
	CritCritical = "critical"
)

var critLevels = map[string]int{
	CritLow:      1,
	CritMedium:   2,
	CritHigh:     3,
	CritCritical: 4,
}

// CritLevel coerces a criticality label to its numeric level. Unknown or
// empty labels map to 0.
func CritLevel(label string) int {
	return critLevels[strings.ToLower(strings.TrimSpace(label))]
}

// ValidCriticality reports whether the label is one of the four known levels.
func ValidCriticality(label string) bool {
	_, ok := critLevels[strings.ToLower(strings.TrimSpace(label))]
	return ok
}
