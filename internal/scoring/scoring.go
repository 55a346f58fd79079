// Package scoring computes the deterministic repository health score.
// The score must be reproducible from the issue list alone: same issues in,
// same score out.
package scoring

import "math"

// Severity deductions per issue.
const (
	deductCritical = 15
	deductHigh     = 5
	deductMedium   = 2
	deductInfo     = 0.5
)

// Risk levels derived from the health score.
const (
	RiskCritical = "critical"
	RiskHigh     = "high"
	RiskMedium   = "medium"
	RiskLow      = "low"
)

// Severities recognized on issues. Anything else deducts nothing.
func deduction(severity string) float64 {
	switch severity {
	case "critical":
		return deductCritical
	case "high", "warning":
		return deductHigh
	case "medium":
		return deductMedium
	case "info", "low":
		return deductInfo
	default:
		return 0
	}
}

// HealthScore starts at 100 and deducts per issue severity, capping the
// total deduction at 100 and rounding to the nearest integer.
func HealthScore(severities []string) int {
	var total float64
	for _, sev := range severities {
		total += deduction(sev)
	}
	if total > 100 {
		total = 100
	}
	return int(math.Round(100 - total))
}

// RiskLevel buckets a health score.
func RiskLevel(score int) string {
	switch {
	case score < 50:
		return RiskCritical
	case score < 70:
		return RiskHigh
	case score < 85:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ProductionReady reports whether a score clears the readiness bar.
func ProductionReady(score int) bool {
	return score > 80
}
