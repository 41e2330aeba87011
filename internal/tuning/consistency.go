package tuning

import (
	"log/slog"
	"math"
)

// ConsistencyChecker cross-validates risk figures reported by independent
// artifacts. A mismatch never blocks the loop; it is surfaced as a warning so
// drift between reporting paths gets investigated.
type ConsistencyChecker struct {
	logger *slog.Logger
	// epsilon is the tolerated absolute difference between the two
	// independently computed risk figures.
	epsilon float64
}

func NewConsistencyChecker(epsilon float64, logger *slog.Logger) *ConsistencyChecker {
	if epsilon <= 0 {
		epsilon = 0.05
	}
	return &ConsistencyChecker{
		logger:  logger.With("component", "consistency"),
		epsilon: epsilon,
	}
}

// Check compares the summary-reported risk against the edge-report risk.
// Returns false and logs a risk_mismatch warning when they diverge beyond
// the tolerance.
func (c *ConsistencyChecker) Check(summaryRisk, edgeRisk float64) bool {
	diff := math.Abs(summaryRisk - edgeRisk)
	if diff <= c.epsilon {
		return true
	}
	c.logger.Warn("risk_mismatch",
		"summary_risk", summaryRisk, "edge_risk", edgeRisk, "diff", diff, "epsilon", c.epsilon)
	return false
}
