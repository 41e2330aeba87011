package kpi

// Regression reasons, ordered by check priority.
const (
	RegNone  = "NONE"
	RegEdge  = "EDGE_REG"
	RegLat   = "LAT_REG"
	RegTaker = "TAKER_REG"
)

// defaultRegressionThreshold is the fractional degradation versus baseline
// that counts as a regression.
const defaultRegressionThreshold = 0.10

// BaselineFromHistory averages past snapshots into a baseline. An empty
// history yields a zero baseline, which CheckRegression treats as "no
// baseline yet".
func BaselineFromHistory(history []Snapshot) Snapshot {
	if len(history) == 0 {
		return Snapshot{}
	}
	var b Snapshot
	for _, s := range history {
		b.NetBPS += s.NetBPS
		b.TakerRatio += s.TakerRatio
		b.Latency.P50 += s.Latency.P50
		b.Latency.P95 += s.Latency.P95
		b.Latency.P99 += s.Latency.P99
		b.Readiness += s.Readiness
	}
	n := float64(len(history))
	b.NetBPS /= n
	b.TakerRatio /= n
	b.Latency.P50 /= n
	b.Latency.P95 /= n
	b.Latency.P99 /= n
	b.Readiness /= n
	return b
}

// CheckRegression compares current against baseline with the given
// fractional threshold (0 means the default of 10%). The first degraded
// dimension wins: edge first, then latency, then taker share. A zero-valued
// baseline dimension is skipped, so fresh runs never flag.
func CheckRegression(current, baseline Snapshot, threshold float64) string {
	if threshold <= 0 {
		threshold = defaultRegressionThreshold
	}
	if baseline.NetBPS > 0 && current.NetBPS < baseline.NetBPS*(1-threshold) {
		return RegEdge
	}
	if baseline.Latency.P95 > 0 && current.Latency.P95 > baseline.Latency.P95*(1+threshold) {
		return RegLat
	}
	if baseline.TakerRatio > 0 && current.TakerRatio > baseline.TakerRatio*(1+threshold) {
		return RegTaker
	}
	return RegNone
}
