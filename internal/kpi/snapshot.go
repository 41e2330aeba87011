// Package kpi defines the per-iteration performance snapshot the safety
// guards evaluate, plus the sources that produce it and the regression guard
// that compares it against a historical baseline.
package kpi

// Latency holds the order-place-to-ack latency percentiles in milliseconds.
type Latency struct {
	P50 float64 `json:"p50_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
}

// Snapshot is one iteration's worth of KPIs. Readiness is a 0-100 score;
// SummaryRisk and EdgeRisk are the same risk figure computed by two
// independent reporting paths, cross-checked by the consistency checker.
type Snapshot struct {
	NetBPS      float64 `json:"net_bps"`
	TakerRatio  float64 `json:"taker_ratio"`
	Latency     Latency `json:"latency"`
	Readiness   float64 `json:"readiness"`
	SummaryRisk float64 `json:"summary_risk"`
	EdgeRisk    float64 `json:"edge_risk"`
}

// Source produces the snapshot for the current iteration.
type Source interface {
	Snapshot(iteration int) (Snapshot, error)
}
