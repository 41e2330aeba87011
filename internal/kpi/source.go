package kpi

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
)

// FileSource reads the gate and edge-report artifacts dropped by the trading
// process. Field names vary across report generations, so parsing is
// tolerant: known aliases are tried in order and readiness expressed as a
// 0-1 fraction is scaled to 0-100.
type FileSource struct {
	dir    string
	logger *slog.Logger
}

const (
	gateFile       = "KPI_GATE.json"
	edgeReportFile = "EDGE_REPORT.json"
)

func NewFileSource(dir string, logger *slog.Logger) *FileSource {
	return &FileSource{dir: dir, logger: logger.With("component", "kpi_source")}
}

func (s *FileSource) Snapshot(_ int) (Snapshot, error) {
	gate := make(map[string]any)
	if err := artifact.ReadJSON(filepath.Join(s.dir, gateFile), &gate); err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", gateFile, err)
	}

	edge := make(map[string]any)
	if err := artifact.ReadJSON(filepath.Join(s.dir, edgeReportFile), &edge); err != nil {
		if !os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("read %s: %w", edgeReportFile, err)
		}
		s.logger.Warn("edge report missing, risk cross-check degraded", "file", edgeReportFile)
	}

	snap := Snapshot{
		NetBPS:     pickFloat(gate, 0, "net_bps", "edge_net_bps"),
		TakerRatio: pickFloat(gate, 0, "taker_ratio", "taker_share_ratio"),
		Latency: Latency{
			P50: pickFloat(gate, 0, "p50_ms", "order_age_p50_ms"),
			P95: pickFloat(gate, 0, "p95_ms", "order_age_p95_ms"),
			P99: pickFloat(gate, 0, "p99_ms", "order_age_p99_ms"),
		},
		Readiness:   normalizeReadiness(pickFloat(gate, 100, "readiness", "readiness_score")),
		SummaryRisk: pickFloat(gate, 0, "risk", "risk_ratio"),
		EdgeRisk:    pickFloat(edge, 0, "risk", "risk_ratio"),
	}
	return snap, nil
}

func pickFloat(m map[string]any, fallback float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f
			}
		}
	}
	return fallback
}

// normalizeReadiness maps a 0-1 fraction onto the 0-100 scale the guards
// expect. Values above 1 are assumed to already be percentages.
func normalizeReadiness(v float64) float64 {
	if v > 0 && v <= 1 {
		return v * 100
	}
	return v
}

// MockSource yields a deterministic snapshot sequence for dry runs and
// tests: healthy KPIs with a mild latency ramp, no external files needed.
type MockSource struct{}

func (MockSource) Snapshot(iteration int) (Snapshot, error) {
	ramp := float64(iteration % 5)
	return Snapshot{
		NetBPS:      3.1,
		TakerRatio:  0.10,
		Latency:     Latency{P50: 120, P95: 250 + 5*ramp, P99: 300 + 5*ramp},
		Readiness:   92,
		SummaryRisk: 0.35,
		EdgeRisk:    0.35,
	}, nil
}
