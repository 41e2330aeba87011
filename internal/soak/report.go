package soak

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/kpi"
)

// IterSummary is the per-iteration artifact, one file per iteration plus an
// export to Redis when configured.
type IterSummary struct {
	Iteration      int                `json:"iteration"`
	Ts             string             `json:"ts"`
	RunID          string             `json:"run_id"`
	Phase          string             `json:"phase"`
	Region         string             `json:"region"`
	Status         string             `json:"status"`
	Action         string             `json:"action"`
	ReasonCode     string             `json:"reason_code"`
	Recommendation string             `json:"recommendation"`
	KPIs           kpi.Snapshot       `json:"kpis"`
	RiskConsistent bool               `json:"risk_consistent"`
	Applied        bool               `json:"applied"`
	Deltas         map[string]float64 `json:"deltas,omitempty"`
	SkippedReason  string             `json:"skipped_reason,omitempty"`
	Clamped        []string           `json:"clamped,omitempty"`
	Regression     string             `json:"regression"`
	RolledBack     bool               `json:"rolled_back"`
	Params         map[string]float64 `json:"params"`
}

// Report is the cumulative run artifact, rewritten after every iteration.
type Report struct {
	RunID          string             `json:"run_id"`
	Phase          string             `json:"phase"`
	Region         string             `json:"region"`
	StartedAt      string             `json:"started_at"`
	UpdatedAt      string             `json:"updated_at"`
	IterationsDone int                `json:"iterations_done"`
	Applies        int                `json:"applies"`
	SkipsByReason  map[string]int     `json:"skips_by_reason"`
	Warns          int                `json:"warns"`
	Fails          int                `json:"fails"`
	Rollbacks      int                `json:"rollbacks"`
	LastStatus     string             `json:"last_status"`
	LastAction     string             `json:"last_action"`
	Params         map[string]float64 `json:"params"`
}

func newReport(runID, phase, region string) Report {
	return Report{
		RunID:         runID,
		Phase:         phase,
		Region:        region,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
		SkipsByReason: make(map[string]int),
	}
}

func (r *Report) observe(s IterSummary) {
	r.IterationsDone++
	r.UpdatedAt = s.Ts
	r.LastStatus = s.Status
	r.LastAction = s.Action
	r.Params = s.Params
	if s.Applied {
		r.Applies++
	}
	if s.SkippedReason != "" {
		r.SkipsByReason[s.SkippedReason]++
	}
	switch s.Status {
	case "WARN":
		r.Warns++
	case "FAIL":
		r.Fails++
	}
	if s.RolledBack {
		r.Rollbacks++
	}
}

// writeIterationOutputs drops the per-iteration summary and refreshes the
// cumulative report, both atomically.
func writeIterationOutputs(dir string, summary IterSummary, report Report) error {
	iterPath := filepath.Join(dir, fmt.Sprintf("ITER_SUMMARY_%d.json", summary.Iteration))
	if err := artifact.WriteJSONAtomic(iterPath, summary); err != nil {
		return fmt.Errorf("write iteration summary: %w", err)
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, "TUNING_REPORT.json"), report); err != nil {
		return fmt.Errorf("write tuning report: %w", err)
	}
	return nil
}
