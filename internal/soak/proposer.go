package soak

import (
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/kpi"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overrides"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/tuning"
)

// Proposer turns a KPI snapshot into parameter adjustment proposals for the
// current iteration.
type Proposer interface {
	Propose(snap kpi.Snapshot, store *overrides.Store) []tuning.Proposal
}

// Starting points for parameters the store has not seen yet.
var tunableDefaults = map[string]float64{
	"min_interval_ms":       60,
	"base_spread_bps_delta": 0,
	"impact_cap_ratio":      0.10,
	"max_delta_ratio":       0.15,
	"tail_age_ms":           650,
}

// MicroTuner is the default proposer: small, bounded nudges toward safer
// settings when KPIs degrade and cautious unwinding when they are healthy.
// Step sizes are deliberately tiny; convergence comes from repetition, and
// the freeze logic stops the nudging once values settle.
type MicroTuner struct{}

// Source names and priorities. Risk-driven guards outrank the edge
// optimizer so a degraded snapshot always wins arbitration.
const (
	sourceTakerGuard   = "taker_guard"
	sourceLatencyGuard = "latency_guard"
	sourceEdgeGuard    = "edge_guard"

	priorityTaker   = 3
	priorityLatency = 2
	priorityEdge    = 1
)

func (MicroTuner) Propose(snap kpi.Snapshot, store *overrides.Store) []tuning.Proposal {
	cur := func(field string) float64 {
		return store.GetOr(field, tunableDefaults[field])
	}

	var out []tuning.Proposal
	add := func(field string, value float64, source string, priority int) {
		out = append(out, tuning.Proposal{Field: field, Value: value, Source: source, Priority: priority})
	}

	// Taker share creeping toward the ceiling: widen spreads and slow down.
	if snap.TakerRatio > 0.12 {
		add("base_spread_bps_delta", cur("base_spread_bps_delta")+0.02, sourceTakerGuard, priorityTaker)
		add("min_interval_ms", cur("min_interval_ms")+5, sourceTakerGuard, priorityTaker)
	}

	// Latency pressure: throttle quoting and trim the stale-order tail.
	if snap.Latency.P95 > 300 {
		add("min_interval_ms", cur("min_interval_ms")+5, sourceLatencyGuard, priorityLatency)
		add("tail_age_ms", cur("tail_age_ms")-25, sourceLatencyGuard, priorityLatency)
	}

	// Healthy edge with calm taker share: cautiously unwind the throttles.
	if snap.NetBPS > 3.0 && snap.TakerRatio < 0.10 {
		if v := cur("base_spread_bps_delta"); v > 0 {
			add("base_spread_bps_delta", v-0.01, sourceEdgeGuard, priorityEdge)
		}
		add("min_interval_ms", cur("min_interval_ms")-5, sourceEdgeGuard, priorityEdge)
	}

	return out
}
