// Package escalation classifies each iteration's KPI snapshot against a
// fixed guard ladder and maps repeated failures to progressively stronger
// actions. The machine itself is stateless: the consecutive-failure count is
// reconstructed from the audit journal by the caller.
package escalation

import (
	"fmt"
	"math"
	"strings"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/kpi"
)

// Status of one iteration's guard evaluation.
const (
	StatusContinue = "CONTINUE"
	StatusWarn     = "WARN"
	StatusFail     = "FAIL"
)

// Reason codes attached to classifications. GEN_WARN and GEN_FAIL are the
// fallbacks for reasons no pattern matches.
const (
	CodeOK           = "OK"
	CodeTakerCeil    = "TAKER_CEIL"
	CodeP95Spike     = "P95_SPIKE"
	CodeReadinessLow = "READINESS_LOW"
	CodeNetBPSLow    = "NET_BPS_LOW"
	CodeGenWarn      = "GEN_WARN"
	CodeGenFail      = "GEN_FAIL"
)

// Guard thresholds.
const (
	takerCeiling    = 0.15
	p95CeilingMs    = 350.0
	p99SpikeFactor  = 1.5
	readinessFloor  = 85.0
	netBPSFailFloor = 2.0
	netBPSWarnFloor = 2.5
)

// Verdict is the outcome of classifying a snapshot.
type Verdict struct {
	Status     string
	Reason     string
	ReasonCode string
}

type guard struct {
	fires  func(s kpi.Snapshot, takerCeil float64) bool
	status string
	reason func(s kpi.Snapshot, takerCeil float64) string
}

// guards is evaluated top to bottom; the first predicate that fires decides
// the verdict. Order encodes severity priority. Reason codes are derived
// from the reason text afterwards, so guards only state what they saw.
var guards = []guard{
	{
		fires:  func(s kpi.Snapshot, takerCeil float64) bool { return s.TakerRatio > takerCeil },
		status: StatusFail,
		reason: func(s kpi.Snapshot, takerCeil float64) string {
			return fmt.Sprintf("taker ratio %.3f above ceiling %.3f", s.TakerRatio, takerCeil)
		},
	},
	{
		fires:  func(s kpi.Snapshot, _ float64) bool { return s.Latency.P95 > p95CeilingMs },
		status: StatusFail,
		reason: func(s kpi.Snapshot, _ float64) string {
			return fmt.Sprintf("p95 latency %.0fms above %.0fms", s.Latency.P95, p95CeilingMs)
		},
	},
	{
		fires: func(s kpi.Snapshot, _ float64) bool {
			return s.Latency.P99 > p99SpikeFactor*math.Max(1, s.Latency.P95)
		},
		status: StatusFail,
		reason: func(s kpi.Snapshot, _ float64) string {
			return fmt.Sprintf("p99 latency %.0fms spikes above %.1fx p95", s.Latency.P99, p99SpikeFactor)
		},
	},
	{
		fires:  func(s kpi.Snapshot, _ float64) bool { return s.Readiness < readinessFloor },
		status: StatusFail,
		reason: func(s kpi.Snapshot, _ float64) string {
			return fmt.Sprintf("readiness %.1f below %.0f", s.Readiness, readinessFloor)
		},
	},
	{
		fires:  func(s kpi.Snapshot, _ float64) bool { return s.NetBPS < netBPSFailFloor },
		status: StatusFail,
		reason: func(s kpi.Snapshot, _ float64) string {
			return fmt.Sprintf("net edge %.2f bps below %.1f", s.NetBPS, netBPSFailFloor)
		},
	},
	{
		fires:  func(s kpi.Snapshot, _ float64) bool { return s.NetBPS < netBPSWarnFloor },
		status: StatusWarn,
		reason: func(s kpi.Snapshot, _ float64) string {
			return fmt.Sprintf("net edge %.2f bps in warning band", s.NetBPS)
		},
	},
}

// codePatterns maps reason substrings onto the closed code set; first match
// wins.
var codePatterns = []struct {
	substr string
	code   string
}{
	{"taker", CodeTakerCeil},
	{"p95", CodeP95Spike},
	{"p99", CodeP95Spike},
	{"readiness", CodeReadinessLow},
	{"net edge", CodeNetBPSLow},
}

// ReasonCode derives the code for a reason under the given status. Reasons
// no pattern matches get the generic code for their severity, so the set
// stays closed even for reasons produced outside the guard table.
func ReasonCode(status, reason string) string {
	lower := strings.ToLower(reason)
	for _, p := range codePatterns {
		if strings.Contains(lower, p.substr) {
			return p.code
		}
	}
	switch status {
	case StatusFail:
		return CodeGenFail
	case StatusWarn:
		return CodeGenWarn
	default:
		return CodeOK
	}
}

// Classify evaluates the guard ladder for snapshot s under the caps of
// phase. The stricter of the global and per-phase taker ceilings applies.
func Classify(s kpi.Snapshot, phase string) Verdict {
	takerCeil := takerCeiling
	if caps, ok := CapsFor(phase); ok && caps.TakerCeiling < takerCeil {
		takerCeil = caps.TakerCeiling
	}
	for _, g := range guards {
		if g.fires(s, takerCeil) {
			reason := g.reason(s, takerCeil)
			return Verdict{g.status, reason, ReasonCode(g.status, reason)}
		}
	}
	return Verdict{StatusContinue, "all guards clear", CodeOK}
}
