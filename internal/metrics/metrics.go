package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Soak loop counters and histograms, partitioned by phase + region.

var (
	// Loop
	IterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "loop",
		Name:      "iterations_total",
		Help:      "Total soak iterations executed",
	}, []string{"phase", "region"})

	IterationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "soak",
		Subsystem: "loop",
		Name:      "iteration_duration_seconds",
		Help:      "Wall time of one soak iteration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"phase", "region"})

	IterationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "loop",
		Name:      "iteration_errors_total",
		Help:      "Total iterations aborted by unrecoverable I/O errors",
	}, []string{"phase", "region"})

	// Tuning
	TuningApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "tuning",
		Name:      "applies_total",
		Help:      "Total applied tuning steps",
	}, []string{"phase", "region"})

	TuningSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "tuning",
		Name:      "skips_total",
		Help:      "Total skipped tuning steps by reason",
	}, []string{"phase", "region", "reason"})

	TuningClamps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "tuning",
		Name:      "clamps_total",
		Help:      "Total proposed deltas clipped to parameter bounds",
	}, []string{"phase", "region"})

	TuningConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "tuning",
		Name:      "conflicts_total",
		Help:      "Total arbitrated proposal conflicts",
	}, []string{"phase", "region"})

	RiskMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "tuning",
		Name:      "risk_mismatches_total",
		Help:      "Total risk figures diverging across reporting paths",
	}, []string{"phase", "region"})

	// Escalation
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "escalation",
		Name:      "actions_total",
		Help:      "Total escalation actions by action and reason code",
	}, []string{"phase", "region", "action", "reason_code"})

	GuardStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soak",
		Subsystem: "escalation",
		Name:      "status",
		Help:      "Latest guard verdict (0 continue, 1 warn, 2 fail)",
	}, []string{"phase", "region"})

	// Journal
	JournalRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "journal",
		Name:      "records_total",
		Help:      "Total audit journal records appended",
	}, []string{"phase", "region"})

	JournalBrokenRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "soak",
		Subsystem: "journal",
		Name:      "broken_records",
		Help:      "Broken records found by the last chain verification",
	})

	// Rollback
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "rollback",
		Name:      "executed_total",
		Help:      "Total overlay rollbacks by reason",
	}, []string{"phase", "region", "reason"})

	// Export
	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "export",
		Name:      "sends_total",
		Help:      "Total Redis export attempts by outcome",
	}, []string{"outcome"})

	ExportBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "soak",
		Subsystem: "export",
		Name:      "breaker_state",
		Help:      "Export circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total alerts sent per channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soak",
		Subsystem: "alerts",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown or throttle",
	}, []string{"channel", "type"})
)

// StatusValue maps a guard status string onto the GuardStatus gauge scale.
func StatusValue(status string) float64 {
	switch status {
	case "WARN":
		return 1
	case "FAIL":
		return 2
	default:
		return 0
	}
}
