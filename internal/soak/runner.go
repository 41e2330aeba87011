// Package soak drives the autonomous tuning-and-safety loop of one soak
// run: each iteration reads KPIs, classifies them against the guard ladder,
// journals the decision, applies or suppresses tuning, and rolls back the
// parameter overlay when a failing iteration coincides with drift or
// regression.
package soak

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/alert"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/escalation"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/export"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/journal"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/kpi"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/metrics"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overlay"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overrides"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/tracing"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/tuning"
)

// Options wires a Runner. Exporter may be nil; Alerter defaults to noop.
type Options struct {
	Phase        string
	Region       string
	ArtifactsDir string
	Iterations   int
	Sleep        time.Duration
	AutoTune     bool
	RunID        string

	Source      kpi.Source
	Proposer    Proposer
	Store       *overrides.Store
	Controller  *tuning.Controller
	Consistency *tuning.ConsistencyChecker
	Journal     *journal.Journal
	Overlays    *overlay.Manager
	Alerter     alert.Alerter
	Exporter    *export.Exporter

	RegressionThreshold float64
	NoiseEpsilon        float64
}

// Runner executes the soak loop. Strictly sequential: one iteration at a
// time, all state on disk between iterations.
type Runner struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	paused atomic.Bool

	history []kpi.Snapshot
	report  Report
}

func NewRunner(opts Options, logger *slog.Logger) *Runner {
	if opts.Alerter == nil {
		opts.Alerter = &alert.NoopAlerter{}
	}
	if opts.Proposer == nil {
		opts.Proposer = MicroTuner{}
	}
	return &Runner{
		opts:   opts,
		logger: logger.With("component", "soak_runner", "phase", opts.Phase, "region", opts.Region),
		tracer: tracing.Tracer("soak"),
		report: newReport(opts.RunID, opts.Phase, opts.Region),
	}
}

// Pause suspends parameter tuning. Guard classification, journaling, and
// rollback keep running; only the apply pipeline is held.
func (r *Runner) Pause() {
	if r.paused.CompareAndSwap(false, true) {
		r.logger.Warn("tuning paused")
	}
}

// Resume lifts a pause.
func (r *Runner) Resume() {
	if r.paused.CompareAndSwap(true, false) {
		r.logger.Info("tuning resumed")
	}
}

// Paused reports whether tuning is currently suspended.
func (r *Runner) Paused() bool { return r.paused.Load() }

// Run executes the configured number of iterations, sleeping between them.
// Escalations are outcomes, not errors: only unrecoverable I/O aborts the
// run. A REGION_STEP_DOWN action ends the run early since the region must be
// re-deployed at a more conservative phase before soaking continues.
func (r *Runner) Run(ctx context.Context) error {
	for iter := 1; iter <= r.opts.Iterations; iter++ {
		summary, err := r.RunIteration(ctx, iter)
		if err != nil {
			metrics.IterationErrors.WithLabelValues(r.opts.Phase, r.opts.Region).Inc()
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		if summary.Action == escalation.ActionRegionStepDown {
			r.logger.Warn("region step-down requested, ending run", "iter", iter)
			return nil
		}
		if iter < r.opts.Iterations {
			select {
			case <-ctx.Done():
				r.logger.Info("run interrupted between iterations", "completed", iter)
				return nil
			case <-time.After(r.opts.Sleep):
			}
		}
	}
	r.logger.Info("run complete", "iterations", r.opts.Iterations)
	return nil
}

// RunIteration executes one full iteration and returns its summary.
func (r *Runner) RunIteration(ctx context.Context, iter int) (IterSummary, error) {
	ctx, span := r.tracer.Start(ctx, "soak.iteration",
		trace.WithAttributes(attribute.Int("iteration", iter)))
	defer span.End()
	start := time.Now()

	snap, err := r.opts.Source.Snapshot(iter)
	if err != nil {
		return IterSummary{}, fmt.Errorf("read kpi snapshot: %w", err)
	}

	consistent := r.opts.Consistency.Check(snap.SummaryRisk, snap.EdgeRisk)
	if !consistent {
		metrics.RiskMismatches.WithLabelValues(r.opts.Phase, r.opts.Region).Inc()
	}

	verdict := escalation.Classify(snap, r.opts.Phase)
	span.SetAttributes(attribute.String("status", verdict.Status))

	prevFails := r.opts.Journal.ConsecutiveFails(r.opts.Phase, r.opts.Region)
	fails := 0
	if verdict.Status == escalation.StatusFail {
		fails = prevFails + 1
	}
	action := escalation.NextAction(verdict.Status, fails)
	recommendation := escalation.Recommend(verdict, action)

	caps, _ := escalation.CapsFor(r.opts.Phase)
	rec, err := r.opts.Journal.Append(journal.Record{
		Phase:          r.opts.Phase,
		Region:         r.opts.Region,
		Status:         verdict.Status,
		Action:         action,
		Reason:         verdict.Reason,
		ReasonCode:     verdict.ReasonCode,
		Recommendation: recommendation,
		Caps:           caps.Fields(),
	})
	if err != nil {
		return IterSummary{}, err
	}
	metrics.JournalRecords.WithLabelValues(r.opts.Phase, r.opts.Region).Inc()
	metrics.GuardStatus.WithLabelValues(r.opts.Phase, r.opts.Region).Set(metrics.StatusValue(verdict.Status))
	metrics.Escalations.WithLabelValues(r.opts.Phase, r.opts.Region, action, verdict.ReasonCode).Inc()

	summary := IterSummary{
		Iteration:      iter,
		Ts:             rec.Ts,
		RunID:          r.opts.RunID,
		Phase:          r.opts.Phase,
		Region:         r.opts.Region,
		Status:         verdict.Status,
		Action:         action,
		ReasonCode:     verdict.ReasonCode,
		Recommendation: recommendation,
		KPIs:           snap,
		RiskConsistent: consistent,
		Regression:     kpi.RegNone,
	}

	if err := r.tune(verdict, snap, iter, &summary); err != nil {
		return IterSummary{}, err
	}

	baseline := kpi.BaselineFromHistory(r.history)
	summary.Regression = kpi.CheckRegression(snap, baseline, r.opts.RegressionThreshold)
	r.history = append(r.history, snap)

	drift := r.detectDrift()
	rolledBack, err := r.opts.Overlays.MaybeRollback(
		verdict.Status == escalation.StatusFail, drift, summary.Regression)
	if err != nil {
		return IterSummary{}, err
	}
	summary.RolledBack = rolledBack
	if rolledBack {
		reason := overlay.RollbackReasonRegression
		if drift != "" {
			reason = overlay.RollbackReasonDrift
		}
		metrics.Rollbacks.WithLabelValues(r.opts.Phase, r.opts.Region, reason).Inc()
	}

	summary.Params = r.opts.Store.Snapshot()
	r.report.observe(summary)
	if err := writeIterationOutputs(r.opts.ArtifactsDir, summary, r.report); err != nil {
		return IterSummary{}, err
	}

	r.notify(ctx, verdict, action, recommendation, rolledBack, summary)
	if r.opts.Exporter != nil {
		r.opts.Exporter.PublishSummary(ctx, iter, summary)
		r.opts.Exporter.PublishRecord(ctx, rec)
	}

	metrics.IterationsTotal.WithLabelValues(r.opts.Phase, r.opts.Region).Inc()
	metrics.IterationDuration.WithLabelValues(r.opts.Phase, r.opts.Region).Observe(time.Since(start).Seconds())
	r.logger.Info("iteration done",
		"iter", iter, "status", verdict.Status, "action", action,
		"reason_code", verdict.ReasonCode, "applied", summary.Applied, "rolled_back", rolledBack)
	return summary, nil
}

// tune runs the apply pipeline according to the verdict: full tuning on
// CONTINUE, dry proposals on WARN, nothing on FAIL.
func (r *Runner) tune(verdict escalation.Verdict, snap kpi.Snapshot, iter int, summary *IterSummary) error {
	if !r.opts.AutoTune || r.paused.Load() || verdict.Status == escalation.StatusFail {
		return nil
	}

	proposals := r.opts.Proposer.Propose(snap, r.opts.Store)
	if verdict.Status == escalation.StatusWarn {
		// Dry mode: surface what would change, apply nothing.
		for _, p := range proposals {
			r.logger.Info("dry tuning proposal",
				"iter", iter, "field", p.Field, "value", p.Value, "source", p.Source)
		}
		return nil
	}

	itRec, err := r.opts.Controller.Step(iter, r.opts.Iterations, proposals)
	if err != nil {
		return err
	}
	summary.Applied = itRec.Applied
	summary.Deltas = itRec.Deltas
	summary.SkippedReason = itRec.SkippedReason
	summary.Clamped = itRec.Clamped

	if itRec.Applied {
		metrics.TuningApplies.WithLabelValues(r.opts.Phase, r.opts.Region).Inc()
		if err := r.opts.Overlays.Promote(r.opts.RunID, r.opts.Store.Snapshot()); err != nil {
			return err
		}
	}
	if itRec.SkippedReason != "" {
		metrics.TuningSkips.WithLabelValues(r.opts.Phase, r.opts.Region, itRec.SkippedReason).Inc()
	}
	if len(itRec.Clamped) > 0 {
		metrics.TuningClamps.WithLabelValues(r.opts.Phase, r.opts.Region).Add(float64(len(itRec.Clamped)))
	}
	if len(itRec.Conflicts) > 0 {
		metrics.TuningConflicts.WithLabelValues(r.opts.Phase, r.opts.Region).Add(float64(len(itRec.Conflicts)))
	}
	return nil
}

// detectDrift compares the active overlay against the live parameter store.
// Divergence beyond the noise epsilon means some path mutated parameters
// outside the tuning pipeline. An overlay installed by a rollback is exempt:
// the store keeps its applied values until the next promote, so the two
// diverge without any out-of-band mutation.
func (r *Runner) detectDrift() string {
	active, err := r.opts.Overlays.Active()
	if err != nil || active.RolledBack {
		return ""
	}
	eps := r.opts.NoiseEpsilon
	if eps <= 0 {
		eps = 1e-9
	}
	for field, overlayVal := range active.Params {
		if storeVal, ok := r.opts.Store.Get(field); ok && math.Abs(storeVal-overlayVal) > eps {
			return fmt.Sprintf("param %s drifted from overlay: %g != %g", field, storeVal, overlayVal)
		}
	}
	return ""
}

func (r *Runner) notify(ctx context.Context, verdict escalation.Verdict, action, recommendation string, rolledBack bool, summary IterSummary) {
	if verdict.Status == escalation.StatusFail {
		err := r.opts.Alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeGuardFail,
			Phase:   r.opts.Phase,
			Region:  r.opts.Region,
			Title:   fmt.Sprintf("Guard failure: %s", verdict.ReasonCode),
			Message: verdict.Reason,
			Fields: map[string]string{
				"action":         action,
				"recommendation": recommendation,
			},
		})
		if err != nil {
			r.logger.Warn("guard-fail alert not delivered", "error", err)
		}
	}
	if rolledBack {
		err := r.opts.Alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeRollback,
			Phase:   r.opts.Phase,
			Region:  r.opts.Region,
			Title:   "Overlay rolled back",
			Message: fmt.Sprintf("regression %s triggered restore of previous overlay", summary.Regression),
			Fields:  map[string]string{"iteration": fmt.Sprintf("%d", summary.Iteration)},
		})
		if err != nil {
			r.logger.Warn("rollback alert not delivered", "error", err)
		}
	}
}
