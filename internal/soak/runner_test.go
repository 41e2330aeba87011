package soak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/escalation"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/journal"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/kpi"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overlay"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overrides"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/tuning"
)

// seqSource replays a fixed snapshot sequence, repeating the last entry.
type seqSource struct {
	snaps []kpi.Snapshot
}

func (s seqSource) Snapshot(iter int) (kpi.Snapshot, error) {
	idx := iter - 1
	if idx >= len(s.snaps) {
		idx = len(s.snaps) - 1
	}
	return s.snaps[idx], nil
}

// seqProposer returns a per-call proposal list, repeating the last entry.
type seqProposer struct {
	calls int
	sets  [][]tuning.Proposal
}

func (p *seqProposer) Propose(kpi.Snapshot, *overrides.Store) []tuning.Proposal {
	idx := p.calls
	if idx >= len(p.sets) {
		idx = len(p.sets) - 1
	}
	p.calls++
	return p.sets[idx]
}

func healthySnap() kpi.Snapshot {
	return kpi.Snapshot{
		NetBPS:      3.2,
		TakerRatio:  0.10,
		Latency:     kpi.Latency{P50: 120, P95: 250, P99: 310},
		Readiness:   92,
		SummaryRisk: 0.35,
		EdgeRisk:    0.35,
	}
}

func failingSnap() kpi.Snapshot {
	s := healthySnap()
	s.TakerRatio = 0.20
	return s
}

type runnerEnv struct {
	dir      string
	runner   *Runner
	store    *overrides.Store
	journal  *journal.Journal
	overlays *overlay.Manager
}

func newRunnerEnv(t *testing.T, source kpi.Source, proposer Proposer, iterations int) *runnerEnv {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	store, err := overrides.Open(filepath.Join(dir, "runtime_overrides.json"), overrides.DefaultBounds(), logger)
	require.NoError(t, err)

	jour, err := journal.Open(filepath.Join(dir, "journal.jsonl"), logger)
	require.NoError(t, err)

	overlays := overlay.NewManager(
		filepath.Join(dir, "overlay_active.yaml"),
		filepath.Join(dir, "overlay_previous.yaml"),
		filepath.Join(dir, "archive"),
		filepath.Join(dir, "rollbacks.jsonl"),
		logger,
	)

	controller := tuning.NewController(
		store,
		tuning.NewConflictArbiter(overrides.DefaultBounds(), logger),
		tuning.NewFreezeManager(1e-9, 2, logger),
		filepath.Join(dir, "TUNING_STATE.json"),
		2,
		logger,
	)

	runner := NewRunner(Options{
		Phase:               escalation.PhaseCanary,
		Region:              "eu-west",
		ArtifactsDir:        dir,
		Iterations:          iterations,
		Sleep:               0,
		AutoTune:            true,
		RunID:               "run-test",
		Source:              source,
		Proposer:            proposer,
		Store:               store,
		Controller:          controller,
		Consistency:         tuning.NewConsistencyChecker(0.05, logger),
		Journal:             jour,
		Overlays:            overlays,
		RegressionThreshold: 0.10,
		NoiseEpsilon:        1e-9,
	}, logger)

	return &runnerEnv{dir: dir, runner: runner, store: store, journal: jour, overlays: overlays}
}

func readSummary(t *testing.T, dir string, iter int) IterSummary {
	t.Helper()
	var s IterSummary
	require.NoError(t, artifact.ReadJSON(filepath.Join(dir, fmt.Sprintf("ITER_SUMMARY_%d.json", iter)), &s))
	return s
}

func readReport(t *testing.T, dir string) Report {
	t.Helper()
	var r Report
	require.NoError(t, artifact.ReadJSON(filepath.Join(dir, "TUNING_REPORT.json"), &r))
	return r
}

func TestRunner_IdempotentApplyAcrossRun(t *testing.T) {
	proposals := []tuning.Proposal{{Field: "max_delta_ratio", Value: 0.12, Source: "edge_guard", Priority: 1}}
	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{healthySnap()}},
		&seqProposer{sets: [][]tuning.Proposal{proposals}},
		3,
	)

	require.NoError(t, env.runner.Run(context.Background()))

	s1 := readSummary(t, env.dir, 1)
	assert.True(t, s1.Applied)
	assert.Equal(t, map[string]float64{"max_delta_ratio": 0.12}, s1.Deltas)
	assert.Equal(t, "CONTINUE", s1.Status)

	s2 := readSummary(t, env.dir, 2)
	assert.False(t, s2.Applied)
	assert.Equal(t, tuning.SkipSameSignature, s2.SkippedReason)

	s3 := readSummary(t, env.dir, 3)
	assert.False(t, s3.Applied)
	assert.Equal(t, tuning.SkipFinalIteration, s3.SkippedReason)

	report := readReport(t, env.dir)
	assert.Equal(t, 3, report.IterationsDone)
	assert.Equal(t, 1, report.Applies)
	assert.Equal(t, 1, report.SkipsByReason[tuning.SkipSameSignature])
	assert.Equal(t, 1, report.SkipsByReason[tuning.SkipFinalIteration])
	assert.Equal(t, 0.12, report.Params["max_delta_ratio"])

	// Every iteration journaled, chain intact.
	res, err := journal.Verify(filepath.Join(env.dir, "journal.jsonl"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Checked)
}

func TestRunner_EscalationLadderStopsRun(t *testing.T) {
	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{failingSnap()}},
		&seqProposer{sets: [][]tuning.Proposal{nil}},
		10,
	)

	require.NoError(t, env.runner.Run(context.Background()))

	s1 := readSummary(t, env.dir, 1)
	assert.Equal(t, "FAIL", s1.Status)
	assert.Equal(t, escalation.CodeTakerCeil, s1.ReasonCode)
	assert.Equal(t, escalation.ActionRollbackStep, s1.Action)

	s2 := readSummary(t, env.dir, 2)
	assert.Equal(t, escalation.ActionDisableStrat, s2.Action)

	s3 := readSummary(t, env.dir, 3)
	assert.Equal(t, escalation.ActionRegionStepDown, s3.Action)

	// The run ends at the step-down; iteration 4 never happens.
	_, err := os.Stat(filepath.Join(env.dir, "ITER_SUMMARY_4.json"))
	assert.True(t, os.IsNotExist(err))

	// A failing iteration never tunes.
	assert.Empty(t, env.store.Snapshot())
}

func TestRunner_NonFailResetsLadder(t *testing.T) {
	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{failingSnap(), healthySnap(), failingSnap()}},
		&seqProposer{sets: [][]tuning.Proposal{nil}},
		3,
	)

	require.NoError(t, env.runner.Run(context.Background()))

	assert.Equal(t, escalation.ActionRollbackStep, readSummary(t, env.dir, 1).Action)
	assert.Equal(t, escalation.ActionNone, readSummary(t, env.dir, 2).Action)
	assert.Equal(t, escalation.ActionRollbackStep, readSummary(t, env.dir, 3).Action,
		"intervening non-FAIL restarts the ladder at step one")
}

func TestRunner_WarnTunesDry(t *testing.T) {
	warn := healthySnap()
	warn.NetBPS = 2.2

	proposals := []tuning.Proposal{{Field: "min_interval_ms", Value: 65, Source: "latency_guard", Priority: 2}}
	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{warn}},
		&seqProposer{sets: [][]tuning.Proposal{proposals}},
		2,
	)

	summary, err := env.runner.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "WARN", summary.Status)
	assert.Equal(t, escalation.ActionTuneDry, summary.Action)
	assert.False(t, summary.Applied)
	assert.Empty(t, env.store.Snapshot(), "dry mode must not touch the store")
}

func TestRunner_FailWithRegressionRollsBack(t *testing.T) {
	degraded := healthySnap()
	degraded.NetBPS = 1.0 // FAIL NET_BPS_LOW, and far below the baseline mean

	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{healthySnap(), healthySnap(), degraded}},
		&seqProposer{sets: [][]tuning.Proposal{
			{{Field: "min_interval_ms", Value: 60, Source: "edge_guard", Priority: 1}},
			{{Field: "min_interval_ms", Value: 65, Source: "edge_guard", Priority: 1}},
			nil,
		}},
		4,
	)

	s1, err := env.runner.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, s1.Applied)
	s2, err := env.runner.RunIteration(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, s2.Applied)

	s3, err := env.runner.RunIteration(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "FAIL", s3.Status)
	assert.Equal(t, escalation.CodeNetBPSLow, s3.ReasonCode)
	assert.Equal(t, kpi.RegEdge, s3.Regression)
	assert.True(t, s3.RolledBack)

	// The overlay is back on the first applied snapshot.
	active, err := env.overlays.Active()
	require.NoError(t, err)
	assert.Equal(t, 60.0, active.Params["min_interval_ms"])

	_, err = os.Stat(filepath.Join(env.dir, "rollbacks.jsonl"))
	assert.NoError(t, err)
}

func TestRunner_RepeatedFailAfterRollbackRollsBackOnce(t *testing.T) {
	degraded := healthySnap()
	degraded.NetBPS = 1.0

	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{healthySnap(), healthySnap(), degraded, degraded}},
		&seqProposer{sets: [][]tuning.Proposal{
			{{Field: "min_interval_ms", Value: 60, Source: "edge_guard", Priority: 1}},
			{{Field: "min_interval_ms", Value: 65, Source: "edge_guard", Priority: 1}},
			nil,
		}},
		5,
	)

	for iter := 1; iter <= 2; iter++ {
		_, err := env.runner.RunIteration(context.Background(), iter)
		require.NoError(t, err)
	}

	s3, err := env.runner.RunIteration(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, s3.RolledBack)

	// The store keeps its applied values after the rollback; that residue
	// is not drift, so the next failing iteration must not roll back again.
	s4, err := env.runner.RunIteration(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "FAIL", s4.Status)
	assert.False(t, s4.RolledBack)

	raw, err := os.ReadFile(filepath.Join(env.dir, "rollbacks.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(raw, []byte{'\n'}), "exactly one rollback record")

	var rec overlay.RollbackRecord
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &rec))
	assert.Equal(t, overlay.RollbackReasonRegression, rec.Reason)

	// The restored overlay stayed in place, not re-archived under a bad name.
	entries, err := os.ReadDir(filepath.Join(env.dir, "archive"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	active, err := env.overlays.Active()
	require.NoError(t, err)
	assert.Equal(t, 60.0, active.Params["min_interval_ms"])
}

func TestRunner_FailWithoutRegressionKeepsOverlay(t *testing.T) {
	// Readiness failure with KPIs otherwise at baseline: no drift, no
	// regression, so no rollback despite the FAIL.
	notReady := healthySnap()
	notReady.Readiness = 70

	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{healthySnap(), healthySnap(), notReady}},
		&seqProposer{sets: [][]tuning.Proposal{
			{{Field: "min_interval_ms", Value: 60, Source: "edge_guard", Priority: 1}},
			{{Field: "min_interval_ms", Value: 65, Source: "edge_guard", Priority: 1}},
			nil,
		}},
		4,
	)

	for iter := 1; iter <= 2; iter++ {
		_, err := env.runner.RunIteration(context.Background(), iter)
		require.NoError(t, err)
	}
	s3, err := env.runner.RunIteration(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "FAIL", s3.Status)
	assert.Equal(t, escalation.CodeReadinessLow, s3.ReasonCode)
	assert.False(t, s3.RolledBack)

	active, err := env.overlays.Active()
	require.NoError(t, err)
	assert.Equal(t, 65.0, active.Params["min_interval_ms"], "overlay untouched without drift or regression")
}

func TestRunner_PauseSuspendsTuningOnly(t *testing.T) {
	proposals := []tuning.Proposal{{Field: "max_delta_ratio", Value: 0.12, Source: "edge_guard", Priority: 1}}
	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{healthySnap()}},
		&seqProposer{sets: [][]tuning.Proposal{proposals}},
		3,
	)

	env.runner.Pause()
	s1, err := env.runner.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, s1.Applied)
	assert.Empty(t, env.store.Snapshot())
	assert.Equal(t, "CONTINUE", s1.Status, "classification still runs while paused")

	env.runner.Resume()
	s2, err := env.runner.RunIteration(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, s2.Applied)
}

func TestRunner_RiskMismatchIsRecordedNotFatal(t *testing.T) {
	inconsistent := healthySnap()
	inconsistent.EdgeRisk = 0.50

	env := newRunnerEnv(t,
		seqSource{snaps: []kpi.Snapshot{inconsistent}},
		&seqProposer{sets: [][]tuning.Proposal{nil}},
		2,
	)

	summary, err := env.runner.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, summary.RiskConsistent)
	assert.Equal(t, "CONTINUE", summary.Status, "mismatch warns, never escalates by itself")
}
