package tuning

import (
	"log/slog"
	"sort"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overrides"
)

// Skip reasons recorded on iterations where no apply happened.
const (
	SkipFinalIteration = "final_iteration"
	SkipSameSignature  = "same_signature"
	SkipFrozen         = "frozen"
)

// FreezeReasonStable is recorded when a freeze is triggered by parameter
// convergence rather than an operator action.
const FreezeReasonStable = "stable_params"

// IterationRecord is the controller's verdict for one iteration: what was
// applied, what was dropped, and why.
type IterationRecord struct {
	Iteration     int                `json:"iteration"`
	Applied       bool               `json:"applied"`
	Deltas        map[string]float64 `json:"deltas,omitempty"`
	SkippedReason string             `json:"skipped_reason,omitempty"`
	Clamped       []string           `json:"clamped,omitempty"`
	Conflicts     []Conflict         `json:"conflicts,omitempty"`
	Signature     string             `json:"signature,omitempty"`
}

// Controller makes the single per-iteration apply/skip decision. Policy
// outcomes (skips, drops, clamps) are recorded, never returned as errors;
// only persistence failures propagate.
type Controller struct {
	logger    *slog.Logger
	store     *overrides.Store
	arbiter   *ConflictArbiter
	freeze    *FreezeManager
	statePath string
	// freezeWindow is how many further iterations a stability freeze holds.
	freezeWindow int
}

func NewController(store *overrides.Store, arbiter *ConflictArbiter, freeze *FreezeManager, statePath string, freezeWindow int, logger *slog.Logger) *Controller {
	if freezeWindow < 1 {
		freezeWindow = 2
	}
	return &Controller{
		logger:       logger.With("component", "tuning_controller"),
		store:        store,
		arbiter:      arbiter,
		freeze:       freeze,
		statePath:    statePath,
		freezeWindow: freezeWindow,
	}
}

// Step runs the apply pipeline for one iteration. iter is 1-based;
// totalIters is the planned length of the run.
func (c *Controller) Step(iter, totalIters int, proposals []Proposal) (IterationRecord, error) {
	rec := IterationRecord{Iteration: iter}

	st, err := LoadState(c.statePath)
	if err != nil {
		return rec, err
	}
	c.freeze.LiftExpired(&st, iter)

	if iter >= totalIters {
		rec.SkippedReason = SkipFinalIteration
		c.logger.Info("apply skipped", "iter", iter, "reason", rec.SkippedReason)
		return rec, nil
	}
	if len(proposals) == 0 {
		return rec, nil
	}

	rec.Signature = FingerprintProposals(proposals)
	if IsRepeat(rec.Signature, st) {
		rec.SkippedReason = SkipSameSignature
		c.logger.Info("apply skipped", "iter", iter, "reason", rec.SkippedReason, "signature", rec.Signature)
		return rec, nil
	}

	resolved, conflicts := c.arbiter.Resolve(proposals)
	rec.Conflicts = conflicts

	deltas := make(map[string]float64, len(resolved))
	for field, v := range resolved {
		if c.freeze.IsFrozen(st, field, iter) {
			c.logger.Info("delta dropped", "iter", iter, "field", field, "reason", SkipFrozen)
			continue
		}
		if b, ok := c.store.Bound(field); ok {
			clamped, clipped := b.Clamp(v)
			if clipped {
				rec.Clamped = append(rec.Clamped, field)
				c.logger.Warn("delta clamped", "iter", iter, "field", field, "proposed", v, "applied", clamped)
			}
			v = clamped
		}
		deltas[field] = v
	}
	sort.Strings(rec.Clamped)

	if len(deltas) == 0 {
		if len(resolved) > 0 {
			rec.SkippedReason = SkipFrozen
		}
		return rec, nil
	}

	if err := c.store.Apply(deltas); err != nil {
		return rec, err
	}
	rec.Applied = true
	rec.Deltas = deltas
	st.LastAppliedSignature = rec.Signature

	c.freeze.Observe(deltas)
	if stable := c.freeze.StableFields(); len(stable) > 0 {
		c.freeze.ApplyFreeze(&st, stable, iter+c.freezeWindow, FreezeReasonStable)
	}

	if err := SaveState(c.statePath, st); err != nil {
		return rec, err
	}
	c.logger.Info("deltas applied", "iter", iter, "fields", len(deltas), "signature", rec.Signature)
	return rec, nil
}
