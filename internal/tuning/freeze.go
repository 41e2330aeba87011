package tuning

import (
	"log/slog"
	"math"
	"sort"
)

// FreezeManager tracks parameter stability across iterations and locks
// fields whose values have stopped moving, preventing pointless churn near a
// converged operating point.
type FreezeManager struct {
	logger *slog.Logger

	// noiseEpsilon is the absolute difference below which two consecutive
	// values count as identical.
	noiseEpsilon float64
	// stableThreshold is how many consecutive stable applied iterations
	// trigger a freeze.
	stableThreshold int

	lastValues   map[string]float64
	stableCounts map[string]int
}

// NewFreezeManager builds a manager with the given stability epsilon and
// threshold. A threshold below 1 is coerced to the default of 2.
func NewFreezeManager(noiseEpsilon float64, stableThreshold int, logger *slog.Logger) *FreezeManager {
	if noiseEpsilon <= 0 {
		noiseEpsilon = 1e-9
	}
	if stableThreshold < 1 {
		stableThreshold = 2
	}
	return &FreezeManager{
		logger:          logger.With("component", "freeze"),
		noiseEpsilon:    noiseEpsilon,
		stableThreshold: stableThreshold,
		lastValues:      make(map[string]float64),
		stableCounts:    make(map[string]int),
	}
}

// Observe records the applied values of one iteration and updates per-field
// stability counters. A field whose value moved beyond the noise epsilon has
// its counter reset.
func (f *FreezeManager) Observe(applied map[string]float64) {
	for field, v := range applied {
		prev, seen := f.lastValues[field]
		if seen && math.Abs(v-prev) <= f.noiseEpsilon {
			f.stableCounts[field]++
		} else {
			f.stableCounts[field] = 0
		}
		f.lastValues[field] = v
	}
}

// StableFields returns the fields whose values have been stable for at least
// the configured threshold of consecutive applied iterations, sorted.
func (f *FreezeManager) StableFields() []string {
	var out []string
	for field, n := range f.stableCounts {
		if n >= f.stableThreshold {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

// ApplyFreeze marks the given fields frozen until untilIter (inclusive) in
// the state and resets their stability counters.
func (f *FreezeManager) ApplyFreeze(st *State, fields []string, untilIter int, reason string) {
	if len(fields) == 0 {
		return
	}
	st.FrozenUntilIter = &untilIter
	st.FreezeReason = &reason
	st.FrozenFields = append([]string(nil), fields...)
	sort.Strings(st.FrozenFields)
	for _, field := range fields {
		f.stableCounts[field] = 0
	}
	f.logger.Info("parameters frozen",
		"fields", st.FrozenFields, "until_iter", untilIter, "reason", reason)
}

// IsFrozen reports whether field is frozen at curIter. The freeze bound is
// inclusive: a field frozen until iteration N is still frozen during N and
// lifts automatically at N+1.
func (f *FreezeManager) IsFrozen(st State, field string, curIter int) bool {
	if st.FrozenUntilIter == nil || curIter > *st.FrozenUntilIter {
		return false
	}
	if len(st.FrozenFields) == 0 {
		// Freeze with no field list applies globally.
		return true
	}
	for _, frozen := range st.FrozenFields {
		if frozen == field {
			return true
		}
	}
	return false
}

// LiftExpired clears freeze bookkeeping from the state once the freeze
// window has passed.
func (f *FreezeManager) LiftExpired(st *State, curIter int) {
	if st.FrozenUntilIter == nil || curIter <= *st.FrozenUntilIter {
		return
	}
	f.logger.Info("freeze lifted", "iter", curIter, "was_until", *st.FrozenUntilIter)
	st.FrozenUntilIter = nil
	st.FreezeReason = nil
	st.FrozenFields = nil
}
