package tuning

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFreezeManager_StableAfterThreshold(t *testing.T) {
	fm := NewFreezeManager(1e-9, 2, testLogger())

	fm.Observe(map[string]float64{"max_delta_ratio": 0.12})
	assert.Empty(t, fm.StableFields())

	fm.Observe(map[string]float64{"max_delta_ratio": 0.12})
	assert.Empty(t, fm.StableFields(), "one repeat is below the threshold")

	fm.Observe(map[string]float64{"max_delta_ratio": 0.12})
	assert.Equal(t, []string{"max_delta_ratio"}, fm.StableFields())
}

func TestFreezeManager_MovementResetsCounter(t *testing.T) {
	fm := NewFreezeManager(1e-9, 2, testLogger())

	fm.Observe(map[string]float64{"min_interval_ms": 60})
	fm.Observe(map[string]float64{"min_interval_ms": 60})
	fm.Observe(map[string]float64{"min_interval_ms": 65})
	fm.Observe(map[string]float64{"min_interval_ms": 65})
	assert.Empty(t, fm.StableFields())
}

func TestFreezeManager_NoiseEpsilonAbsorbsJitter(t *testing.T) {
	fm := NewFreezeManager(0.01, 2, testLogger())

	fm.Observe(map[string]float64{"impact_cap_ratio": 0.100})
	fm.Observe(map[string]float64{"impact_cap_ratio": 0.101})
	fm.Observe(map[string]float64{"impact_cap_ratio": 0.099})
	assert.Equal(t, []string{"impact_cap_ratio"}, fm.StableFields())
}

func TestFreezeManager_FreezeWindowInclusive(t *testing.T) {
	fm := NewFreezeManager(1e-9, 2, testLogger())
	var st State

	fm.ApplyFreeze(&st, []string{"max_delta_ratio"}, 5, FreezeReasonStable)

	assert.True(t, fm.IsFrozen(st, "max_delta_ratio", 4))
	assert.True(t, fm.IsFrozen(st, "max_delta_ratio", 5), "bound is inclusive")
	assert.False(t, fm.IsFrozen(st, "max_delta_ratio", 6))
	assert.False(t, fm.IsFrozen(st, "min_interval_ms", 4), "other fields stay tunable")
}

func TestFreezeManager_LiftExpiredClearsState(t *testing.T) {
	fm := NewFreezeManager(1e-9, 2, testLogger())
	var st State
	fm.ApplyFreeze(&st, []string{"max_delta_ratio"}, 5, FreezeReasonStable)

	fm.LiftExpired(&st, 5)
	assert.NotNil(t, st.FrozenUntilIter, "still frozen during the window")

	fm.LiftExpired(&st, 6)
	assert.Nil(t, st.FrozenUntilIter)
	assert.Nil(t, st.FreezeReason)
	assert.Empty(t, st.FrozenFields)
}

func TestFreezeManager_EmptyFieldListFreezesGlobally(t *testing.T) {
	fm := NewFreezeManager(1e-9, 2, testLogger())
	until := 3
	st := State{FrozenUntilIter: &until}

	assert.True(t, fm.IsFrozen(st, "anything", 2))
	assert.False(t, fm.IsFrozen(st, "anything", 4))
}
