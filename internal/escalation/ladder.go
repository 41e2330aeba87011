package escalation

// Actions, in escalation order.
const (
	ActionNone           = "NONE"
	ActionTuneDry        = "TUNE_DRY"
	ActionRollbackStep   = "ROLLBACK_STEP"
	ActionDisableStrat   = "DISABLE_STRAT"
	ActionRegionStepDown = "REGION_STEP_DOWN"
)

// NextAction maps a status and the count of consecutive FAILs (including the
// current one) to the response action. Any non-FAIL status resets the ladder
// via the journal-derived count, so the machine itself holds no state.
func NextAction(status string, consecutiveFails int) string {
	switch status {
	case StatusFail:
		switch {
		case consecutiveFails <= 1:
			return ActionRollbackStep
		case consecutiveFails == 2:
			return ActionDisableStrat
		default:
			return ActionRegionStepDown
		}
	case StatusWarn:
		return ActionTuneDry
	default:
		return ActionNone
	}
}

// Recommend returns the runbook hint attached to journal records, keyed by
// verdict and chosen action.
func Recommend(v Verdict, action string) string {
	switch action {
	case ActionRegionStepDown:
		return "repeated failures: step region down one phase and page the on-call"
	case ActionDisableStrat:
		return "second consecutive failure: disable the strategy and hold parameters"
	case ActionRollbackStep:
		switch v.ReasonCode {
		case CodeTakerCeil:
			return "roll back last tuning step; widen spreads to cut taker share"
		case CodeP95Spike:
			return "roll back last tuning step; check venue latency and queue depth"
		case CodeReadinessLow:
			return "roll back last tuning step; inspect readiness subchecks"
		case CodeNetBPSLow:
			return "roll back last tuning step; review edge decomposition"
		default:
			return "roll back last tuning step"
		}
	case ActionTuneDry:
		return "edge thinning: keep tuning in dry mode until net bps recovers"
	default:
		return "no action required"
	}
}
