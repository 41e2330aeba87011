package escalation

// PhaseCaps are the deployment limits in force for a rollout phase. They are
// echoed into every journal record so audits show the context a decision was
// made under.
type PhaseCaps struct {
	Share        float64 `json:"share"`
	CapitalUSD   float64 `json:"capital_usd"`
	TakerCeiling float64 `json:"taker_ceiling"`
}

// Rollout phases, in promotion order.
const (
	PhaseShadow   = "shadow"
	PhaseCanary   = "canary"
	PhaseLiveEcon = "live-econ"
)

var phaseCaps = map[string]PhaseCaps{
	PhaseShadow:   {Share: 0.00, CapitalUSD: 0, TakerCeiling: 0.15},
	PhaseCanary:   {Share: 0.05, CapitalUSD: 500, TakerCeiling: 0.15},
	PhaseLiveEcon: {Share: 0.15, CapitalUSD: 2000, TakerCeiling: 0.15},
}

// CapsFor returns the caps for phase.
func CapsFor(phase string) (PhaseCaps, bool) {
	c, ok := phaseCaps[phase]
	return c, ok
}

// KnownPhase reports whether phase is a recognized rollout phase.
func KnownPhase(phase string) bool {
	_, ok := phaseCaps[phase]
	return ok
}

// StepDown returns the next more conservative phase, or the same phase when
// already at the most conservative one.
func StepDown(phase string) string {
	switch phase {
	case PhaseLiveEcon:
		return PhaseCanary
	case PhaseCanary:
		return PhaseShadow
	default:
		return PhaseShadow
	}
}

// Fields flattens caps into the map shape stored in journal records.
func (c PhaseCaps) Fields() map[string]float64 {
	return map[string]float64{
		"share":         c.Share,
		"capital_usd":   c.CapitalUSD,
		"taker_ceiling": c.TakerCeiling,
	}
}
