package tuning

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overrides"
)

// Conflict describes one arbitration decision where two or more sources
// proposed different values for the same field.
type Conflict struct {
	Field       string `json:"field"`
	Description string `json:"description"`
	Resolved    string `json:"resolved"`
}

// ConflictArbiter reduces a proposal set to at most one value per field.
// Higher priority wins; equal priorities prefer the value closer to the
// field's risk-reducing bound.
type ConflictArbiter struct {
	logger *slog.Logger
	bounds map[string]overrides.Bound
}

func NewConflictArbiter(bounds map[string]overrides.Bound, logger *slog.Logger) *ConflictArbiter {
	return &ConflictArbiter{
		logger: logger.With("component", "arbiter"),
		bounds: bounds,
	}
}

// Resolve arbitrates the proposal set. The returned map holds the winning
// value per field; conflicts lists every field where arbitration had to pick
// between materially different values.
func (a *ConflictArbiter) Resolve(proposals []Proposal) (map[string]float64, []Conflict) {
	byField := make(map[string][]Proposal)
	for _, p := range proposals {
		byField[p.Field] = append(byField[p.Field], p)
	}

	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	resolved := make(map[string]float64, len(fields))
	var conflicts []Conflict
	for _, field := range fields {
		group := byField[field]
		winner := a.pickWinner(field, group)
		resolved[field] = winner.Value

		if hasDisagreement(group) {
			c := Conflict{
				Field: field,
				Description: fmt.Sprintf("%d sources disagreed on %s; priority %d (%s) won",
					len(group), field, winner.Priority, winner.Source),
				Resolved: winner.Source,
			}
			conflicts = append(conflicts, c)
			a.logger.Warn("proposal conflict resolved",
				"field", field, "winner", winner.Source, "value", winner.Value, "candidates", len(group))
		}
	}
	return resolved, conflicts
}

func (a *ConflictArbiter) pickWinner(field string, group []Proposal) Proposal {
	winner := group[0]
	for _, p := range group[1:] {
		if p.Priority > winner.Priority {
			winner = p
			continue
		}
		if p.Priority == winner.Priority && a.safer(field, p.Value, winner.Value) {
			winner = p
		}
	}
	return winner
}

// safer reports whether candidate is closer to the field's risk-reducing
// bound than incumbent. Without a declared bound the tie keeps the incumbent.
func (a *ConflictArbiter) safer(field string, candidate, incumbent float64) bool {
	b, ok := a.bounds[field]
	if !ok {
		return false
	}
	safe := b.SafeValue()
	return math.Abs(candidate-safe) < math.Abs(incumbent-safe)
}

func hasDisagreement(group []Proposal) bool {
	for _, p := range group[1:] {
		if p.Value != group[0].Value {
			return true
		}
	}
	return false
}
