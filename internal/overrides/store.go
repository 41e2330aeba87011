// Package overrides owns the runtime tunable-parameter store: the single
// mutable source of truth for parameters adjusted by the tuning loop.
// Exactly one store exists per soak run; concurrent runs get separate
// artifact directories, so isolation is by construction rather than locking.
package overrides

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
)

// Bound declares the allowed range for a tunable parameter. SafeLow marks
// the risk-reducing direction: true when smaller values are safer (caps,
// ratios), false when larger values are safer (throttle intervals, spreads).
type Bound struct {
	Min     float64
	Max     float64
	SafeLow bool
}

// SafeValue returns the bound on the risk-reducing side.
func (b Bound) SafeValue() float64 {
	if b.SafeLow {
		return b.Min
	}
	return b.Max
}

// Clamp clips v into [Min, Max] and reports whether clipping occurred.
func (b Bound) Clamp(v float64) (float64, bool) {
	if v < b.Min {
		return b.Min, true
	}
	if v > b.Max {
		return b.Max, true
	}
	return v, false
}

// DefaultBounds covers the tunables the micro-tuner adjusts. Values follow
// the caps and floors enforced by the tuning heuristic.
func DefaultBounds() map[string]Bound {
	return map[string]Bound{
		"min_interval_ms":       {Min: 40, Max: 90, SafeLow: false},
		"base_spread_bps_delta": {Min: 0.0, Max: 0.20, SafeLow: false},
		"impact_cap_ratio":      {Min: 0.08, Max: 0.15, SafeLow: true},
		"max_delta_ratio":       {Min: 0.10, Max: 0.20, SafeLow: true},
		"tail_age_ms":           {Min: 500, Max: 800, SafeLow: false},
		"concurrency_limit":     {Min: 4, Max: 32, SafeLow: true},
	}
}

// Store is the durable parameter-name → value mapping with per-parameter
// bounds. Mutations happen only through Apply, which persists before
// returning.
type Store struct {
	path   string
	logger *slog.Logger
	values map[string]float64
	bounds map[string]Bound
}

// Open loads the store from path, or starts empty when the artifact does not
// exist yet.
func Open(path string, bounds map[string]Bound, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.With("component", "overrides"),
		values: make(map[string]float64),
		bounds: bounds,
	}
	err := artifact.ReadJSON(path, &s.values)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load runtime overrides: %w", err)
	}
	if s.values == nil {
		s.values = make(map[string]float64)
	}
	return s, nil
}

// Get returns the current value for field.
func (s *Store) Get(field string) (float64, bool) {
	v, ok := s.values[field]
	return v, ok
}

// GetOr returns the current value for field, or fallback when unset.
func (s *Store) GetOr(field string, fallback float64) float64 {
	if v, ok := s.values[field]; ok {
		return v
	}
	return fallback
}

// Bound returns the declared bound for field.
func (s *Store) Bound(field string) (Bound, bool) {
	b, ok := s.bounds[field]
	return b, ok
}

// Snapshot returns a copy of the current values.
func (s *Store) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Fields returns the known field names sorted, for deterministic iteration.
func (s *Store) Fields() []string {
	fields := make([]string, 0, len(s.values))
	for k := range s.values {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Tunables returns every field with a declared bound, sorted.
func (s *Store) Tunables() []string {
	fields := make([]string, 0, len(s.bounds))
	for k := range s.bounds {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Apply writes the given absolute values into the store and persists the
// artifact atomically. A persist failure leaves the in-memory state
// untouched so disk and memory never diverge.
func (s *Store) Apply(values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}
	next := s.Snapshot()
	for k, v := range values {
		next[k] = v
	}
	if err := artifact.WriteJSONAtomic(s.path, next); err != nil {
		return fmt.Errorf("persist runtime overrides: %w", err)
	}
	s.values = next
	s.logger.Info("runtime overrides applied", "fields", len(values), "path", s.path)
	return nil
}
