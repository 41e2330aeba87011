// Package tuning implements the per-iteration parameter adjustment pipeline:
// signature dedup, conflict arbitration, freeze handling, risk consistency
// checks, and the terminal controller that decides whether a proposed delta
// set is applied to the runtime override store.
package tuning

import (
	"fmt"
	"os"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
)

// State is the durable tuning ledger carried across iterations. It is
// overwritten atomically in place and never deleted during a run.
type State struct {
	LastAppliedSignature string   `json:"last_applied_signature"`
	FrozenUntilIter      *int     `json:"frozen_until_iter"`
	FreezeReason         *string  `json:"freeze_reason"`
	FrozenFields         []string `json:"frozen_fields,omitempty"`
}

// LoadState reads the tuning state artifact, returning a zero state when the
// file does not exist yet (first iteration of a fresh run).
func LoadState(path string) (State, error) {
	var st State
	err := artifact.ReadJSON(path, &st)
	if err != nil && !os.IsNotExist(err) {
		return State{}, fmt.Errorf("load tuning state: %w", err)
	}
	return st, nil
}

// SaveState persists the state artifact atomically.
func SaveState(path string, st State) error {
	if err := artifact.WriteJSONAtomic(path, st); err != nil {
		return fmt.Errorf("persist tuning state: %w", err)
	}
	return nil
}
