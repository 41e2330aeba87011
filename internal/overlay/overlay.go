// Package overlay manages the parameter overlay snapshots the soak run can
// fall back to: the active overlay, the previous known-good one, and an
// archive of overlays that were rolled back.
package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is one overlay document. RolledBack marks a snapshot installed
// by a rollback rather than a promote: until the next promote the parameter
// store legitimately differs from it, so divergence from a marked snapshot
// is rollback residue, not drift.
type Snapshot struct {
	Version    int                `yaml:"version"`
	UpdatedAt  string             `yaml:"updated_at"`
	RunID      string             `yaml:"run_id,omitempty"`
	RolledBack bool               `yaml:"rolled_back,omitempty"`
	Params     map[string]float64 `yaml:"params"`
}

const snapshotVersion = 1

// Load reads a snapshot document from path.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("parse overlay %s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// Save writes a snapshot document to path via a temp file and rename.
func Save(path string, s Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal overlay: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create overlay dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create overlay temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write overlay temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync overlay temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close overlay temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace overlay: %w", err)
	}
	return nil
}

// NewSnapshot stamps params into a versioned document.
func NewSnapshot(runID string, params map[string]float64) Snapshot {
	cp := make(map[string]float64, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return Snapshot{
		Version:   snapshotVersion,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		RunID:     runID,
		Params:    cp,
	}
}
