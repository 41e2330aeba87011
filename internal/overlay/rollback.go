package overlay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
)

// Rollback reasons recorded alongside the journal.
const (
	RollbackReasonDrift      = "DRIFT"
	RollbackReasonRegression = "REG"
)

// RollbackRecord is appended to the rollback log for every executed
// rollback. The log is plain JSONL, separate from the hash-chained journal.
type RollbackRecord struct {
	Ts     string `json:"ts"`
	Reason string `json:"reason"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Manager owns the active/previous/archive overlay files and executes
// rollbacks when a failing iteration coincides with drift or regression.
type Manager struct {
	activePath   string
	previousPath string
	archiveDir   string
	logPath      string
	logger       *slog.Logger
}

func NewManager(activePath, previousPath, archiveDir, logPath string, logger *slog.Logger) *Manager {
	return &Manager{
		activePath:   activePath,
		previousPath: previousPath,
		archiveDir:   archiveDir,
		logPath:      logPath,
		logger:       logger.With("component", "rollback"),
	}
}

// Promote installs params as the new active overlay, demoting the current
// active snapshot to previous. Called after every applied tuning step so a
// rollback always has a restore point one step back.
func (m *Manager) Promote(runID string, params map[string]float64) error {
	if _, err := os.Stat(m.activePath); err == nil {
		cur, err := Load(m.activePath)
		if err != nil {
			return fmt.Errorf("load active overlay: %w", err)
		}
		if err := Save(m.previousPath, cur); err != nil {
			return fmt.Errorf("demote active overlay: %w", err)
		}
	}
	if err := Save(m.activePath, NewSnapshot(runID, params)); err != nil {
		return fmt.Errorf("install active overlay: %w", err)
	}
	return nil
}

// Active returns the current active snapshot.
func (m *Manager) Active() (Snapshot, error) {
	return Load(m.activePath)
}

// MaybeRollback restores the previous overlay when verdict is a failure and
// either config drift or a KPI regression was detected. Returns whether a
// rollback was executed. A missing previous snapshot is logged and skipped,
// never fatal.
func (m *Manager) MaybeRollback(failed bool, driftReason, regressionReason string) (bool, error) {
	drift := driftReason != ""
	regression := regressionReason != "" && regressionReason != "NONE"
	if !failed || (!drift && !regression) {
		return false, nil
	}
	reason := RollbackReasonRegression
	if drift {
		reason = RollbackReasonDrift
	}

	// An active snapshot installed by a rollback is already the restore
	// point; rolling back again would archive the known-good overlay and
	// restore the same previous snapshot. The marker clears on the next
	// promote.
	if active, err := Load(m.activePath); err == nil && active.RolledBack {
		m.logger.Info("rollback skipped, already at restore point", "reason", reason)
		return false, nil
	}

	prev, err := Load(m.previousPath)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("rollback skipped, no previous overlay", "reason", reason)
			return false, nil
		}
		return false, fmt.Errorf("load previous overlay: %w", err)
	}

	archived, err := m.archiveActive()
	if err != nil {
		return false, err
	}
	prev.RolledBack = true
	if err := Save(m.activePath, prev); err != nil {
		return false, fmt.Errorf("restore previous overlay: %w", err)
	}

	rec := RollbackRecord{
		Ts:     time.Now().UTC().Format(time.RFC3339Nano),
		Reason: reason,
		From:   archived,
		To:     m.previousPath,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal rollback record: %w", err)
	}
	if err := artifact.AppendLine(m.logPath, line); err != nil {
		return false, fmt.Errorf("append rollback record: %w", err)
	}
	m.logger.Warn("overlay rolled back", "reason", reason, "archived", archived)
	return true, nil
}

// archiveActive moves the active overlay into the archive dir under a
// timestamped name and returns the archived path. A missing active overlay
// archives nothing.
func (m *Manager) archiveActive() (string, error) {
	if _, err := os.Stat(m.activePath); os.IsNotExist(err) {
		return "", nil
	}
	if err := os.MkdirAll(m.archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	name := fmt.Sprintf("overlay_bad_%s.yaml", time.Now().UTC().Format("20060102T150405.000Z"))
	dst := filepath.Join(m.archiveDir, name)
	if err := os.Rename(m.activePath, dst); err != nil {
		return "", fmt.Errorf("archive active overlay: %w", err)
	}
	return dst, nil
}
