package soak

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
)

// ErrLockHeld is returned when another live run owns the artifact directory.
var ErrLockHeld = errors.New("soak run lock held by another process")

// lockInfo is the lock file payload.
type lockInfo struct {
	PID        int    `json:"pid"`
	Session    string `json:"session"`
	AcquiredAt string `json:"acquired_at"`
}

// RunLock guards an artifact directory against concurrent soak runs. A lock
// older than the stale window is presumed abandoned (crashed run) and taken
// over.
type RunLock struct {
	path    string
	session string
	logger  *slog.Logger
}

// AcquireLock claims the lock at path. The returned lock carries a unique
// session ID, stamped into artifacts so a takeover is attributable.
func AcquireLock(path string, staleAfter time.Duration, logger *slog.Logger) (*RunLock, error) {
	log := logger.With("component", "runlock")
	if staleAfter <= 0 {
		staleAfter = 6 * time.Hour
	}

	var existing lockInfo
	err := artifact.ReadJSON(path, &existing)
	switch {
	case err == nil:
		acquiredAt, parseErr := time.Parse(time.RFC3339Nano, existing.AcquiredAt)
		if parseErr == nil && time.Since(acquiredAt) < staleAfter {
			return nil, fmt.Errorf("%w: pid %d session %s", ErrLockHeld, existing.PID, existing.Session)
		}
		log.Warn("taking over stale run lock",
			"pid", existing.PID, "session", existing.Session, "acquired_at", existing.AcquiredAt)
	case os.IsNotExist(err):
		// fresh directory
	default:
		// An unreadable lock file is treated as stale: a half-written file
		// from a crashed run must not wedge the directory forever.
		log.Warn("replacing unreadable run lock", "error", err)
	}

	l := &RunLock{
		path:    path,
		session: uuid.NewString(),
		logger:  log,
	}
	info := lockInfo{
		PID:        os.Getpid(),
		Session:    l.session,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := artifact.WriteJSONAtomic(path, info); err != nil {
		return nil, fmt.Errorf("write run lock: %w", err)
	}
	log.Info("run lock acquired", "session", l.session)
	return l, nil
}

// Session returns the unique ID of this lock holder.
func (l *RunLock) Session() string {
	return l.session
}

// Release removes the lock if this process still owns it. A lock stolen by a
// stale takeover is left alone.
func (l *RunLock) Release() error {
	var current lockInfo
	if err := artifact.ReadJSON(l.path, &current); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read run lock on release: %w", err)
	}
	if current.Session != l.session {
		l.logger.Warn("run lock no longer ours, leaving in place", "owner", current.Session)
		return nil
	}
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("remove run lock: %w", err)
	}
	l.logger.Info("run lock released", "session", l.session)
	return nil
}
