// Package runlock provides the host-wide filesystem run lock. At most one
// pipeline process may hold it; the lock file carries the owning PID so a
// reaper can clear locks left behind by dead processes.
package runlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultPath is the well-known lock file location relative to the
// working directory.
const DefaultPath = "runtime/global_run.lock"

// DefaultStaleThreshold is how long a lock must have existed before a
// dead-owner reap may fire. The delay bounds the PID-reuse race.
const DefaultStaleThreshold = 4 * time.Hour

// Lock is a filesystem-backed exclusive lock.
type Lock struct {
	path       string
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a lock handle for path with the default stale threshold.
// The lock itself is acquired with TryAcquire.
func New(path string) *Lock {
	return NewWithThreshold(path, DefaultStaleThreshold)
}

// NewWithThreshold creates a lock handle whose dead-owner reap fires only
// once the lock file is older than staleAfter.
func NewWithThreshold(path string, staleAfter time.Duration) *Lock {
	if path == "" {
		path = DefaultPath
	}
	return &Lock{path: path, staleAfter: staleAfter, now: time.Now}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// StaleThreshold returns how old a dead-owner lock must be before
// ReapIfStale clears it.
func (l *Lock) StaleThreshold() time.Duration {
	return l.staleAfter
}

// TryAcquire attempts to take the lock for pid. When the lock is already
// held it returns held=false and the holder's PID (0 if unreadable).
func (l *Lock) TryAcquire(pid int) (held bool, holder int, err error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, 0, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := fmt.Fprintf(f, "%d\n", pid)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(l.path)
			return false, 0, fmt.Errorf("failed to write lock file %s: %w", l.path, err)
		}
		return true, pid, nil
	}
	if !os.IsExist(err) {
		return false, 0, fmt.Errorf("failed to create lock file %s: %w", l.path, err)
	}

	holder, _ = l.Holder()
	return false, holder, nil
}

// Holder returns the PID recorded in the lock file. Returns 0 when the file
// is missing or unreadable.
func (l *Lock) Holder() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read lock file %s: %w", l.path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s has no valid PID: %w", l.path, err)
	}
	return pid, nil
}

// Release removes the lock file. Releasing an absent lock is not an error.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}

// ReapIfStale clears the lock when its recorded PID is no longer alive and
// the lock file is older than the stale threshold. Returns the reaped PID,
// or 0 when the lock is absent, its owner lives, or it is too young.
func (l *Lock) ReapIfStale() (int, error) {
	pid, err := l.Holder()
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, nil
	}
	if PIDAlive(pid) {
		return 0, nil
	}
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat lock file %s: %w", l.path, err)
	}
	if l.now().Sub(info.ModTime()) < l.staleAfter {
		return 0, nil
	}
	if err := l.Release(); err != nil {
		return 0, err
	}
	return pid, nil
}

// PIDAlive probes whether a process with pid exists. Signal 0 performs the
// existence check without delivering anything; EPERM still means alive.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
