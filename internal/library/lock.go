package library

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
	"github.com/normalerweise/icloud-photos-sync/internal/config"
)

// Lock is the advisory process lock on a data directory. The lock file
// contains the holder's PID in ASCII decimal.
type Lock struct {
	path string
	pid  int
}

// NewLock returns an unacquired lock for the data directory.
func NewLock(dataDir string) *Lock {
	return &Lock{
		path: filepath.Join(dataDir, config.LockFileName),
		pid:  os.Getpid(),
	}
}

// Acquire takes the lock. A lock held by a live foreign process fails with
// a LibraryError unless force is set; a lock whose holder is no longer
// running is treated as stale and overwritten.
func (l *Lock) Acquire(force bool) error {
	holder, err := l.read()
	if err != nil {
		return err
	}
	if holder != 0 && holder != l.pid && !force {
		if processAlive(holder) {
			return apperr.Newf(apperr.KindLibrary, "library locked by PID %d", holder).
				With("lock_file", l.path)
		}
		// Holder is gone; the previous run crashed without releasing.
		slog.Warn("taking over stale library lock", "pid", holder, "lock_file", l.path)
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(l.pid)), 0o644); err != nil {
		return apperr.Wrap(apperr.KindLibrary, "write lock file", err)
	}
	return nil
}

// Release removes the lock. Releasing a lock held by another live process
// fails unless force is set; releasing when no lock exists is a NoLock
// error so callers can distinguish double-release from conflict.
func (l *Lock) Release(force bool) error {
	holder, err := l.read()
	if err != nil {
		return err
	}
	if holder == 0 {
		return apperr.New(apperr.KindNoLock, "no library lock to release")
	}
	if holder != l.pid && !force {
		return apperr.Newf(apperr.KindLibrary, "library locked by PID %d", holder).
			With("lock_file", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		return apperr.Wrap(apperr.KindLibrary, "remove lock file", err)
	}
	return nil
}

// read returns the PID in the lock file, 0 when absent.
func (l *Lock) read() (int, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.KindLibrary, "read lock file", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindLibrary, fmt.Sprintf("malformed lock file %s", l.path), err)
	}
	return pid, nil
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM: the process exists but belongs to another user.
	return err == nil || errors.Is(err, syscall.EPERM)
}
