package library

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

func TestLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l := NewLock(dir)
	if err := l.Acquire(false); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".library.lock"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock content = %q", data)
	}

	if err := l.Release(false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".library.lock")); !os.IsNotExist(err) {
		t.Fatal("lock file not removed")
	}
}

func TestLockConflictWithLiveProcess(t *testing.T) {
	dir := t.TempDir()
	// PID 1 is always alive.
	if err := os.WriteFile(filepath.Join(dir, ".library.lock"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLock(dir)
	err := l.Acquire(false)
	if apperr.KindOf(err) != apperr.KindLibrary {
		t.Fatalf("expected library error, got %v", err)
	}

	// Force takes over and rewrites the PID.
	if err := l.Acquire(true); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, ".library.lock"))
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock not overwritten: %q", data)
	}
}

func TestLockStaleHolderIsOverwritten(t *testing.T) {
	dir := t.TempDir()
	// A PID that cannot be running.
	if err := os.WriteFile(filepath.Join(dir, ".library.lock"), []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLock(dir)
	if err := l.Acquire(false); err != nil {
		t.Fatalf("stale lock not taken over: %v", err)
	}
}

func TestReleaseWithoutLockIsNoLock(t *testing.T) {
	l := NewLock(t.TempDir())
	err := l.Release(false)
	if !errors.Is(err, apperr.New(apperr.KindNoLock, "")) {
		t.Fatalf("expected NoLock, got %v", err)
	}
}

func TestReleaseForeignLockRequiresForce(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".library.lock"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLock(dir)
	if err := l.Release(false); apperr.KindOf(err) != apperr.KindLibrary {
		t.Fatalf("expected library error, got %v", err)
	}
	if err := l.Release(true); err != nil {
		t.Fatal(err)
	}
}
