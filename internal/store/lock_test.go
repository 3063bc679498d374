//go:build unix

package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInstanceLockAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.db")
	l := newInstanceLock(path)
	if err := l.acquire(100 * time.Millisecond); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	data, err := os.ReadFile(path + ".lock")
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "pid:") {
		t.Errorf("lock file missing holder info: %q", data)
	}

	if err := l.release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := l.release(); err != nil {
		t.Errorf("double release: %v", err)
	}
}

func TestInstanceLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.db")
	first := newInstanceLock(path)
	if err := first.acquire(100 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	defer first.release()

	second := newInstanceLock(path)
	start := time.Now()
	err := second.acquire(50 * time.Millisecond)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("acquire gave up before the timeout")
	}
	if !strings.Contains(err.Error(), "pid:") {
		t.Errorf("error should name the holder: %v", err)
	}

	first.release()
	if err := second.acquire(100 * time.Millisecond); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
	second.release()
}

func TestReadHolderUnknown(t *testing.T) {
	l := newInstanceLock(filepath.Join(t.TempDir(), "missing.db"))
	if got := l.readHolder(); got != "unknown" {
		t.Errorf("readHolder = %q", got)
	}
}
