package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Unexpected lock path %s", lock.Path())
	}
	holder := ReadHolder(lock.Path())
	if holder.PID != os.Getpid() || !holder.Running {
		t.Errorf("Expected record for this process, got %+v", holder)
	}
	if holder.AcquiredAt.IsZero() || time.Since(holder.AcquiredAt) > time.Minute {
		t.Errorf("Unexpected acquired time %v", holder.AcquiredAt)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("Expected second Acquire to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got %v", err)
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("Expected holder pid %d, got %d", os.Getpid(), lockErr.Holder.PID)
	}
	if !strings.Contains(err.Error(), LockFileName) {
		t.Errorf("Error should name the lock file: %v", err)
	}

	// The failed attempt must not clobber the holder's record.
	if h := ReadHolder(first.Path()); h.PID != os.Getpid() {
		t.Errorf("Holder record was overwritten: %+v", h)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed, stat err %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Second Release should be a no-op, got %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Reacquire failed: %v", err)
	}
	again.Release()
}

func TestStaleRecordIsReplaced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(path, []byte("pid=999999999\nacquired=2020-01-01T00:00:00Z\nextra-long-trailing-line\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire over a stale file failed: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "extra") || strings.Contains(string(data), "2020") {
		t.Errorf("Stale record not replaced: %q", data)
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		content string
		pid     int
		hasTime bool
	}{
		{"pid=42\nacquired=2026-03-01T12:00:00Z\n", 42, true},
		{"pid=42\n", 42, false},
		{"pid=abc\n", 0, false},
		{"pid=-3\n", 0, false},
		{"garbage", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		h := parseRecord(tt.content)
		if h.PID != tt.pid || h.AcquiredAt.IsZero() == tt.hasTime {
			t.Errorf("parseRecord(%q) = %+v", tt.content, h)
		}
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("Unexpected %q", got)
	}
	h := Holder{PID: 7, Running: true, AcquiredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if got := h.String(); got != "pid 7 since 2026-03-01T12:00:00Z (running)" {
		t.Errorf("Unexpected %q", got)
	}
	if got := (Holder{PID: 7}).String(); !strings.Contains(got, "stale") {
		t.Errorf("Expected stale marker, got %q", got)
	}
}

func TestReadHolderMissingFile(t *testing.T) {
	if h := ReadHolder(filepath.Join(t.TempDir(), "absent.lock")); h.PID != 0 {
		t.Errorf("Expected zero holder, got %+v", h)
	}
}
