package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
)

func writeLock(t *testing.T, root string, lock RunLock) {
	t.Helper()
	data, err := json.Marshal(lock)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(root, LockFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func TestAcquireAndReleaseRunLock(t *testing.T) {
	root := t.TempDir()

	lockPath, err := AcquireRunLock(root, "mend-heal", "test")
	if err != nil {
		t.Fatalf("AcquireRunLock failed: %v", err)
	}
	if lockPath != filepath.Join(root, LockFile) {
		t.Errorf("unexpected lock path %s", lockPath)
	}

	lock, err := ReadRunLock(root)
	if err != nil {
		t.Fatalf("ReadRunLock failed: %v", err)
	}
	if lock.PID != os.Getpid() || lock.Holder != "mend-heal" || lock.Version != "test" {
		t.Errorf("unexpected lock contents: %+v", lock)
	}

	// Held by this (live) process
	_, err = AcquireRunLock(root, "mend-heal", "test")
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	if err := ReleaseRunLock(lockPath); err != nil {
		t.Fatalf("ReleaseRunLock failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed")
	}
	if err := ReleaseRunLock(lockPath); err != nil {
		t.Errorf("second release should be a no-op: %v", err)
	}
	if err := ReleaseRunLock(""); err != nil {
		t.Errorf("empty path should be a no-op: %v", err)
	}
}

func TestAcquireRunLockReplacesStaleLock(t *testing.T) {
	root := t.TempDir()
	hostname, err := os.Hostname()
	if err != nil {
		t.Skip("hostname unavailable")
	}
	writeLock(t, root, RunLock{Holder: "old", PID: 0, Hostname: hostname, StartedAt: time.Now()})

	lockPath, err := AcquireRunLock(root, "new", "test")
	if err != nil {
		t.Fatalf("stale lock should be replaced: %v", err)
	}
	defer ReleaseRunLock(lockPath)

	lock, err := ReadRunLock(root)
	if err != nil {
		t.Fatalf("ReadRunLock failed: %v", err)
	}
	if lock.Holder != "new" {
		t.Errorf("expected new holder, got %s", lock.Holder)
	}
}

func TestAcquireRunLockReplacesCorruptLock(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, LockFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	lockPath, err := AcquireRunLock(root, "mend", "test")
	if err != nil {
		t.Fatalf("corrupt lock should be replaced: %v", err)
	}
	_ = ReleaseRunLock(lockPath)
}

func TestAcquireRunLockRespectsRemoteHolder(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, RunLock{Holder: "remote", PID: 1, Hostname: "some-other-host.invalid", StartedAt: time.Now()})

	_, err := AcquireRunLock(root, "mend", "test")
	if !errors.Is(err, ErrLocked) {
		t.Errorf("lock held on another host should be respected, got %v", err)
	}
}

func TestIsProcessAlive(t *testing.T) {
	hostname, err := os.Hostname()
	if err != nil {
		t.Skip("hostname unavailable")
	}
	if !isProcessAlive(os.Getpid(), hostname) {
		t.Error("current process should be alive")
	}
	if isProcessAlive(0, hostname) {
		t.Error("pid 0 should not count as alive")
	}
	if !isProcessAlive(12345, "another-host.invalid") {
		t.Error("remote processes are assumed alive")
	}
}
