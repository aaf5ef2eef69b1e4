package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	json "github.com/json-iterator/go"
)

// LockFile is the run lock location relative to the repository root
const LockFile = ".mend/.lock"

// ErrLocked is returned when another live process holds the run lock
var ErrLocked = errors.New("another mend run holds the repository lock")

// RunLock is the lock file format. Git HEAD and branch mutation are not
// safe under concurrent writers, so one run per repository holds it.
type RunLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// AcquireRunLock claims the run lock for root. A lock left behind by a dead
// process on this host is replaced. Returns the lock file path for
// ReleaseRunLock.
func AcquireRunLock(root, holder, version string) (string, error) {
	lockPath := filepath.Join(root, LockFile)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create lock directory: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(RunLock{
		Holder:    holder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	// Two attempts: the second follows removal of a stale lock
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(lockPath)
				return "", fmt.Errorf("failed to write run lock: %w", errors.Join(werr, cerr))
			}
			return lockPath, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create run lock: %w", err)
		}

		existing, rerr := ReadRunLock(root)
		if rerr == nil && isProcessAlive(existing.PID, existing.Hostname) {
			return "", fmt.Errorf("%w (PID %d on %s, started %s)", ErrLocked,
				existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
		// Stale or unreadable lock
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove stale run lock: %w", err)
		}
	}
	return "", ErrLocked
}

// ReadRunLock returns the current lock holder for root
func ReadRunLock(root string) (*RunLock, error) {
	data, err := os.ReadFile(filepath.Join(root, LockFile))
	if err != nil {
		return nil, err
	}
	var lock RunLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse run lock: %w", err)
	}
	return &lock, nil
}

// ReleaseRunLock removes the lock file. Should be called on shutdown (use defer).
func ReleaseRunLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run lock: %w", err)
	}
	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given
// hostname. Processes on other hosts cannot be checked and count as alive.
func isProcessAlive(pid int, hostname string) bool {
	if pid <= 0 {
		return false
	}
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means it exists but belongs to someone else
	return errors.Is(err, syscall.EPERM)
}
