// Package lockfile guards a state directory against a second DispatchPipe process.
//
// The lock is an flock(2) on a file inside the directory, so the kernel drops it
// when the holder exits, cleanly or not.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created inside the guarded directory.
const LockFileName = "dispatchpipe.lock"

// ErrNotHeld is returned by Release on a lock that was already released.
var ErrNotHeld = errors.New("lock not held")

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID     int
	Started time.Time
}

func (o Owner) String() string {
	if o.PID == 0 {
		return "unknown process"
	}
	s := "PID " + strconv.Itoa(o.PID)
	if !o.Started.IsZero() {
		s += " since " + o.Started.Format(time.RFC3339)
	}
	if processAlive(o.PID) {
		return s + " (running)"
	}
	return s + " (not running, stale lock)"
}

// Lock is a held directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the lock for dir, creating the directory if needed. It fails fast with a
// *LockError when another process holds it.
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	// O_TRUNC would wipe the owner record of a live holder, so truncate only after flock succeeds.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		owner := readOwner(path)
		slog.Error("lockfile.AcquireLock: state directory in use", "path", path, "owner", owner.String(), "error", err)
		return nil, &LockError{Path: path, Owner: owner, Cause: err}
	}

	if err := writeOwner(f, Owner{PID: os.Getpid(), Started: time.Now().UTC()}); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("failed to record owner in %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. A second call returns ErrNotHeld.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return ErrNotHeld
	}
	// Remove before unlocking so a waiting process never locks a file that is about to vanish.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release: released", "path", l.path)
	return err
}

// LockError reports a directory already locked by another process.
type LockError struct {
	Path  string
	Owner Owner
	Cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("state directory is locked by another DispatchPipe instance (%s); "+
		"if that process is gone, remove %s and retry", e.Owner, e.Path)
}

func (e *LockError) Unwrap() error { return e.Cause }

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "pid=%d\nstarted=%s\n", o.PID, o.Started.Format(time.RFC3339)); err != nil {
		return err
	}
	return f.Sync()
}

func readOwner(path string) Owner {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}
	}
	return parseOwner(string(data))
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				o.Started = ts
			}
		}
	}
	return o
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
