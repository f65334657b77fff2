//go:build windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileLock is a non-blocking lock built on exclusive creation of a lock
// file. Creation fails while another process owns the lock.
type FileLock struct {
	path   string
	locked bool
}

// NewFileLock creates a FileLock for the given path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false if another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("open lock: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("close lock: %w", err)
	}
	l.locked = true
	return true, nil
}

// Unlock releases the lock by removing the lock file.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	l.locked = false
	return nil
}
