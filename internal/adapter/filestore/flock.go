package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FileLock provides cross-process mutual exclusion using flock(2).
// The lock must be a kernel lock because the surface is shared between
// independent processes; an in-process mutex would not serialize them.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock at dir/name. Call Lock/Unlock to acquire
// and release.
func NewFileLock(dir, name string) *FileLock {
	return &FileLock{path: filepath.Join(dir, name)}
}

// Lock acquires an exclusive file lock, blocking until available.
// The lock file is created if it does not exist.
func (fl *FileLock) Lock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // G304: path built from surface root
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	fl.file = f

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		fl.file = nil
		return fmt.Errorf("flock: %w", err)
	}
	return nil
}

// Unlock releases the lock and closes the underlying file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	closeErr := fl.file.Close()
	fl.file = nil
	if err != nil {
		return fmt.Errorf("funlock: %w", err)
	}
	return closeErr
}
