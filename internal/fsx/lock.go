package fsx

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLockBusy is returned when a file lock is already held by another
// process. Mirrors the teacher's slotcache.ErrBusy for the same condition.
var ErrLockBusy = errors.New("fsx: lock busy")

// FileLock is an exclusive, non-blocking OS file lock acquired via flock(2).
// It enforces spec.md's "WAL is exclusive: at most one writer per table per
// process; multi-process writers are rejected via an OS file lock on open."
type FileLock struct {
	file *os.File
}

// TryLockExclusive acquires an exclusive, non-blocking lock on path+".lock",
// creating the lock file if necessary. Returns [ErrLockBusy] on contention.
//
// Grounded on pkg/slotcache/writer_lock.go's acquireWriterLock.
func TryLockExclusive(path string) (*FileLock, error) {
	lockPath := path + ".lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %q: %w", lockPath, err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrLockBusy
		}

		return nil, fmt.Errorf("flock %q: %w", lockPath, err)
	}

	return &FileLock{file: f}, nil
}

// Close releases the lock. The lock file itself is left on disk, matching
// the teacher's "does not delete the lock file" contract.
func (l *FileLock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)

	return l.file.Close()
}
