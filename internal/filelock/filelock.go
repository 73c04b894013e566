// Package filelock provides a cross-process advisory lock scoped to a
// single pathname, used to serialize access to the on-disk registries.
package filelock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FileLock is a non-reentrant, cross-process advisory lock on path. Two
// processes can never hold the same path's lock simultaneously; within one
// process, callers must not re-enter — Lock blocks forever on a second call
// from the same goroutine, same as flock(2).
type FileLock struct {
	path string
	fd   int
}

// New opens path (which must already exist) for locking. It does not
// acquire the lock.
func New(path string) (*FileLock, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return &FileLock{path: path, fd: fd}, nil
}

// Lock blocks until the advisory lock on the underlying file is acquired.
func (l *FileLock) Lock() error {
	if err := unix.Flock(l.fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	return nil
}

// Unlock releases the lock. Safe to call even if Lock failed partway.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("funlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the underlying file descriptor. The lock is released
// implicitly by the kernel on close, but callers should still Unlock
// explicitly so the release happens at the end of the critical section,
// not at some later GC-driven point.
func (l *FileLock) Close() error {
	return unix.Close(l.fd)
}

// WithLock acquires the lock on path, runs fn, and releases the lock on
// every exit path including a panic inside fn. Callers must keep fn's
// critical section short — no network I/O while the lock is held.
func WithLock(path string, fn func() error) error {
	l, err := New(path)
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()

	return fn()
}
