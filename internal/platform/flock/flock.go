// Package flock wraps OS advisory file locks for cross-process coordination.
//
// Locks are advisory: every process touching the shared snapshot must go
// through the same sidecar lock file. The lock file's content is irrelevant;
// only the file handle matters.
package flock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when a non-blocking acquisition finds the lock held
// by another process.
var ErrLocked = errors.New("flock: lock is held")

// Lock holds an acquired advisory lock until released.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) the lock file at path and takes an
// advisory lock on it. With exclusive=false a shared lock is taken. With
// block=false the attempt never waits and returns ErrLocked on contention.
func Acquire(path string, exclusive, block bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if !block {
		how |= unix.LOCK_NB
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the underlying file. Safe on nil.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	// Closing the descriptor releases the flock; unlock first anyway so the
	// lock is dropped even if the close is delayed by a dup'd descriptor.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}
