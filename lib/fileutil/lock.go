// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package fileutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is an exclusive flock(2) held on a lock file. flock locks belong
// to the open file description, so two Locks on the same path conflict
// even inside one process.
type Lock struct {
	file *os.File
}

// AcquireLock opens (creating if needed) the lock file at path and
// blocks until an exclusive lock is held. Interrupted waits are
// retried.
func AcquireLock(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &Lock{file: file}, nil
}

// TryLock is AcquireLock without blocking. It reports false when
// another holder has the lock.
func TryLock(path string) (*Lock, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("locking %s: %w", path, err)
	}
	return &Lock{file: file}, true, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlocking: %w", unlockErr)
	}
	return closeErr
}
