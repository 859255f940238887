package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	// Name of the advisory lock file guarding a dataset directory's mutating
	// cycles (scrape, export, download).
	datasetLockName = "reddit.lock"

	// Name of the advisory lock file held by a browse server for the
	// lifetime of its read snapshot.
	browseLockName = "reddit-browse.lock"
)

var (
	ErrDatasetLocked = errors.New("dataset is locked by another process")
)

// DatasetLock is an exclusive advisory lock on a dataset directory.  It is
// honored by convention: every mutating entry point must acquire it before
// touching the directory's state files, and release it when the cycle ends.
type DatasetLock struct {
	fl *flock.Flock
}

// AcquireLock attempts to take the exclusive lock file for a dataset
// directory.  Acquisition does not block: if another process (or another
// cycle in this process) holds the lock, ErrDatasetLocked is returned and
// the caller is expected to be re-invoked later rather than queue behind it.
//
// Parameters:
//   - dataDir: The dataset directory to lock (created if missing)
//   - name: Lock file name within the directory
//
// Returns:
//   - *DatasetLock: The held lock; callers must Release it
//   - error: ErrDatasetLocked on contention, or any filesystem error
func AcquireLock(dataDir string, name string) (*DatasetLock, error) {
	err := os.MkdirAll(dataDir, dataDirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}

	fl := flock.New(filepath.Join(dataDir, name))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetLocked, fl.Path())
	}
	return &DatasetLock{fl: fl}, nil
}

// Release drops the lock.  Releasing twice is harmless.
func (l *DatasetLock) Release() {
	if l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
	l.fl = nil
}
