package main_test

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"testing"

	main "redarc"

	"gotest.tools/assert"
)

func TestAcquireLockMutualExclusion(t *testing.T) {
	dir := t.TempDir()

	lock, err := main.AcquireLock(dir, "reddit.lock")
	assert.NilError(t, err)

	// A second holder is rejected immediately rather than queued.
	_, err = main.AcquireLock(dir, "reddit.lock")
	assert.Assert(t, errors.Is(err, main.ErrDatasetLocked))

	lock.Release()

	relocked, err := main.AcquireLock(dir, "reddit.lock")
	assert.NilError(t, err)
	relocked.Release()
}

func TestAcquireLockIndependentNames(t *testing.T) {
	dir := t.TempDir()

	dataset, err := main.AcquireLock(dir, "reddit.lock")
	assert.NilError(t, err)
	defer dataset.Release()

	// The browse lock is a different file and does not contend.
	browse, err := main.AcquireLock(dir, "reddit-browse.lock")
	assert.NilError(t, err)
	browse.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	lock, err := main.AcquireLock(dir, "reddit.lock")
	assert.NilError(t, err)
	lock.Release()
	lock.Release()

	relocked, err := main.AcquireLock(dir, "reddit.lock")
	assert.NilError(t, err)
	relocked.Release()
}
