package main_test

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	main "redarc"

	"gotest.tools/assert"
)

func TestJsonStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	store, err := main.NewJsonStore(path)
	assert.NilError(t, err)
	assert.Equal(t, store.Len(), 0)

	err = store.Set("alpha", map[string]any{"title": "first", "count": 1})
	assert.NilError(t, err)

	value, ok := store.Get("alpha")
	assert.Assert(t, ok)
	assert.Equal(t, value["title"], "first")

	// Every mutation is durable immediately; a second store sees it.
	reopened, err := main.NewJsonStore(path)
	assert.NilError(t, err)
	value, ok = reopened.Get("alpha")
	assert.Assert(t, ok)
	assert.Equal(t, value["title"], "first")
}

func TestJsonStoreUpdateMergesFields(t *testing.T) {
	store, err := main.NewJsonStore(filepath.Join(t.TempDir(), "store.json"))
	assert.NilError(t, err)

	assert.NilError(t, store.Set("key", map[string]any{"a": "one", "b": "two"}))
	assert.NilError(t, store.Update("key", map[string]any{"b": "override", "c": "new"}))

	value, ok := store.Get("key")
	assert.Assert(t, ok)
	assert.Equal(t, value["a"], "one")
	assert.Equal(t, value["b"], "override")
	assert.Equal(t, value["c"], "new")

	// Update on an absent key creates it.
	assert.NilError(t, store.Update("fresh", map[string]any{"x": "y"}))
	_, ok = store.Get("fresh")
	assert.Assert(t, ok)
}

func TestJsonStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := main.NewJsonStore(path)
	assert.NilError(t, err)

	assert.NilError(t, store.Set("gone", map[string]any{"v": 1}))
	assert.NilError(t, store.Delete("gone"))

	_, ok := store.Get("gone")
	assert.Assert(t, !ok)

	reopened, err := main.NewJsonStore(path)
	assert.NilError(t, err)
	_, ok = reopened.Get("gone")
	assert.Assert(t, !ok)
}

func TestJsonStoreMergeOnSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	first, err := main.NewJsonStore(path)
	assert.NilError(t, err)
	second, err := main.NewJsonStore(path)
	assert.NilError(t, err)

	// Two handles on the same file write different keys; neither write may
	// clobber the other's entry.
	assert.NilError(t, first.Set("from-first", map[string]any{"v": "1"}))
	assert.NilError(t, second.Set("from-second", map[string]any{"v": "2"}))

	reopened, err := main.NewJsonStore(path)
	assert.NilError(t, err)
	_, ok := reopened.Get("from-first")
	assert.Assert(t, ok)
	_, ok = reopened.Get("from-second")
	assert.Assert(t, ok)
}

func TestJsonStoreDeleteSurvivesMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	store, err := main.NewJsonStore(path)
	assert.NilError(t, err)
	assert.NilError(t, store.Set("doomed", map[string]any{"v": 1}))
	assert.NilError(t, store.Set("keeper", map[string]any{"v": 2}))

	assert.NilError(t, store.Delete("doomed"))
	// A later save must not resurrect the deleted key from disk.
	assert.NilError(t, store.Set("keeper", map[string]any{"v": 3}))

	reopened, err := main.NewJsonStore(path)
	assert.NilError(t, err)
	_, ok := reopened.Get("doomed")
	assert.Assert(t, !ok)
}

func TestJsonStoreMissingAndMalformedFiles(t *testing.T) {
	dir := t.TempDir()

	// Missing file is an empty store.
	store, err := main.NewJsonStore(filepath.Join(dir, "absent.json"))
	assert.NilError(t, err)
	assert.Equal(t, store.Len(), 0)

	// Malformed file is an error, not silent data loss.
	badPath := filepath.Join(dir, "bad.json")
	assert.NilError(t, os.WriteFile(badPath, []byte("{not json"), 0644))
	_, err = main.NewJsonStore(badPath)
	assert.ErrorContains(t, err, "failed to parse store file")
}

func TestWriteAndFsyncFileRejectsUncleanPath(t *testing.T) {
	dir := t.TempDir()
	err := main.WriteAndFsyncFile(filepath.Join(dir, "sub")+"/../escape", []byte("x"))
	assert.Assert(t, errors.Is(err, main.ErrInvalidFilePath))
}
