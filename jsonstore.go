package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

const (
	// Directory permissions when creating dataset directories.
	dataDirPermissions = 0750
)

var (
	ErrInvalidFilePath = errors.New("invalid file path")
)

// JsonStore is a durable key-value store backed by a single JSON file on
// disk.  Values are flat JSON objects.  Every mutation is written through to
// disk before returning, so a value written by Set or Update is durable
// before the next Get in the same process.  Cross-process consistency is the
// caller's problem (see AcquireLock).
type JsonStore struct {
	path string

	mu      sync.Mutex
	data    map[string]map[string]any
	deleted map[string]struct{}
}

// NewJsonStore opens (or creates) a JSON store at the given file path.  A
// missing file is treated as an empty store; a malformed file is an error so
// we never silently clobber data we failed to read.
//
// Parameters:
//   - path: Path of the backing JSON file
//
// Returns:
//   - *JsonStore: The opened store
//   - error: Any error encountered while reading an existing file
func NewJsonStore(path string) (*JsonStore, error) {
	store := &JsonStore{
		path:    path,
		data:    make(map[string]map[string]any),
		deleted: make(map[string]struct{}),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	if len(raw) == 0 {
		return store, nil
	}

	err = json.Unmarshal(raw, &store.data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store file %s: %w", path, err)
	}
	if store.data == nil {
		store.data = make(map[string]map[string]any)
	}

	return store, nil
}

// Get returns the value stored under key and whether the key is present.
// The returned map is a copy; mutating it does not affect the store.
func (s *JsonStore) Get(key string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return maps.Clone(value), true
}

// Set stores value under key, replacing any existing value, and persists the
// store to disk.
func (s *JsonStore) Set(key string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = maps.Clone(value)
	delete(s.deleted, key)
	return s.save()
}

// Update shallow-merges partial into the existing value under key, creating
// the value if the key is absent, and persists the store to disk.
func (s *JsonStore) Update(key string, partial map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.data[key]
	if !ok {
		value = make(map[string]any)
		s.data[key] = value
	}
	maps.Copy(value, partial)
	delete(s.deleted, key)
	return s.save()
}

// Delete removes the value under key, if any, and persists the store to disk.
func (s *JsonStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	s.deleted[key] = struct{}{}
	return s.save()
}

// Len returns the number of keys in the store.
func (s *JsonStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// ToMap returns a snapshot copy of the full mapping.  Mutating the result
// does not affect the store.
func (s *JsonStore) ToMap() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]map[string]any, len(s.data))
	for key, value := range s.data {
		snapshot[key] = maps.Clone(value)
	}
	return snapshot
}

// Exit flushes the store to disk and releases it.  The store must not be
// used after Exit returns.
func (s *JsonStore) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.save()
	s.data = nil
	return err
}

// save persists the current mapping.  Callers must hold s.mu.
//
// Before writing, keys written to the file by another process since we
// loaded it are folded back in, so two stores pointed at the same file
// merge per key instead of the last writer wiping the other's entries.
// Keys this store deleted stay deleted.
func (s *JsonStore) save() error {
	if s.data == nil {
		return nil
	}

	if existing, err := os.ReadFile(s.path); err == nil && len(existing) > 0 {
		var onDisk map[string]map[string]any
		if json.Unmarshal(existing, &onDisk) == nil {
			for key, value := range onDisk {
				if _, ours := s.data[key]; ours {
					continue
				}
				if _, gone := s.deleted[key]; gone {
					continue
				}
				s.data[key] = value
			}
		}
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		// Maps of JSON-decoded values always marshal.  An error here means a
		// caller stored something unmarshalable, which breaks the store's
		// basic contract.
		fatalInvariant(err)
	}
	return writeFileAtomic(s.path, raw)
}

// writeFileAtomic writes data to path via a fsynced temp file and rename, so
// readers never observe a partially written file.
//
// Parameters:
//   - path: The target file path
//   - data: The byte data to write
//
// Returns:
//   - error: Any error encountered during write, sync or rename
func writeFileAtomic(path string, data []byte) error {
	err := os.MkdirAll(filepath.Dir(path), dataDirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	err = WriteAndFsyncFile(tmpPath, data)
	if err != nil {
		return err
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		return fmt.Errorf("failed to finalize file save: %w", err)
	}
	return nil
}

// WriteAndFsyncFile writes data to a file and fsyncs it to disk.  fsync is
// required to ensure ordering: JSON state files must be fully written before
// any marker that references them.  In case of an interruption this ensures
// the data will be complete, or the rename won't have happened and the old
// contents survive.
//
// Parameters:
//   - filePath: The target file path where data should be written
//   - data: The byte data to write to the file
//
// Returns:
//   - error: Any error encountered during file creation, writing, or syncing
func WriteAndFsyncFile(filePath string, data []byte) error {
	// Prevent directory traversal attacks.
	// This should never happen because of the way we construct file paths, but check anyway.
	if filePath != filepath.Clean(filePath) {
		return fmt.Errorf("%w: %s", ErrInvalidFilePath, filePath)
	}

	fh, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = fh.Close() }()

	_, err = fh.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	err = fh.Sync()
	if err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return nil
}

// removeIfExists deletes the file at path, treating a missing file as
// success.
func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
