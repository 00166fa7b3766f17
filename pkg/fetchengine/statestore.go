// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// stateFileVersion is bumped whenever the on-disk schema changes in a way
// that is not backward compatible.
const stateFileVersion = 1

// checkpointCoalesceInterval bounds how often the State Store rewrites its
// file when asked to checkpoint repeatedly in a tight loop.
const checkpointCoalesceInterval = time.Second

// stateFile is the JSON document persisted to disk.
type stateFile struct {
	Version int                       `json:"version"`
	Records map[string]*ProgressRecord `json:"records"`
}

// StateStore is the engine's durable progress ledger. The only durability
// barrier is an atomic rename: every checkpoint writes to a temp file in
// the same directory and renames over the target.
type StateStore struct {
	path string

	mu            sync.Mutex
	records       map[string]*ProgressRecord
	lastCheckpoint time.Time
	dirty         bool
}

// DefaultStatePath returns the platform-appropriate fallback location for
// the state file when the caller does not specify one explicitly: the
// user cache directory (falling back to the user config directory, then
// the working directory) under "bulkfetch/state.json".
func DefaultStatePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "bulkfetch", "state.json")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "bulkfetch", "state.json")
	}
	return filepath.Join(".", "bulkfetch-state.json")
}

// OpenStateStore loads path if it exists, healing any InProgress record
// back to Pending (a process restart means no goroutine is still writing
// that file, so InProgress can never be trusted across a load).
func OpenStateStore(path string) (*StateStore, error) {
	if path == "" {
		path = DefaultStatePath()
	}
	s := &StateStore{path: path, records: make(map[string]*ProgressRecord)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &StateStoreError{Path: path, Op: "load", Err: err}
	}
	if len(data) == 0 {
		return s, nil
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, &StateStoreError{Path: path, Op: "load", Err: err}
	}
	if sf.Version > stateFileVersion {
		return nil, &StateStoreError{Path: path, Op: "load", Err: ErrStateVersionTooNew}
	}

	for name, rec := range sf.Records {
		if rec.Status == StatusInProgress {
			rec.Status = StatusPending
		}
		s.records[name] = rec
	}
	return s, nil
}

// MergeManifest reconciles the loaded state against a freshly parsed
// manifest: entries present in both are preserved (their progress carries
// over, except that a changed URL or digest resets the record's status to
// Pending and its verification to Unverified); entries new to the manifest
// are added as Pending. Entries no
// longer in the manifest are always reported in removed, but are only
// actually dropped from the store when prune is true; otherwise their
// records are retained (so a manifest trimmed by mistake, or a
// temporarily narrowed selection, doesn't lose download history). Returns
// the added/preserved/removed name sets for the caller to log or report.
func (s *StateStore) MergeManifest(m *Manifest, prune bool) (added, preserved, removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, entry := range m.Entries {
		if rec, ok := s.records[name]; ok {
			if rec.URL != entry.URL || rec.ExpectedDigest != entry.ExpectedDigest {
				rec.URL = entry.URL
				rec.ExpectedDigest = entry.ExpectedDigest
				rec.ExpectedSize = entry.ExpectedSize
				rec.Status = StatusPending
				rec.Verification = VerificationUnverified
			}
			preserved = append(preserved, name)
			continue
		}
		s.records[name] = &ProgressRecord{
			Name:           name,
			URL:            entry.URL,
			ExpectedDigest: entry.ExpectedDigest,
			ExpectedSize:   entry.ExpectedSize,
			Status:         StatusPending,
		}
		added = append(added, name)
	}

	for name := range s.records {
		if _, ok := m.Entries[name]; !ok {
			if prune {
				delete(s.records, name)
			}
			removed = append(removed, name)
		}
	}
	s.dirty = true
	return added, preserved, removed
}

// Get returns a copy of the record for name, or nil if unknown.
func (s *StateStore) Get(name string) *ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// All returns copies of every record, keyed by name.
func (s *StateStore) All() map[string]*ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*ProgressRecord, len(s.records))
	for name, rec := range s.records {
		cp := *rec
		out[name] = &cp
	}
	return out
}

// Update replaces the stored record for name and marks the store dirty.
func (s *StateStore) Update(name string, rec *ProgressRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[name] = &cp
	s.dirty = true
}

// Checkpoint persists the current state to disk via write-temp-then-rename,
// coalescing calls that arrive more often than checkpointCoalesceInterval
// unless force is true (used on Close/Cancel to guarantee a final flush).
func (s *StateStore) Checkpoint(force bool) error {
	s.mu.Lock()
	if !s.dirty && !force {
		s.mu.Unlock()
		return nil
	}
	if !force && time.Since(s.lastCheckpoint) < checkpointCoalesceInterval {
		s.mu.Unlock()
		return nil
	}
	sf := stateFile{Version: stateFileVersion, Records: make(map[string]*ProgressRecord, len(s.records))}
	for name, rec := range s.records {
		cp := *rec
		sf.Records[name] = &cp
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return &StateStoreError{Path: s.path, Op: "checkpoint", Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StateStoreError{Path: s.path, Op: "checkpoint", Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return &StateStoreError{Path: s.path, Op: "checkpoint", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StateStoreError{Path: s.path, Op: "checkpoint", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StateStoreError{Path: s.path, Op: "checkpoint", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StateStoreError{Path: s.path, Op: "checkpoint", Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &StateStoreError{Path: s.path, Op: "checkpoint", Err: err}
	}

	s.mu.Lock()
	s.dirty = false
	s.lastCheckpoint = time.Now()
	s.mu.Unlock()
	return nil
}
