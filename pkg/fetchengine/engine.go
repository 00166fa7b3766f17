// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Settings configures an Engine.
type Settings struct {
	Concurrency     int
	HashWorkers     int
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	ResumeThreshold int64
	StatePath       string
	Token           string
	TLSConfig       *tls.Config
}

// DefaultSettings returns the engine's baseline configuration.
func DefaultSettings() Settings {
	return Settings{
		Concurrency:     8,
		HashWorkers:     4,
		MaxAttempts:     5,
		BackoffInitial:  400 * time.Millisecond,
		BackoffMax:      10 * time.Second,
		ResumeThreshold: DefaultResumeThreshold,
	}
}

// Engine is the embedder-facing façade over the manifest download engine:
// load a manifest, point it at a root directory, select entries, start,
// subscribe to progress/log events, and read back statistics.
type Engine struct {
	settings Settings

	mu       sync.Mutex
	manifest *Manifest
	root     string
	store    *StateStore
	selected []string

	transport Transport
	verifier  *Verifier
	coord     *Coordinator

	pendingProgress ProgressFunc
	pendingLog      LogFunc

	cancel context.CancelFunc
}

// NewEngine creates an Engine with the given settings (use DefaultSettings
// as a base and override selectively).
func NewEngine(settings Settings) (*Engine, error) {
	store, err := OpenStateStore(settings.StatePath)
	if err != nil {
		return nil, err
	}
	return &Engine{
		settings: settings,
		store:    store,
		verifier: NewVerifier(4096),
	}, nil
}

// LoadManifest parses and merges data against the engine's persisted
// state, returning the names added/preserved/removed by the merge. Entries
// absent from the new manifest are reported in removed but, unless prune
// is true, their records stay in the state store rather than being
// deleted.
func (e *Engine) LoadManifest(data []byte, prune bool) (added, preserved, removed []string, err error) {
	m, err := ParseManifest(data)
	if err != nil {
		return nil, nil, nil, err
	}

	e.mu.Lock()
	e.manifest = m
	added, preserved, removed = e.store.MergeManifest(m, prune)
	e.mu.Unlock()

	if err := e.store.Checkpoint(true); err != nil {
		return added, preserved, removed, err
	}
	return added, preserved, removed, nil
}

// SetDownloadRoot sets the directory files are downloaded into.
func (e *Engine) SetDownloadRoot(root string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.root = root
}

// Select restricts the next Start to the named manifest entries. An empty
// or nil names selects every entry in the loaded manifest.
func (e *Engine) Select(names []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manifest == nil {
		return ErrMissingManifest
	}
	if len(names) == 0 {
		e.selected = e.manifest.Names()
		return nil
	}
	for _, n := range names {
		if _, ok := e.manifest.Entries[n]; !ok {
			return ErrUnknownEntry
		}
	}
	e.selected = names
	return nil
}

// Subscribe installs the progress and log callbacks used for the next
// Start. Neither callback may block.
func (e *Engine) Subscribe(progress ProgressFunc, log LogFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coord != nil {
		return
	}
	e.pendingProgress = progress
	e.pendingLog = log
}

// Start begins downloading the current selection and blocks until the
// batch completes or ctx is cancelled. Safe to call once per Engine; call
// Cancel (or cancel the ctx passed here) to stop early.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.manifest == nil {
		e.mu.Unlock()
		return ErrMissingManifest
	}
	if e.root == "" {
		e.mu.Unlock()
		return ErrMissingRoot
	}
	names := e.selected
	if len(names) == 0 {
		names = e.manifest.Names()
	}
	entries := make([]ManifestEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, e.manifest.Entries[n])
	}

	stats := e.manifest.Stats()
	transport, err := NewHTTPTransport(e.settings.Token, stats, e.settings.TLSConfig)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.transport = transport

	coord := NewCoordinator(e.transport, e.verifier, e.store, CoordinatorConfig{
		Concurrency:     e.settings.Concurrency,
		HashWorkers:     e.settings.HashWorkers,
		MaxAttempts:     e.settings.MaxAttempts,
		BackoffInitial:  e.settings.BackoffInitial,
		BackoffMax:      e.settings.BackoffMax,
		ResumeThreshold: e.settings.ResumeThreshold,
		Progress:        e.pendingProgress,
		Log:             e.pendingLog,
	})
	e.coord = coord
	root := e.root
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	return coord.Run(runCtx, root, entries)
}

// Cancel cooperatively stops an in-flight Start.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Statistics returns the most recent Coordinator's aggregate counters.
// Before Start has been called it returns an empty Statistics whose
// StatusCounts is a non-nil empty map.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coord == nil {
		return Statistics{StatusCounts: map[Status]int{}}
	}
	return e.coord.Statistics()
}

// Close flushes the state store and releases transport resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	transport := e.transport
	e.mu.Unlock()
	if transport != nil {
		transport.CloseIdle()
	}
	return e.store.Checkpoint(true)
}

// localFilePath maps a manifest entry name to its destination path under
// root, rejecting path traversal by confining the result to root.
func localFilePath(root, name string) string {
	cleaned := filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	return filepath.Join(root, cleaned)
}
