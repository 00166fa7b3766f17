// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CoordinatorConfig bundles the Download Coordinator's tunables.
type CoordinatorConfig struct {
	Concurrency     int
	HashWorkers     int
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	ResumeThreshold int64
	Progress        ProgressFunc
	Log             LogFunc
}

// Coordinator runs a batch of manifest entries to completion, admitting
// work through a weighted semaphore so CPU-bound hashing never starves
// I/O-bound transfer goroutines, and aggregating Statistics as tasks
// complete. Built on errgroup.Group/semaphore.Weighted for structured
// cancellation.
type Coordinator struct {
	transport Transport
	verifier  *Verifier
	store     *StateStore
	cfg       CoordinatorConfig

	ioSem   *semaphore.Weighted
	hashSem *semaphore.Weighted

	startedAt time.Time

	rawBytes     atomic.Int64
	decodedBytes atomic.Int64
	h2Requests   atomic.Int64
	h1Requests   atomic.Int64

	mu           sync.Mutex
	statusCounts map[Status]int
}

// NewCoordinator wires a Coordinator over a shared Transport, Verifier and
// StateStore.
func NewCoordinator(transport Transport, verifier *Verifier, store *StateStore, cfg CoordinatorConfig) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = 4
	}
	return &Coordinator{
		transport:    transport,
		verifier:     verifier,
		store:        store,
		cfg:          cfg,
		ioSem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		hashSem:      semaphore.NewWeighted(int64(cfg.HashWorkers)),
		statusCounts: make(map[Status]int),
	}
}

// Run admits entries for download, smallest-expected-size first (with a
// stable name tiebreak) so small files complete quickly and free pool
// slots for the larger ones. Cancelling ctx cooperatively
// rewinds any still-InProgress record back to Pending rather than leaving
// it stuck.
func (c *Coordinator) Run(ctx context.Context, root string, entries []ManifestEntry) error {
	c.startedAt = time.Now()

	ordered := make([]ManifestEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ExpectedSize != ordered[j].ExpectedSize {
			return ordered[i].ExpectedSize < ordered[j].ExpectedSize
		}
		return ordered[i].Name < ordered[j].Name
	})

	progress := c.wrapProgress()
	for _, entry := range ordered {
		if rec := c.store.Get(entry.Name); rec != nil && rec.Status == StatusCompleted {
			continue
		}
		progress(ProgressEvent{Time: time.Now(), Event: "file_queued", Name: entry.Name, Total: entry.ExpectedSize})
	}

	task := NewFileTask(c.transport, c.verifier, FileTaskConfig{
		MaxAttempts:     c.cfg.MaxAttempts,
		BackoffInitial:  c.cfg.BackoffInitial,
		BackoffMax:      c.cfg.BackoffMax,
		ResumeThreshold: c.cfg.ResumeThreshold,
		Progress:        c.wrapProgress(),
		Log:             c.cfg.Log,
		HashSem:         c.hashSem,
	})

	g, gctx := errgroup.WithContext(ctx)

	for _, entry := range ordered {
		entry := entry
		if err := c.ioSem.Acquire(gctx, 1); err != nil {
			break // context cancelled; stop admitting new work
		}

		g.Go(func() error {
			defer c.ioSem.Release(1)
			return c.runOne(gctx, task, root, entry)
		})
	}

	err := g.Wait()
	_ = c.store.Checkpoint(true)
	return err
}

func (c *Coordinator) runOne(ctx context.Context, task *FileTask, root string, entry ManifestEntry) error {
	rec := c.store.Get(entry.Name)
	if rec == nil {
		rec = &ProgressRecord{Name: entry.Name, URL: entry.URL, ExpectedDigest: entry.ExpectedDigest, ExpectedSize: entry.ExpectedSize}
	}
	if rec.Status == StatusCompleted {
		c.recordStatus(StatusCompleted)
		return nil
	}

	localPath := localFilePath(root, entry.Name)
	rec.LocalPath = localPath

	runErr := task.Run(ctx, entry, localPath, rec)
	c.store.Update(entry.Name, rec)
	_ = c.store.Checkpoint(false)

	c.recordStatus(rec.Status)
	c.accumulate(rec)

	if runErr != nil && runErr != ErrCancelled {
		// A single file's terminal failure does not abort the batch;
		// only context cancellation does (propagated through gctx).
		return nil
	}
	return nil
}

func (c *Coordinator) accumulate(rec *ProgressRecord) {
	c.decodedBytes.Add(rec.BytesDownloaded)
	if rec.RawBytes > 0 {
		c.rawBytes.Add(rec.RawBytes)
	} else {
		// No transfer ran this attempt (e.g. verify-only on an
		// already-complete part file); the wire byte count is unknown, so
		// fall back to the decoded total rather than undercounting.
		c.rawBytes.Add(rec.BytesDownloaded)
	}
	switch rec.Protocol {
	case "h2":
		c.h2Requests.Add(1)
	case "h1":
		c.h1Requests.Add(1)
	}
}

func (c *Coordinator) recordStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCounts[s]++
}

// wrapProgress substitutes a no-op callback when the caller didn't supply
// one, so FileTask never needs to nil-check before emitting.
func (c *Coordinator) wrapProgress() ProgressFunc {
	if c.cfg.Progress == nil {
		return func(ProgressEvent) {}
	}
	return c.cfg.Progress
}

// Statistics returns a snapshot of the coordinator's aggregate counters.
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	counts := make(map[Status]int, len(c.statusCounts))
	for k, v := range c.statusCounts {
		counts[k] = v
	}
	c.mu.Unlock()

	tstats := c.transport.Stats()
	return Statistics{
		RawBytesTransferred:     c.rawBytes.Load(),
		DecodedBytesTransferred: c.decodedBytes.Load(),
		Elapsed:                 time.Since(c.startedAt),
		H2Requests:              tstats.H2Requests,
		H1Requests:              tstats.H1Requests,
		ConnectionReuseRatio:    tstats.ConnectionReuseRatio,
		CompressionRatio:        CompressionRatio(c.rawBytes.Load(), c.decodedBytes.Load()),
		StatusCounts:            counts,
	}
}
