// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"
)

// partSuffix names the sibling file a File Task streams into before the
// atomic rename that is the engine's sole durability barrier.
const partSuffix = ".part"

// speedSmoothingFactor is the EWMA weight given to the most recent sample.
const speedSmoothingFactor = 0.3

// progressEmitInterval caps how often a running transfer reports progress.
const progressEmitInterval = 100 * time.Millisecond

// retryBackoff implements exponential backoff with jitter for transient
// transport failures.
type retryBackoff struct {
	next   time.Duration
	max    time.Duration
	mult   float64
	jitter time.Duration
}

func newRetryBackoff(initial, max time.Duration) *retryBackoff {
	if initial <= 0 {
		initial = 400 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	return &retryBackoff{next: initial, max: max, mult: 1.6, jitter: 150 * time.Millisecond}
}

func (b *retryBackoff) Next() time.Duration {
	d := b.next + time.Duration(rand.Int64N(int64(b.jitter)+1))
	b.next = time.Duration(float64(b.next) * b.mult)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// FileTaskConfig bundles the knobs a File Task needs from the coordinator.
type FileTaskConfig struct {
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	ResumeThreshold int64
	Progress        ProgressFunc
	Log             LogFunc
	// HashSem gates digest computation onto a small worker pool so
	// sustained CPU-bound hashing cannot starve the I/O-driving
	// goroutines sharing the same process. Nil disables gating.
	HashSem *semaphore.Weighted
}

// FileTask drives one manifest entry through its lifecycle: probe, plan,
// transfer (fresh or resumed), verify, and the retry policy around
// transient failures.
type FileTask struct {
	transport Transport
	verifier  *Verifier
	cfg       FileTaskConfig
}

// NewFileTask builds a File Task bound to a shared Transport and Verifier.
func NewFileTask(transport Transport, verifier *Verifier, cfg FileTaskConfig) *FileTask {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &FileTask{transport: transport, verifier: verifier, cfg: cfg}
}

func (t *FileTask) logf(name, level, format string, args ...any) {
	if t.cfg.Log == nil {
		return
	}
	t.cfg.Log(LogEvent{Time: time.Now(), Level: level, Name: name, Message: fmt.Sprintf(format, args...)})
}

func (t *FileTask) emit(ev ProgressEvent) {
	if t.cfg.Progress == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	t.cfg.Progress(ev)
}

// Run executes one manifest entry to completion (or terminal failure),
// mutating rec in place. localPath is the final destination; rec.LocalPath
// is set by the caller before Run is invoked.
func (t *FileTask) Run(ctx context.Context, entry ManifestEntry, localPath string, rec *ProgressRecord) error {
	rec.Status = StatusInProgress
	now := time.Now()
	rec.StartedAt = &now

	backoff := newRetryBackoff(t.cfg.BackoffInitial, t.cfg.BackoffMax)

	for {
		err := t.attempt(ctx, entry, localPath, rec)
		if err == nil {
			completed := time.Now()
			rec.CompletedAt = &completed
			rec.Status = StatusCompleted
			t.emit(ProgressEvent{Event: "file_completed", Name: entry.Name, Downloaded: rec.BytesDownloaded, Total: rec.TotalBytes})
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCancelled) {
			rec.Status = StatusPending
			return ErrCancelled
		}

		rec.Attempts++
		rec.LastError = err.Error()

		var verr *VerifyError
		if errors.As(err, &verr) && !verr.Unavailable {
			if rec.PriorVerifyFailedRefetch {
				rec.Status = StatusVerifyFailed
				t.emit(ProgressEvent{Event: "file_failed", Name: entry.Name, Message: err.Error()})
				return err
			}
			rec.PriorVerifyFailedRefetch = true
			t.logf(entry.Name, "warn", "digest mismatch, discarding and re-fetching once: %v", err)
			continue
		}

		var terr *TransportError
		retryable := errors.As(err, &terr) && terr.Retryable()
		if !retryable || rec.Attempts >= t.cfg.MaxAttempts {
			rec.Status = StatusFailed
			t.emit(ProgressEvent{Event: "file_failed", Name: entry.Name, Attempt: rec.Attempts, Message: err.Error()})
			return err
		}

		wait := backoff.Next()
		t.logf(entry.Name, "warn", "attempt %d failed (%v), retrying in %s", rec.Attempts, err, wait)
		t.emit(ProgressEvent{Event: "file_retry", Name: entry.Name, Attempt: rec.Attempts, Message: err.Error()})
		if !sleepCtx(ctx, wait) {
			rec.Status = StatusPending
			return ErrCancelled
		}
	}
}

// attempt performs exactly one probe+transfer+verify cycle.
func (t *FileTask) attempt(ctx context.Context, entry ManifestEntry, localPath string, rec *ProgressRecord) error {
	probe, err := t.transport.Probe(ctx, entry.URL)
	if err != nil {
		return err
	}
	if probe.TotalSize > 0 {
		rec.TotalBytes = probe.TotalSize
	} else if entry.ExpectedSize > 0 {
		rec.TotalBytes = entry.ExpectedSize
	}
	rec.LastModifiedServer = probe.LastModified

	partPath := localPath + partSuffix
	var localSize int64
	var localExists bool
	if fi, statErr := os.Stat(partPath); statErr == nil {
		localSize = fi.Size()
		localExists = true
	}

	plan := PlanResume(localSize, localExists, probe, rec.PriorVerifyFailedRefetch, t.cfg.ResumeThreshold)

	switch plan.Kind {
	case PlanVerifyOnly:
		if err := os.Rename(partPath, localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &IoError{Path: localPath, Err: err}
		}
		return t.verify(ctx, localPath, entry, rec)

	case PlanResume:
		return t.transfer(ctx, entry, partPath, localPath, plan.From, rec)

	default: // PlanFreshDownload
		if plan.Truncate {
			_ = os.Remove(partPath)
		}
		return t.transfer(ctx, entry, partPath, localPath, 0, rec)
	}
}

// transfer streams one GET (optionally ranged) into partPath, then
// verifies and atomically renames into place.
func (t *FileTask) transfer(ctx context.Context, entry ManifestEntry, partPath, finalPath string, from int64, rec *ProgressRecord) error {
	compPlan := PlanCompression(entry.Name, entry.ExpectedSize)

	resp, err := t.transport.Open(ctx, entry.URL, from, compPlan.AcceptEncoding)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	rec.ContentEncoding = resp.ContentEncoding
	rec.Protocol = resp.Protocol

	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return &IoError{Path: partPath, Err: err}
	}

	flags := os.O_WRONLY | os.O_CREATE
	offset := int64(0)
	if resp.RangeHonored && from > 0 {
		flags |= os.O_APPEND
		offset = from
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return &IoError{Path: partPath, Err: err}
	}
	defer f.Close()

	rec.BytesDownloaded = offset
	pr := &progressReader{
		reader:     resp.Body,
		total:      rec.TotalBytes,
		downloaded: offset,
		emitted:    offset,
		name:       entry.Name,
		emit:       t.emit,
		lastEmit:   time.Now(),
		interval:   progressEmitInterval,
	}

	written, err := io.Copy(f, pr)
	rec.BytesDownloaded = offset + written
	rec.RawBytes = resp.RawBytesRead()
	if err != nil {
		return &IoError{Path: partPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &IoError{Path: partPath, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IoError{Path: partPath, Err: err}
	}

	if err := t.verify(ctx, partPath, entry, rec); err != nil {
		return err
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return &IoError{Path: finalPath, Err: err}
	}
	return nil
}

// verify computes and checks path's digest, gating the hashing work behind
// HashSem so CPU-bound hashing runs on a bounded pool rather than freely
// alongside every in-flight transfer's I/O.
func (t *FileTask) verify(ctx context.Context, path string, entry ManifestEntry, rec *ProgressRecord) error {
	if entry.ExpectedDigest.Value == "" {
		rec.Verification = VerificationUnverified
		return nil
	}

	if t.cfg.HashSem != nil {
		if err := t.cfg.HashSem.Acquire(ctx, 1); err != nil {
			rec.Status = StatusPending
			return ErrCancelled
		}
		defer t.cfg.HashSem.Release(1)
	}

	rec.Verification = VerificationVerifying
	digest, err := t.verifier.Verify(path, entry.ExpectedDigest)
	if err != nil {
		rec.Verification = VerificationVerifyFailed
		return err
	}
	rec.Verification = VerificationVerified
	rec.VerifiedDigest = digest
	return nil
}

// progressReader wraps the decoded response body, computing an
// EWMA-smoothed transfer rate and emitting debounced progress events.
type progressReader struct {
	reader   io.Reader
	total    int64
	name     string
	emit     func(ProgressEvent)
	lastEmit time.Time
	interval time.Duration

	downloaded   int64
	emitted      int64 // downloaded as of the last emitted event
	smoothedRate float64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		now := time.Now()
		dt := now.Sub(pr.lastEmit)
		pr.downloaded += int64(n)

		if dt >= pr.interval || err == io.EOF {
			if dt > 0 {
				instant := float64(pr.downloaded-pr.emitted) / dt.Seconds()
				if pr.smoothedRate == 0 {
					pr.smoothedRate = instant
				} else {
					pr.smoothedRate = speedSmoothingFactor*instant + (1-speedSmoothingFactor)*pr.smoothedRate
				}
			}
			pr.emit(ProgressEvent{
				Event:      "file_progress",
				Name:       pr.name,
				Downloaded: pr.downloaded,
				Total:      pr.total,
				RateBps:    pr.smoothedRate,
			})
			pr.lastEmit = now
			pr.emitted = pr.downloaded
		}
	}
	return n, err
}
