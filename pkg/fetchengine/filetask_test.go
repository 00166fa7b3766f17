// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/semaphore"
)

func TestFileTaskResumesFromPartialFile(t *testing.T) {
	const full = "0123456789ABCDEF"
	const already = "01234567"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "16")
			if r.Method == http.MethodHead {
				return
			}
			w.Write([]byte(full))
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[len(already):]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	finalPath := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(finalPath+partSuffix, []byte(already), 0o644); err != nil {
		t.Fatal(err)
	}

	transport, err := NewHTTPTransport("", EntryStats{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer transport.CloseIdle()

	task := NewFileTask(transport, NewVerifier(16), FileTaskConfig{MaxAttempts: 3, ResumeThreshold: 1})
	rec := &ProgressRecord{Name: "data.bin"}
	entry := ManifestEntry{Name: "data.bin", URL: srv.URL}

	if err := task.Run(context.Background(), entry, finalPath, rec); err != nil {
		t.Fatal(err)
	}

	body, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != full {
		t.Fatalf("got %q, want %q", body, full)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("got status %q", rec.Status)
	}
}

func TestFileTaskRetriesTransientServerErrorThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewHTTPTransport("", EntryStats{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer transport.CloseIdle()

	task := NewFileTask(transport, NewVerifier(16), FileTaskConfig{MaxAttempts: 3, BackoffInitial: 1, BackoffMax: 2})
	rec := &ProgressRecord{Name: "ok.txt"}
	entry := ManifestEntry{Name: "ok.txt", URL: srv.URL}

	if err := task.Run(context.Background(), entry, filepath.Join(dir, "ok.txt"), rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusCompleted || rec.Attempts != 1 {
		t.Fatalf("got status=%q attempts=%d", rec.Status, rec.Attempts)
	}
}

func TestFileTaskFailsImmediatelyOnNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewHTTPTransport("", EntryStats{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer transport.CloseIdle()

	task := NewFileTask(transport, NewVerifier(16), FileTaskConfig{MaxAttempts: 5})
	rec := &ProgressRecord{Name: "missing.txt"}
	entry := ManifestEntry{Name: "missing.txt", URL: srv.URL}

	if err := task.Run(context.Background(), entry, filepath.Join(dir, "missing.txt"), rec); err == nil {
		t.Fatal("expected error for 404")
	}
	if rec.Status != StatusFailed || rec.Attempts != 1 {
		t.Fatalf("got status=%q attempts=%d, want single-attempt failure", rec.Status, rec.Attempts)
	}
}

func TestFileTaskRecordsRawBytesSeparatelyFromDecodedBytes(t *testing.T) {
	const payload = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(payload))
		gz.Close()
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewHTTPTransport("", EntryStats{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer transport.CloseIdle()

	task := NewFileTask(transport, NewVerifier(16), FileTaskConfig{MaxAttempts: 1})
	rec := &ProgressRecord{Name: "payload.txt"}
	entry := ManifestEntry{Name: "payload.txt", URL: srv.URL}

	if err := task.Run(context.Background(), entry, filepath.Join(dir, "payload.txt"), rec); err != nil {
		t.Fatal(err)
	}
	if rec.BytesDownloaded != int64(len(payload)) {
		t.Fatalf("got decoded bytes %d, want %d", rec.BytesDownloaded, len(payload))
	}
	if rec.RawBytes == 0 || rec.RawBytes >= rec.BytesDownloaded {
		t.Fatalf("got raw bytes %d, want a nonzero count smaller than decoded %d", rec.RawBytes, rec.BytesDownloaded)
	}
}

func TestFileTaskVerifyGatesOnHashSem(t *testing.T) {
	const content = "hashed-content"
	path := writeTempFile(t, content)

	digest, err := NewVerifier(16).Digest(path, SHA256)
	if err != nil {
		t.Fatal(err)
	}
	entry := ManifestEntry{Name: "gated.txt", ExpectedDigest: Digest{Algorithm: SHA256, Value: digest}}

	sem := semaphore.NewWeighted(1)
	if !sem.TryAcquire(1) {
		t.Fatal("expected to acquire the test semaphore")
	}

	task := NewFileTask(nil, NewVerifier(16), FileTaskConfig{MaxAttempts: 1, HashSem: sem})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &ProgressRecord{Name: "gated.txt"}
	if err := task.verify(ctx, path, entry, rec); !errors.Is(err, ErrCancelled) {
		t.Fatalf("got err=%v, want ErrCancelled while the semaphore is held and ctx is already done", err)
	}
	if rec.Verification == VerificationVerified {
		t.Fatal("verification should not have run while the semaphore was held")
	}

	sem.Release(1)
	rec2 := &ProgressRecord{Name: "gated.txt"}
	if err := task.verify(context.Background(), path, entry, rec2); err != nil {
		t.Fatal(err)
	}
	if rec2.Verification != VerificationVerified {
		t.Fatalf("got verification %q, want verified once the semaphore is free", rec2.Verification)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
