// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestCoordinatorRunDownloadsAndVerifies(t *testing.T) {
	const payload = "the quick brown fox"
	sum := sha256.Sum256([]byte(payload))
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	root := t.TempDir()
	store, err := OpenStateStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	transport, err := NewHTTPTransport("", EntryStats{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer transport.CloseIdle()

	var events []ProgressEvent
	coord := NewCoordinator(transport, NewVerifier(16), store, CoordinatorConfig{
		Concurrency: 2,
		MaxAttempts: 3,
		Progress:    func(e ProgressEvent) { events = append(events, e) },
	})

	entry := ManifestEntry{
		Name:           "fox.txt",
		URL:            srv.URL,
		ExpectedDigest: Digest{Algorithm: SHA256, Value: digest},
		ExpectedSize:   int64(len(payload)),
	}

	if err := coord.Run(context.Background(), root, []ManifestEntry{entry}); err != nil {
		t.Fatal(err)
	}

	body, err := os.ReadFile(filepath.Join(root, "fox.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != payload {
		t.Fatalf("got %q", body)
	}

	rec := store.Get("fox.txt")
	if rec == nil || rec.Status != StatusCompleted || rec.Verification != VerificationVerified {
		t.Fatalf("got record %+v", rec)
	}

	stats := coord.Statistics()
	if stats.StatusCounts[StatusCompleted] != 1 {
		t.Fatalf("got status counts %+v", stats.StatusCounts)
	}

	sawCompleted := false
	for _, e := range events {
		if e.Event == "file_completed" {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatal("expected a file_completed progress event")
	}
}

func TestCoordinatorRunMarksVerifyMismatchAsFailedAfterRefetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unexpected content"))
	}))
	defer srv.Close()

	root := t.TempDir()
	store, err := OpenStateStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	transport, err := NewHTTPTransport("", EntryStats{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer transport.CloseIdle()

	coord := NewCoordinator(transport, NewVerifier(16), store, CoordinatorConfig{Concurrency: 1, MaxAttempts: 3})

	entry := ManifestEntry{
		Name:           "mismatch.txt",
		URL:            srv.URL,
		ExpectedDigest: Digest{Algorithm: SHA256, Value: "0000000000000000000000000000000000000000000000000000000000000000"},
	}
	if err := coord.Run(context.Background(), root, []ManifestEntry{entry}); err != nil {
		t.Fatal(err)
	}

	rec := store.Get("mismatch.txt")
	if rec == nil || rec.Status != StatusVerifyFailed {
		t.Fatalf("got record %+v, want verify_failed after the one-shot re-fetch also mismatches", rec)
	}
	if !rec.PriorVerifyFailedRefetch {
		t.Fatal("expected the re-fetch flag to be consumed")
	}
}

func TestCoordinatorStatisticsReflectCompressionSaving(t *testing.T) {
	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = 'a'
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write(payload)
		gz.Close()
	}))
	defer srv.Close()

	root := t.TempDir()
	store, err := OpenStateStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	transport, err := NewHTTPTransport("", EntryStats{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer transport.CloseIdle()

	coord := NewCoordinator(transport, NewVerifier(16), store, CoordinatorConfig{Concurrency: 1, MaxAttempts: 1})

	entry := ManifestEntry{Name: "compressible.bin", URL: srv.URL}
	if err := coord.Run(context.Background(), root, []ManifestEntry{entry}); err != nil {
		t.Fatal(err)
	}

	stats := coord.Statistics()
	if stats.DecodedBytesTransferred != int64(len(payload)) {
		t.Fatalf("got decoded bytes %d, want %d", stats.DecodedBytesTransferred, len(payload))
	}
	if stats.RawBytesTransferred == 0 || stats.RawBytesTransferred >= stats.DecodedBytesTransferred {
		t.Fatalf("got raw bytes %d, want a nonzero count smaller than decoded %d", stats.RawBytesTransferred, stats.DecodedBytesTransferred)
	}
	if stats.CompressionRatio >= 1.0 {
		t.Fatalf("got compression ratio %f, want < 1.0 reflecting the saving", stats.CompressionRatio)
	}
}
