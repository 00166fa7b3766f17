// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import "time"

// DigestAlgorithm identifies a supported content-hash algorithm.
type DigestAlgorithm string

const (
	MD5    DigestAlgorithm = "md5"
	SHA1   DigestAlgorithm = "sha1"
	SHA256 DigestAlgorithm = "sha256"
)

// Digest is an algorithm + hex value pair, as declared by a manifest entry.
type Digest struct {
	Algorithm DigestAlgorithm `json:"algorithm"`
	Value     string          `json:"value"`
}

// ManifestEntry is one logical file named by a manifest.
type ManifestEntry struct {
	Name           string `json:"-"`
	URL            string `json:"url"`
	ExpectedDigest Digest `json:"digest"`
	ExpectedSize   int64  `json:"size,omitempty"`
}

// Status is a ProgressRecord's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusSkipped      Status = "skipped"
	StatusVerifyFailed Status = "verify_failed"
)

// VerificationState tracks the Integrity Verifier's view of a file.
type VerificationState string

const (
	VerificationUnverified  VerificationState = "unverified"
	VerificationVerifying   VerificationState = "verifying"
	VerificationVerified    VerificationState = "verified"
	VerificationVerifyFailed VerificationState = "verify_failed"
)

// ProgressRecord is the persisted per-file progress state.
//
// Name is a stable primary key across manifest reloads; only the fields
// documented as mutable below may change after creation.
type ProgressRecord struct {
	Name           string  `json:"name"`
	URL            string  `json:"url"`
	ExpectedDigest Digest  `json:"expected_digest"`
	ExpectedSize   int64   `json:"expected_size"`

	Status          Status `json:"status"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	TotalBytes      int64  `json:"total_bytes"`
	// RawBytes is the wire-level byte count read for the final transfer
	// attempt, before decompression. When the transfer was served
	// identity-encoded it equals the bytes written by that attempt, which is
	// BytesDownloaded minus any resume offset.
	RawBytes int64 `json:"raw_bytes"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	LocalPath string `json:"local_path"`

	Verification    VerificationState `json:"verification"`
	VerifiedDigest  string            `json:"verified_digest,omitempty"`

	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	LastModifiedServer    string     `json:"last_modified_server,omitempty"`

	// ContentEncoding is the wire encoding negotiated for the final
	// successful transfer attempt ("gzip", "br", "identity").
	ContentEncoding string `json:"content_encoding,omitempty"`
	// Protocol is the HTTP protocol ("h2"|"h1") used by the final transfer.
	Protocol string `json:"protocol,omitempty"`

	// PriorVerifyFailedRefetch records whether this record has already
	// consumed its one corruption-protection re-fetch.
	PriorVerifyFailedRefetch bool `json:"prior_verify_failed_refetch,omitempty"`
}

// ProgressEvent is emitted to the embedder's progress callback.
type ProgressEvent struct {
	Time       time.Time `json:"time"`
	Event      string    `json:"event"`
	Name       string    `json:"name,omitempty"`
	Downloaded int64     `json:"downloaded,omitempty"`
	Total      int64     `json:"total,omitempty"`
	RateBps    float64   `json:"rate_bps,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// ProgressFunc receives progress events. Must not block: it is invoked on
// the coordinator's executor goroutines.
type ProgressFunc func(ProgressEvent)

// LogEvent is emitted to the embedder's log callback.
type LogEvent struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Name    string    `json:"name,omitempty"`
	Message string    `json:"message"`
}

// LogFunc receives log events. Must not block.
type LogFunc func(LogEvent)

// Statistics is a read-only aggregate snapshot.
type Statistics struct {
	RawBytesTransferred     int64
	DecodedBytesTransferred int64
	Elapsed                 time.Duration
	H2Requests              int64
	H1Requests              int64
	ConnectionReuseRatio    float64
	CompressionRatio        float64
	StatusCounts            map[Status]int
}
