// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package fetchengine provides a Go library for downloading large batches of
files described by a JSON manifest, with resumable transfers, integrity
verification, and adaptive HTTP/2-with-fallback transport.

# Features

  - Resumable downloads: interrupted transfers resume from the last byte
    written to a ".part" sibling file
  - Integrity verification: MD5/SHA-1/SHA-256 digest comparison with an
    in-memory cache keyed by (path, size, mtime, algorithm)
  - Durable progress: a JSON state store checkpointed via write-temp-
    then-rename, the engine's sole durability barrier
  - Adaptive transport: HTTP/2 by default, falling back to HTTP/1.1 per
    origin on protocol failure; pool sizing and timeouts tuned from the
    manifest's shape
  - Progress events: rate-smoothed, debounced callbacks for UI integration
  - Context cancellation: cooperative cancellation rewinds in-flight
    files to Pending rather than losing their progress

# Quick Start

	package main

	import (
		"context"
		"fmt"
		"log"
		"os"

		"github.com/bulkfetch/bulkfetch/pkg/fetchengine"
	)

	func main() {
		data, err := os.ReadFile("manifest.json")
		if err != nil {
			log.Fatal(err)
		}

		eng, err := fetchengine.NewEngine(fetchengine.DefaultSettings())
		if err != nil {
			log.Fatal(err)
		}
		defer eng.Close()

		if _, _, _, err := eng.LoadManifest(data, false); err != nil {
			log.Fatal(err)
		}
		eng.SetDownloadRoot("./downloads")
		if err := eng.Select(nil); err != nil {
			log.Fatal(err)
		}
		eng.Subscribe(func(e fetchengine.ProgressEvent) {
			fmt.Printf("[%s] %s\n", e.Event, e.Name)
		}, nil)

		if err := eng.Start(context.Background()); err != nil {
			log.Fatal(err)
		}
	}

# Manifest Format

A manifest is a JSON object mapping a file name to either a bare MD5 hex
string or an object with "url", "digest" ({"algorithm","value"}), and an
optional "size" hint used for adaptive transport sizing.

# Resume Behavior

On each attempt the engine probes the remote file, stats any existing
".part" file, and decides among three plans: verify-only (the local file
is already complete), resume (append past a byte offset), or fresh
download (discard and restart). See ResumePlan and PlanResume.

# Verification

A manifest entry with a non-empty digest is verified after every
transfer. A single mismatch triggers exactly one automatic re-fetch from
scratch; a second mismatch is terminal (VerifyFailed).

# Compression

Accept-Encoding negotiation and transparent decoding (gzip, br, deflate)
are decided per file by name and size; raw (wire) and decoded byte counts
are tracked separately for Statistics.CompressionRatio.
*/
package fetchengine
