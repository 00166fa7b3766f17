// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"path/filepath"
	"strings"
)

const largePNGThreshold = 512 << 10 // 512 KiB

// CompressionPlan is the Compression Policy's decision for one manifest
// entry: which Accept-Encoding values to negotiate, and whether
// the caller should prefer a buffered or streamed decode path.
type CompressionPlan struct {
	AcceptEncoding []string
	Stream         bool
}

// PlanCompression is a pure function of (filename, expected size).
func PlanCompression(name string, expectedSize int64) CompressionPlan {
	ext := strings.ToLower(filepath.Ext(name))

	switch {
	case ext == ".json":
		return CompressionPlan{AcceptEncoding: []string{"gzip", "br", "deflate"}, Stream: true}
	case ext == ".png" && expectedSize >= largePNGThreshold:
		return CompressionPlan{AcceptEncoding: nil, Stream: true}
	default:
		return CompressionPlan{AcceptEncoding: []string{"gzip"}, Stream: true}
	}
}

// CompressionRatio is raw bytes over decoded bytes for a completed file;
// the coordinator aggregates these for the compression-ratio statistic.
func CompressionRatio(rawBytes, decodedBytes int64) float64 {
	if decodedBytes == 0 {
		return 1
	}
	return float64(rawBytes) / float64(decodedBytes)
}
