// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// verifyCacheKey identifies a (file, algorithm) pair whose digest is only
// valid as long as size and mtime haven't changed.
type verifyCacheKey struct {
	path      string
	size      int64
	mtimeNano int64
	algorithm DigestAlgorithm
}

// Verifier computes and caches file digests. The cache lives in memory for
// the process lifetime; entries are naturally invalidated because a
// changed size or mtime produces a different key.
type Verifier struct {
	cache *lru.Cache[verifyCacheKey, string]
}

// NewVerifier creates a Verifier with a bounded in-memory digest cache.
func NewVerifier(cacheSize int) *Verifier {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, _ := lru.New[verifyCacheKey, string](cacheSize)
	return &Verifier{cache: c}
}

func newHasher(algo DigestAlgorithm) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256, "":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("fetchengine: unsupported digest algorithm %q", algo)
	}
}

// Digest streams path through the named algorithm in bounded memory and
// returns its hex digest, consulting and populating the in-memory cache.
func (v *Verifier) Digest(path string, algo DigestAlgorithm) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", &VerifyError{Path: path, Unavailable: true}
	}

	keyPath := path
	if abs, err := filepath.Abs(path); err == nil {
		keyPath = abs
	}
	key := verifyCacheKey{path: keyPath, size: fi.Size(), mtimeNano: fi.ModTime().UnixNano(), algorithm: algo}
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			return cached, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", &VerifyError{Path: path, Unavailable: true}
	}
	defer f.Close()

	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 64<<10)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", &VerifyError{Path: path, Unavailable: true}
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if v.cache != nil {
		v.cache.Add(key, digest)
	}
	return digest, nil
}

// Verify computes path's digest under algo and compares it to expected in
// constant time. Returns *VerifyError (VerifyMismatch or VerifyUnavailable)
// on failure, or a plain error when the algorithm is not supported.
func (v *Verifier) Verify(path string, expected Digest) (actual string, err error) {
	actual, err = v.Digest(path, expected.Algorithm)
	if err != nil {
		return "", err
	}
	if !constantTimeEqualHex(actual, expected.Value) {
		return actual, &VerifyError{Path: path, Expected: expected.Value, Actual: actual}
	}
	return actual, nil
}

// constantTimeEqualHex compares two hex strings in constant time over their
// byte representation.
func constantTimeEqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
