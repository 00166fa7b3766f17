// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Manifest is the parsed form of the input manifest: a JSON
// object mapping filename to either a bare MD5 hex digest or a full record.
type Manifest struct {
	Entries map[string]ManifestEntry
}

// rawManifestRecord matches the object form of a manifest entry.
type rawManifestRecord struct {
	URL    string `json:"url"`
	Digest struct {
		Algorithm DigestAlgorithm `json:"algorithm"`
		Value     string          `json:"value"`
	} `json:"digest"`
	Size int64 `json:"size,omitempty"`
}

// ParseManifest decodes a manifest document. Each value is either a bare
// hex string (interpreted as an MD5 digest with no URL; such an entry has
// nothing to download, and merging it into the state store sets the
// record's URL to empty) or an object with url/digest/size.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("fetchengine: parse manifest: %w", err)
	}

	m := &Manifest{Entries: make(map[string]ManifestEntry, len(raw))}
	for name, v := range raw {
		entry, err := parseManifestValue(name, v)
		if err != nil {
			return nil, err
		}
		m.Entries[name] = entry
	}
	return m, nil
}

func parseManifestValue(name string, v json.RawMessage) (ManifestEntry, error) {
	var bareDigest string
	if err := json.Unmarshal(v, &bareDigest); err == nil {
		return ManifestEntry{
			Name:           name,
			ExpectedDigest: Digest{Algorithm: MD5, Value: bareDigest},
		}, nil
	}

	var rec rawManifestRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return ManifestEntry{}, fmt.Errorf("fetchengine: manifest entry %q: %w", name, err)
	}
	algo := rec.Digest.Algorithm
	if algo == "" {
		algo = MD5
	}
	return ManifestEntry{
		Name: name,
		URL:  rec.URL,
		ExpectedDigest: Digest{
			Algorithm: algo,
			Value:     rec.Digest.Value,
		},
		ExpectedSize: rec.Size,
	}, nil
}

// Names returns the manifest's entry names in stable sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Entries))
	for n := range m.Entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EntryStats summarizes a manifest for adaptive transport sizing.
type EntryStats struct {
	Count     int
	AvgSize   int64
	TotalSize int64
}

// Stats computes EntryStats over the manifest's entries.
func (m *Manifest) Stats() EntryStats {
	var s EntryStats
	for _, e := range m.Entries {
		s.Count++
		s.TotalSize += e.ExpectedSize
	}
	if s.Count > 0 {
		s.AvgSize = s.TotalSize / int64(s.Count)
	}
	return s
}
