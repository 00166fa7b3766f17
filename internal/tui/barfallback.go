// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"

	"github.com/bulkfetch/bulkfetch/pkg/fetchengine"
)

// BarRenderer drives a single aggregate cheggaaa/pb/v3 bar for
// non-interactive sessions (piped stdout, CI logs, dumb terminals)
// where the full ANSI table in LiveRenderer would just spam scrollback.
type BarRenderer struct {
	mu      sync.Mutex
	bar     *pb.ProgressBar
	out     io.Writer
	total    int64
	known    map[string]int64
	progress map[string]int64
	started  bool
}

// NewBarRenderer creates a non-interactive fallback renderer writing to out.
func NewBarRenderer(out io.Writer) *BarRenderer {
	return &BarRenderer{
		out:   out,
		known: map[string]int64{},
	}
}

// Handler returns a ProgressFunc suitable for Engine.Subscribe.
func (b *BarRenderer) Handler() fetchengine.ProgressFunc {
	return func(ev fetchengine.ProgressEvent) {
		b.apply(ev)
	}
}

func (b *BarRenderer) apply(ev fetchengine.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Event {
	case "file_queued":
		b.known[ev.Name] = ev.Total
		b.total += ev.Total
		if b.bar != nil {
			b.bar.SetTotal(b.total)
		}
	case "file_progress", "file_completed":
		if !b.started {
			b.bar = pb.New64(b.total)
			b.bar.SetTemplateString(`{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{etime . }}`)
			b.bar.SetWriter(b.out)
			b.bar.Start()
			b.started = true
		}
		delta := ev.Downloaded
		if ev.Event == "file_completed" {
			delta = b.known[ev.Name]
		}
		b.bar.SetCurrent(b.currentEstimate(ev.Name, delta))
	case "file_failed":
		if b.bar != nil {
			fmt.Fprintf(b.out, "\n%s: %s\n", ev.Name, ev.Message)
		}
	}
}

// currentEstimate tracks per-file progress in a map and sums it; this
// keeps the aggregate bar monotonic even though events arrive out of
// order across concurrently downloading files.
func (b *BarRenderer) currentEstimate(name string, bytes int64) int64 {
	if b.progress == nil {
		b.progress = map[string]int64{}
	}
	b.progress[name] = bytes
	var sum int64
	for _, v := range b.progress {
		sum += v
	}
	return sum
}

// Close finalizes the bar.
func (b *BarRenderer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar != nil {
		b.bar.Finish()
	}
}
