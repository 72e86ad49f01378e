// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package window maintains the per-characteristic rolling windows the Nelson
// rules evaluate against, behind an LRU-bounded manager with lazy database
// backfill.
package window

import (
	"sync"
	"time"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/spc/stats"
)

// DefaultSize is the number of subgroups a rolling window retains.
const DefaultSize = 25

// Entry is one subgroup inside a rolling window, with its classification
// precomputed at append time.
type Entry struct {
	SampleID      int64
	Timestamp     time.Time
	Value         float64
	Range         *float64
	Zone          model.Zone
	AboveCenter   bool
	SigmaDistance float64
}

// Window is the rolling window of one characteristic: at most `size` entries,
// newest at the tail, plus the boundaries its entries were classified under.
//
// Window methods do not lock. The owning Manager hands out one Window per
// characteristic and callers serialize access through Window.Lock; the SPC
// engine holds that lock across a full processing cycle.
type Window struct {
	sync.Mutex

	CharacteristicID int64

	size       int
	entries    []Entry
	boundaries stats.ZoneBoundaries
	hasBounds  bool
}

// NewWindow returns an empty window for one characteristic.
func NewWindow(charID int64, size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{
		CharacteristicID: charID,
		size:             size,
		entries:          make([]Entry, 0, size),
	}
}

// SetBoundaries replaces the zone boundaries used for future appends.
func (w *Window) SetBoundaries(b stats.ZoneBoundaries) {
	w.boundaries = b
	w.hasBounds = true
}

// Boundaries returns the current boundaries and whether any have been set.
func (w *Window) Boundaries() (stats.ZoneBoundaries, bool) {
	return w.boundaries, w.hasBounds
}

// Append classifies value under the current boundaries and appends the entry,
// evicting the oldest entry when the window is full.
func (w *Window) Append(sampleID int64, ts time.Time, value float64, rng *float64) Entry {
	e := Entry{
		SampleID:      sampleID,
		Timestamp:     ts,
		Value:         value,
		Range:         rng,
		Zone:          w.boundaries.Classify(value),
		SigmaDistance: w.boundaries.SigmaDistance(value),
	}
	e.AboveCenter = value > w.boundaries.Center

	if len(w.entries) == w.size {
		copy(w.entries, w.entries[1:])
		w.entries[len(w.entries)-1] = e
	} else {
		w.entries = append(w.entries, e)
	}
	return e
}

// Len returns the number of entries currently held.
func (w *Window) Len() int {
	return len(w.entries)
}

// Snapshot returns a copy of the entries, oldest first. Rule checkers operate
// on the copy so a concurrent append cannot shift data under them.
func (w *Window) Snapshot() []Entry {
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}
