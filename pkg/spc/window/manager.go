// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package window

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/spc/stats"
	"github.com/openspc/openspc/pkg/util/log"
)

// DefaultCacheSize bounds the number of characteristics with a cached window.
const DefaultCacheSize = 1000

// Loader backfills a window from durable storage on cache miss.
type Loader interface {
	// Characteristic returns the characteristic, carrying its stored limits.
	Characteristic(ctx context.Context, id int64) (*model.Characteristic, error)
	// WindowTail returns the newest `limit` samples of the characteristic in
	// ascending timestamp order.
	WindowTail(ctx context.Context, charID int64, limit int) ([]model.Sample, error)
}

// Manager is the LRU cache of rolling windows, keyed by characteristic id.
type Manager struct {
	mu         sync.Mutex
	cache      *lru.Cache[int64, *Window]
	loader     Loader
	windowSize int
}

// NewManager builds a manager with the given cache bound and window size.
func NewManager(loader Loader, cacheSize, windowSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if windowSize <= 0 {
		windowSize = DefaultSize
	}
	cache, err := lru.New[int64, *Window](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{cache: cache, loader: loader, windowSize: windowSize}, nil
}

// Get returns the rolling window for a characteristic, loading the newest
// samples from storage on a miss. The manager lock is held across the
// backfill so only one Window instance ever exists per characteristic.
func (m *Manager) Get(ctx context.Context, charID int64) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.cache.Get(charID); ok {
		return w, nil
	}

	w, err := m.load(ctx, charID)
	if err != nil {
		return nil, err
	}
	m.cache.Add(charID, w)
	return w, nil
}

func (m *Manager) load(ctx context.Context, charID int64) (*Window, error) {
	char, err := m.loader.Characteristic(ctx, charID)
	if err != nil {
		return nil, fmt.Errorf("loading characteristic %d: %w", charID, err)
	}

	w := NewWindow(charID, m.windowSize)
	if char.HasLimits() {
		w.SetBoundaries(stats.BoundariesFromLimits(*char.CenterLine, *char.UCL))
	}

	samples, err := m.loader.WindowTail(ctx, charID, m.windowSize)
	if err != nil {
		return nil, fmt.Errorf("loading window tail for characteristic %d: %w", charID, err)
	}
	for _, s := range samples {
		w.Append(s.ID, s.Timestamp, s.Mean, s.RangeValue)
	}

	log.Debugf("window: backfilled characteristic %d with %d samples", charID, len(samples))
	return w, nil
}

// AddSample classifies the persisted sample under the given boundaries and
// appends it to the characteristic's window, returning the new entry. Callers
// already inside an engine cycle hold the window lock and append directly;
// this entry point takes the lock itself.
func (m *Manager) AddSample(ctx context.Context, charID int64, s *model.Sample, b stats.ZoneBoundaries) (Entry, error) {
	w, err := m.Get(ctx, charID)
	if err != nil {
		return Entry{}, err
	}

	w.Lock()
	defer w.Unlock()
	w.SetBoundaries(b)
	return w.Append(s.ID, s.Timestamp, s.Mean, s.RangeValue), nil
}

// Invalidate drops the cached window for a characteristic. Called after
// control-limit recomputation so the next access reloads and reclassifies.
func (m *Manager) Invalidate(charID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(charID)
}

// Size returns the number of cached windows.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// CachedIDs returns the ids of all cached characteristics, oldest first.
func (m *Manager) CachedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Keys()
}
