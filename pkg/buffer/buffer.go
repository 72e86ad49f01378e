// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package buffer accumulates raw tag readings into subgroup vectors. A buffer
// is a per-characteristic FIFO of floats; the trigger strategy decides when it
// flushes into a providers.SampleEvent.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/providers"
	"github.com/openspc/openspc/pkg/util/log"
)

// Defaults for the sweep loop, overridable through configuration.
const (
	DefaultTimeout       = 60 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// TagConfig describes how one characteristic's readings are grouped.
type TagConfig struct {
	CharacteristicID int64
	SourceIdentifier string // topic or node id, for logging
	SubgroupSize     int
	Strategy         model.TriggerStrategy
	TriggerTag       string
	MetricName       string
	Source           model.Source // TAG or OPCUA, stamped on emitted events
}

type state struct {
	cfg        TagConfig
	values     []float64
	lastUpdate time.Time
}

// Manager owns every registered buffer and the stale-buffer sweep loop.
// Flushes run synchronously under the manager lock so a buffer never emits
// twice for the same fill.
type Manager struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	sweep   time.Duration
	emit    providers.EmitFunc
	buffers map[int64]*state

	stopCh chan struct{}
	done   chan struct{}
}

// NewManager builds a buffer manager. A mock clock may be injected for tests.
func NewManager(clk clock.Clock, timeout, sweepInterval time.Duration, emit providers.EmitFunc) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		clock:   clk,
		timeout: timeout,
		sweep:   sweepInterval,
		emit:    emit,
		buffers: make(map[int64]*state),
	}
}

// Register creates (or replaces) the buffer for a characteristic. Pending
// readings of a replaced buffer are discarded.
func (m *Manager) Register(cfg TagConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[cfg.CharacteristicID] = &state{cfg: cfg}
}

// Unregister drops a buffer and its pending readings.
func (m *Manager) Unregister(charID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, charID)
}

// Add walks one reading through the buffer's trigger strategy. Unknown
// characteristics are dropped with a warning.
func (m *Manager) Add(ctx context.Context, charID int64, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[charID]
	if !ok {
		log.Warnf("reading for unregistered characteristic %d dropped", charID) //nolint:errcheck
		return
	}
	b.values = append(b.values, v)
	b.lastUpdate = m.clock.Now()

	if b.cfg.Strategy == model.TriggerOnChange && len(b.values) >= b.cfg.SubgroupSize {
		m.flushLocked(ctx, b)
	}
}

// FlushTrigger flushes a characteristic's buffer regardless of fill level, as
// driven by its trigger tag. An empty buffer is a no-op.
func (m *Manager) FlushTrigger(ctx context.Context, charID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[charID]
	if !ok || len(b.values) == 0 {
		return
	}
	m.flushLocked(ctx, b)
}

// Pending returns the current fill level of a buffer.
func (m *Manager) Pending(charID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[charID]; ok {
		return len(b.values)
	}
	return 0
}

func (m *Manager) flushLocked(ctx context.Context, b *state) {
	values := b.values
	b.values = nil

	if len(values) < b.cfg.SubgroupSize {
		log.Debugf("flushing partial subgroup for characteristic %d (%d of %d)",
			b.cfg.CharacteristicID, len(values), b.cfg.SubgroupSize)
	}
	ev := &providers.SampleEvent{
		CharacteristicID: b.cfg.CharacteristicID,
		Measurements:     values,
		Timestamp:        m.clock.Now().UTC(),
		Context:          providers.EventContext{Source: b.cfg.Source},
	}
	if err := m.emit(ctx, ev); err != nil {
		log.Errorf("emitting subgroup for characteristic %d: %v", b.cfg.CharacteristicID, err) //nolint:errcheck
	}
}

// SweepOnce flushes every non-empty buffer whose last update is older than the
// timeout, whatever its strategy. Returns the number of buffers flushed.
func (m *Manager) SweepOnce(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	flushed := 0
	for _, b := range m.buffers {
		if len(b.values) == 0 {
			continue
		}
		if now.Sub(b.lastUpdate) > m.timeout {
			m.flushLocked(ctx, b)
			flushed++
		}
	}
	return flushed
}

// Start runs the sweep loop until Stop is called.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.run()
}

// Stop terminates the sweep loop and waits for it to exit. Pending readings
// stay in their buffers.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.done
	m.stopCh = nil
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := m.clock.Ticker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepOnce(context.Background())
		case <-m.stopCh:
			return
		}
	}
}
