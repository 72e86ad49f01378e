// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/providers"
)

type capture struct {
	sync.Mutex
	events []*providers.SampleEvent
}

func (c *capture) emit(_ context.Context, e *providers.SampleEvent) error {
	c.Lock()
	defer c.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) all() []*providers.SampleEvent {
	c.Lock()
	defer c.Unlock()
	return append([]*providers.SampleEvent(nil), c.events...)
}

func TestOnChangeFlushesAtSubgroupSize(t *testing.T) {
	cap := &capture{}
	m := NewManager(clock.NewMock(), time.Minute, time.Second, cap.emit)
	m.Register(TagConfig{CharacteristicID: 1, SubgroupSize: 3, Strategy: model.TriggerOnChange, Source: model.SourceTag})

	ctx := context.Background()
	m.Add(ctx, 1, 1.0)
	m.Add(ctx, 1, 2.0)
	assert.Empty(t, cap.all(), "no flush before the subgroup is full")

	m.Add(ctx, 1, 3.0)
	events := cap.all()
	require.Len(t, events, 1)
	assert.Equal(t, []float64{1.0, 2.0, 3.0}, events[0].Measurements)
	assert.Equal(t, model.SourceTag, events[0].Context.Source)
	assert.Equal(t, 0, m.Pending(1))
}

func TestOnTriggerFlushesOnlyOnTrigger(t *testing.T) {
	cap := &capture{}
	m := NewManager(clock.NewMock(), time.Minute, time.Second, cap.emit)
	m.Register(TagConfig{CharacteristicID: 2, SubgroupSize: 2, Strategy: model.TriggerOnTrigger})

	ctx := context.Background()
	m.FlushTrigger(ctx, 2) // empty buffer, no-op
	assert.Empty(t, cap.all())

	m.Add(ctx, 2, 5.0)
	m.Add(ctx, 2, 6.0)
	m.Add(ctx, 2, 7.0)
	assert.Empty(t, cap.all(), "on_trigger never flushes on fill")

	m.FlushTrigger(ctx, 2)
	events := cap.all()
	require.Len(t, events, 1)
	assert.Equal(t, []float64{5.0, 6.0, 7.0}, events[0].Measurements)
}

func TestTimeoutSweepFlushesStaleBuffers(t *testing.T) {
	mock := clock.NewMock()
	cap := &capture{}
	m := NewManager(mock, 60*time.Second, 5*time.Second, cap.emit)
	m.Register(TagConfig{CharacteristicID: 3, SubgroupSize: 5, Strategy: model.TriggerOnTimer})
	m.Register(TagConfig{CharacteristicID: 4, SubgroupSize: 5, Strategy: model.TriggerOnChange})

	ctx := context.Background()
	m.Add(ctx, 3, 1.0)
	m.Add(ctx, 3, 2.0)
	m.Add(ctx, 4, 9.0)

	mock.Add(30 * time.Second)
	assert.Equal(t, 0, m.SweepOnce(ctx), "buffers not yet stale")

	mock.Add(31 * time.Second)
	assert.Equal(t, 2, m.SweepOnce(ctx), "stale on_timer and on_change buffers both flush")

	events := cap.all()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Less(t, len(e.Measurements), 5, "partial subgroup carries its current contents")
	}
	assert.Equal(t, 0, m.SweepOnce(ctx), "flushed buffers are empty")
}

func TestSweepLoop(t *testing.T) {
	mock := clock.NewMock()
	cap := &capture{}
	m := NewManager(mock, 10*time.Second, time.Second, cap.emit)
	m.Register(TagConfig{CharacteristicID: 5, SubgroupSize: 3, Strategy: model.TriggerOnTimer})
	m.Start()
	defer m.Stop()

	m.Add(context.Background(), 5, 1.5)
	// Advance past the timeout; the ticker fires several sweeps.
	for i := 0; i < 15; i++ {
		mock.Add(time.Second)
	}
	assert.Eventually(t, func() bool { return len(cap.all()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestUnregisteredReadingDropped(t *testing.T) {
	cap := &capture{}
	m := NewManager(clock.NewMock(), time.Minute, time.Second, cap.emit)
	m.Add(context.Background(), 42, 1.0)
	assert.Empty(t, cap.all())
	assert.Equal(t, 0, m.Pending(42))
}
