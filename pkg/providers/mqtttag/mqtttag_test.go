// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package mqtttag

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspc/openspc/pkg/buffer"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/providers"
	"github.com/openspc/openspc/pkg/sparkplug"
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

func newProvider(cap *capture) (*Provider, *buffer.Manager) {
	buffers := buffer.NewManager(clock.NewMock(), time.Minute, time.Second, cap.emit)
	return New(nil, nil, buffers), buffers
}

func TestPlainTopicDispatch(t *testing.T) {
	cap := &capture{}
	p, buffers := newProvider(cap)
	buffers.Register(buffer.TagConfig{
		CharacteristicID: 1, SubgroupSize: 2,
		Strategy: model.TriggerOnChange, Source: model.SourceTag,
	})
	st := &brokerState{
		topics: map[string][]route{"line1/temp": {{charID: 1}}},
	}

	p.onData(st, "line1/temp", []byte(" 10.5 "))
	p.onData(st, "line1/temp", []byte("11.5"))

	events := cap.all()
	require.Len(t, events, 1)
	assert.Equal(t, []float64{10.5, 11.5}, events[0].Measurements)
	assert.Equal(t, model.SourceTag, events[0].Context.Source)
}

func TestUnparseablePayloadDropped(t *testing.T) {
	cap := &capture{}
	p, buffers := newProvider(cap)
	buffers.Register(buffer.TagConfig{CharacteristicID: 1, SubgroupSize: 1, Strategy: model.TriggerOnChange})
	st := &brokerState{topics: map[string][]route{"t": {{charID: 1}}}}

	p.onData(st, "t", []byte("not-a-number"))
	assert.Empty(t, cap.all())
	assert.Equal(t, 0, buffers.Pending(1))
}

func TestSparkplugFanOutByMetricName(t *testing.T) {
	cap := &capture{}
	p, buffers := newProvider(cap)
	buffers.Register(buffer.TagConfig{CharacteristicID: 1, SubgroupSize: 1, Strategy: model.TriggerOnChange})
	buffers.Register(buffer.TagConfig{CharacteristicID: 2, SubgroupSize: 1, Strategy: model.TriggerOnChange})

	topic := "spBv1.0/plant/DDATA/node/device"
	st := &brokerState{topics: map[string][]route{
		topic: {
			{charID: 1, metricName: "temperature"},
			{charID: 2, metricName: "pressure"},
		},
	}}

	payload, err := sparkplug.Encode(&sparkplug.Payload{
		Timestamp: time.Now().UTC(),
		Metrics: []sparkplug.Metric{
			{Name: "temperature", DataType: sparkplug.TypeDouble, Value: 21.5},
			{Name: "humidity", DataType: sparkplug.TypeDouble, Value: 55.0}, // nobody selects it
			{Name: "state", DataType: sparkplug.TypeString, Value: "run"},  // non-numeric
		},
	})
	require.NoError(t, err)

	p.onData(st, topic, payload)
	events := cap.all()
	require.Len(t, events, 1, "only the characteristic selecting a delivered metric flushes")
	assert.Equal(t, int64(1), events[0].CharacteristicID)
	assert.Equal(t, []float64{21.5}, events[0].Measurements)
}

func TestTriggerTagFlushesBuffer(t *testing.T) {
	cap := &capture{}
	p, buffers := newProvider(cap)
	buffers.Register(buffer.TagConfig{CharacteristicID: 3, SubgroupSize: 5, Strategy: model.TriggerOnTrigger})
	st := &brokerState{
		topics:   map[string][]route{"cell/weight": {{charID: 3}}},
		triggers: map[string][]int64{"cell/cycle_done": {3}},
	}

	p.onData(st, "cell/weight", []byte("1.0"))
	p.onData(st, "cell/weight", []byte("2.0"))
	assert.Empty(t, cap.all())

	p.onTrigger(st, "cell/cycle_done")
	events := cap.all()
	require.Len(t, events, 1)
	assert.Equal(t, []float64{1.0, 2.0}, events[0].Measurements)

	// Trigger with an empty buffer is a no-op.
	p.onTrigger(st, "cell/cycle_done")
	assert.Len(t, cap.all(), 1)
}
