// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspc/openspc/pkg/events"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/sparkplug"
)

type fakeStore struct{}

func (fakeStore) Characteristic(_ context.Context, id int64) (*model.Characteristic, error) {
	return &model.Characteristic{ID: id, PlantID: 1, NodeID: 3, Name: "Seal Width"}, nil
}

func (fakeStore) Plant(context.Context, int64) (*model.Plant, error) {
	return &model.Plant{ID: 1, Name: "Main Plant"}, nil
}

func (fakeStore) NodePath(context.Context, int64) ([]string, error) {
	return []string{"Area 1", "Line #2"}, nil
}

func (fakeStore) OutboundBrokers(context.Context) ([]model.Broker, error) {
	return nil, nil
}

type sentMsg struct {
	topic   string
	payload []byte
}

// testPublisher wires one fake broker connection with a capturing sender.
func testPublisher(broker model.Broker, clk clock.Clock) (*Publisher, *[]sentMsg) {
	p := New(fakeStore{}, nil, clk)
	var mu sync.Mutex
	sent := &[]sentMsg{}
	p.conns = []*brokerConn{{
		broker: broker,
		send: func(topic string, payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			*sent = append(*sent, sentMsg{topic, payload})
			return nil
		},
	}}
	return p, sent
}

func sampleEvent(charID int64) *events.SampleProcessed {
	zone := model.ZoneCUpper
	return events.NewSampleProcessed(charID, model.Sample{
		ID: 11, CharacteristicID: charID, Mean: 101.5, Zone: &zone,
	}, true, 0.5, nil)
}

func TestTopicLayoutAndJSONPayload(t *testing.T) {
	broker := model.Broker{ID: 1, Name: "uns", OutboundPrefix: "uns/v1", OutboundFormat: model.PayloadJSON}
	p, sent := testPublisher(broker, clock.NewMock())

	require.NoError(t, p.onEvent(context.Background(), sampleEvent(7)))

	require.Len(t, *sent, 1)
	msg := (*sent)[0]
	assert.Equal(t, "uns/v1/main_plant/area_1/line_2/seal_width/sample", msg.topic)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload, &body))
	assert.Equal(t, "sample", body["event"])
	assert.Equal(t, 101.5, body["mean"])
	assert.Equal(t, "zone_c_upper", body["zone"])
	assert.Equal(t, true, body["in_control"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestSparkplugPayload(t *testing.T) {
	broker := model.Broker{ID: 1, OutboundPrefix: "uns", OutboundFormat: model.PayloadSparkplug}
	p, sent := testPublisher(broker, clock.NewMock())

	v := model.Violation{ID: 5, SampleID: 11, CharacteristicID: 7, RuleID: 1, RuleName: "Outlier", Severity: model.SeverityCritical}
	require.NoError(t, p.onEvent(context.Background(), events.NewViolationCreated(7, v)))

	require.Len(t, *sent, 1)
	pl, err := sparkplug.Decode((*sent)[0].payload)
	require.NoError(t, err)

	byName := map[string]sparkplug.Metric{}
	for _, m := range pl.Metrics {
		byName[m.Name] = m
	}
	assert.Equal(t, int64(5), byName["violation_id"].Value)
	assert.Equal(t, "Outlier", byName["rule_name"].Value)
	assert.Equal(t, "CRITICAL", byName["severity"].Value)
}

func TestRateLimitPerBrokerAndCharacteristic(t *testing.T) {
	mock := clock.NewMock()
	broker := model.Broker{ID: 1, OutboundPrefix: "uns", OutboundFormat: model.PayloadJSON, OutboundMinInterval: 10 * time.Second}
	p, sent := testPublisher(broker, mock)
	ctx := context.Background()

	require.NoError(t, p.onEvent(ctx, sampleEvent(7)))
	require.NoError(t, p.onEvent(ctx, sampleEvent(7)))
	assert.Len(t, *sent, 1, "second publish within the window is suppressed")

	// A different characteristic has its own window.
	require.NoError(t, p.onEvent(ctx, sampleEvent(8)))
	assert.Len(t, *sent, 2)

	mock.Add(11 * time.Second)
	require.NoError(t, p.onEvent(ctx, sampleEvent(7)))
	assert.Len(t, *sent, 3)
}

func TestPruneStale(t *testing.T) {
	mock := clock.NewMock()
	broker := model.Broker{ID: 1, OutboundPrefix: "uns", OutboundFormat: model.PayloadJSON, OutboundMinInterval: time.Second}
	p, _ := testPublisher(broker, mock)

	require.NoError(t, p.onEvent(context.Background(), sampleEvent(7)))
	assert.Equal(t, 0, p.PruneStale(), "fresh entry survives")

	mock.Add(2 * time.Hour)
	assert.Equal(t, 1, p.PruneStale())
}

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, "line_1", SanitizeSegment("Line 1"))
	assert.Equal(t, "ab", SanitizeSegment("A#+B"))
	assert.Equal(t, "x_y", SanitizeSegment("X Y\x00"))
}
