// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspc/openspc/pkg/events"
	"github.com/openspc/openspc/pkg/model"
)

func sampleEvent(charID, sampleID int64, mean float64, zone *model.Zone) *events.SampleProcessed {
	return events.NewSampleProcessed(charID, model.Sample{
		ID:               sampleID,
		CharacteristicID: charID,
		Timestamp:        time.Now().UTC(),
		Mean:             mean,
		Zone:             zone,
	}, true, 0, nil)
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialClient(t *testing.T, url string) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *testClient) read() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(c.t, c.ws.ReadJSON(&msg))
	return msg
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var msg json.RawMessage
	err := c.ws.ReadJSON(&msg)
	assert.Error(c.t, err, "expected no message, got %s", string(msg))
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()
	b := New(clock.NewMock(), time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	t.Cleanup(srv.Close)
	t.Cleanup(b.Stop)
	return b, srv
}

// subscribeAndSync subscribes and uses a ping round-trip to know the server
// processed the subscription.
func subscribeAndSync(c *testClient, ids ...int64) {
	c.send(clientMessage{Type: "subscribe", CharacteristicIDs: ids})
	c.send(clientMessage{Type: "ping"})
	msg := c.read()
	require.Equal(c.t, "pong", msg["type"])
}

func TestSampleGoesToSubscribersOnly(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	sub := dialClient(t, srv.URL)
	other := dialClient(t, srv.URL)
	subscribeAndSync(sub, 7)
	subscribeAndSync(other, 8)

	zone := model.ZoneCUpper
	err := b.onSampleProcessed(context.Background(), sampleEvent(7, 42, 101.5, &zone))
	require.NoError(t, err)

	msg := sub.read()
	assert.Equal(t, "sample", msg["type"])
	assert.Equal(t, float64(7), msg["characteristic_id"])
	sample := msg["sample"].(map[string]interface{})
	assert.Equal(t, float64(42), sample["id"])
	assert.Equal(t, 101.5, sample["mean"])
	assert.Equal(t, "zone_c_upper", sample["zone"])

	other.expectNothing()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	c := dialClient(t, srv.URL)
	subscribeAndSync(c, 7)

	c.send(clientMessage{Type: "unsubscribe", CharacteristicIDs: []int64{7}})
	c.send(clientMessage{Type: "ping"})
	require.Equal(t, "pong", c.read()["type"])

	require.NoError(t, b.onSampleProcessed(context.Background(), sampleEvent(7, 1, 100, nil)))
	c.expectNothing()
}

func TestAckGoesToAllConnections(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	sub := dialClient(t, srv.URL)
	other := dialClient(t, srv.URL)
	subscribeAndSync(sub, 7)
	subscribeAndSync(other, 8)

	v := &model.Violation{ID: 9, CharacteristicID: 7, SampleID: 3, RuleID: 1, RuleName: "Outlier", Severity: model.SeverityCritical, Acknowledged: true}
	require.NoError(t, b.NotifyAcknowledgement(context.Background(), v, true))

	for _, c := range []*testClient{sub, other} {
		msg := c.read()
		assert.Equal(t, "ack_update", msg["type"])
		assert.Equal(t, true, msg["sample_excluded"])
	}
}

func TestViolationNotifier(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	c := dialClient(t, srv.URL)
	subscribeAndSync(c, 7)

	v := &model.Violation{ID: 1, CharacteristicID: 7, SampleID: 3, RuleID: 5, RuleName: "Zone A", Severity: model.SeverityWarning}
	require.NoError(t, b.NotifyViolation(context.Background(), v))

	msg := c.read()
	assert.Equal(t, "violation", msg["type"])
	vb := msg["violation"].(map[string]interface{})
	assert.Equal(t, float64(5), vb["rule_id"])
	assert.Equal(t, "Zone A", vb["rule_name"])
}

func TestUnknownMessageType(t *testing.T) {
	_, srv := newTestBroadcaster(t)
	c := dialClient(t, srv.URL)
	c.send(map[string]string{"type": "bogus"})
	msg := c.read()
	assert.Equal(t, "error", msg["type"])
}

func TestHeartbeatEvictsSilentClients(t *testing.T) {
	mock := clock.NewMock()
	b := New(mock, 10*time.Second)
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	t.Cleanup(srv.Close)
	b.Start()
	t.Cleanup(b.Stop)

	c := dialClient(t, srv.URL)
	subscribeAndSync(c, 1)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.conns) == 1
	}, time.Second, 10*time.Millisecond)

	// No pings for longer than the timeout; heartbeat tick evicts.
	mock.Add(25 * time.Second)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.conns) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRejectUnauthorizedClosesWith4001(t *testing.T) {
	b := New(clock.NewMock(), time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(b.RejectUnauthorized))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnauthorized, closeErr.Code)
}

// Clients disconnecting mid-broadcast must not take down the sending side:
// the writer-channel close and concurrent enqueues are serialized per
// connection, so a frame aimed at a just-dropped conn is silently discarded.
func TestBroadcastSurvivesConcurrentDisconnects(t *testing.T) {
	b, srv := newTestBroadcaster(t)

	clients := make([]*testClient, 16)
	for i := range clients {
		clients[i] = dialClient(t, srv.URL)
		subscribeAndSync(clients[i], 7)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		zone := model.ZoneCUpper
		for i := int64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
				_ = b.onSampleProcessed(context.Background(), sampleEvent(7, i, 100, &zone))
			}
		}
	}()

	for _, c := range clients {
		require.NoError(t, c.ws.Close())
	}
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.conns) == 0
	}, 2*time.Second, 5*time.Millisecond)

	close(stop)
	<-done
}
