// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package broadcaster fans SPC events out to live websocket subscribers. It
// sits on the event bus for sample and limit updates and doubles as an alert
// notifier for violation lifecycle changes.
package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/openspc/openspc/pkg/eventbus"
	"github.com/openspc/openspc/pkg/events"
	"github.com/openspc/openspc/pkg/metrics"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/util/log"
)

// DefaultPingTimeout evicts clients that stop sending pings.
const DefaultPingTimeout = 60 * time.Second

const sendBuffer = 32

// CloseUnauthorized is the close code sent to unauthenticated connects.
const CloseUnauthorized = 4001

// clientMessage is the client→server protocol. Subscribe/unsubscribe take
// either the plural list or a single characteristic_id.
type clientMessage struct {
	Type              string  `json:"type"`
	CharacteristicID  *int64  `json:"characteristic_id,omitempty"`
	CharacteristicIDs []int64 `json:"characteristic_ids,omitempty"`
}

func (m *clientMessage) targets() []int64 {
	ids := m.CharacteristicIDs
	if m.CharacteristicID != nil {
		ids = append(ids, *m.CharacteristicID)
	}
	return ids
}

// sampleBody is the compact sample payload sent to subscribers.
type sampleBody struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Mean      float64     `json:"mean"`
	Zone      *model.Zone `json:"zone"`
	InControl bool        `json:"in_control"`
}

type violationBody struct {
	ID               int64          `json:"id"`
	CharacteristicID int64          `json:"characteristic_id"`
	SampleID         int64          `json:"sample_id"`
	RuleID           int            `json:"rule_id"`
	RuleName         string         `json:"rule_name"`
	Severity         model.Severity `json:"severity"`
	Acknowledged     bool           `json:"acknowledged"`
}

func toViolationBody(v *model.Violation) violationBody {
	return violationBody{
		ID:               v.ID,
		CharacteristicID: v.CharacteristicID,
		SampleID:         v.SampleID,
		RuleID:           v.RuleID,
		RuleName:         v.RuleName,
		Severity:         v.Severity,
		Acknowledged:     v.Acknowledged,
	}
}

// conn is one live subscriber. The writer goroutine owns the websocket write
// side; the reader loop owns subscriptions and the ping clock.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	closed   bool
	subs     map[int64]bool
	lastPing time.Time
}

func (c *conn) subscribed(charID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[charID]
}

// enqueue hands a frame to the writer without blocking; a full buffer means
// the client cannot keep up and false is returned so the caller drops it.
// The send happens under the conn lock so it cannot race a concurrent close;
// enqueue after close is a no-op.
func (c *conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the writer channel exactly once.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Broadcaster owns the live-subscriber registry.
type Broadcaster struct {
	clock       clock.Clock
	pingTimeout time.Duration
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a broadcaster. A mock clock may be injected for tests.
func New(clk clock.Clock, pingTimeout time.Duration) *Broadcaster {
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}
	return &Broadcaster{
		clock:       clk,
		pingTimeout: pingTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Attach subscribes the broadcaster to the bus events it forwards. Violation
// lifecycle changes arrive through the AlertNotifier interface instead.
func (b *Broadcaster) Attach(bus *eventbus.Bus) {
	bus.Subscribe(events.KindSampleProcessed, b.onSampleProcessed)
	bus.Subscribe(events.KindControlLimitsUpdated, b.onLimitsUpdated)
}

// Start runs the heartbeat monitor.
func (b *Broadcaster) Start() {
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	go b.heartbeat()
}

// Stop terminates the heartbeat monitor and closes every connection.
func (b *Broadcaster) Stop() {
	if b.stopCh != nil {
		close(b.stopCh)
		<-b.done
	}
	b.mu.Lock()
	for c := range b.conns {
		c.close()
		delete(b.conns, c)
	}
	b.mu.Unlock()
	metrics.LiveSubscribers.Set(0)
}

// RejectUnauthorized upgrades the connection just far enough to deliver the
// 4001 close code, so browser clients can distinguish auth failures from
// network errors.
func (b *Broadcaster) RejectUnauthorized(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(CloseUnauthorized, "authentication required")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

// HandleWS upgrades an authenticated request and serves it until the client
// goes away or is evicted.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("live: upgrade failed: %v", err) //nolint:errcheck
		return
	}

	c := &conn{
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		subs:     make(map[int64]bool),
		lastPing: b.clock.Now(),
	}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	n := len(b.conns)
	b.mu.Unlock()
	metrics.LiveSubscribers.Set(float64(n))

	go b.writer(c)
	b.reader(c)
}

func (b *Broadcaster) writer(c *conn) {
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.drop(c, "write failed")
			return
		}
	}
	_ = c.ws.Close()
}

func (b *Broadcaster) reader(c *conn) {
	defer b.drop(c, "client disconnected")
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(mustMarshal(map[string]string{"type": "error", "message": "malformed message"}))
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			for _, id := range msg.targets() {
				c.subs[id] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, id := range msg.targets() {
				delete(c.subs, id)
			}
			c.mu.Unlock()
		case "ping":
			c.mu.Lock()
			c.lastPing = b.clock.Now()
			c.mu.Unlock()
			c.enqueue(mustMarshal(map[string]string{"type": "pong"}))
		default:
			c.enqueue(mustMarshal(map[string]string{"type": "error", "message": "unknown message type"}))
		}
	}
}

// drop removes a connection and tears down its subscriptions. Safe to call
// more than once.
func (b *Broadcaster) drop(c *conn, reason string) {
	b.mu.Lock()
	_, present := b.conns[c]
	if present {
		delete(b.conns, c)
		c.close()
	}
	n := len(b.conns)
	b.mu.Unlock()
	if present {
		log.Debugf("live: dropping subscriber: %s", reason)
		metrics.LiveSubscribers.Set(float64(n))
		_ = c.ws.Close()
	}
}

// heartbeat evicts connections whose last ping is older than the timeout.
func (b *Broadcaster) heartbeat() {
	defer close(b.done)
	ticker := b.clock.Ticker(b.pingTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			now := b.clock.Now()
			b.mu.Lock()
			var stale []*conn
			for c := range b.conns {
				c.mu.Lock()
				if now.Sub(c.lastPing) > b.pingTimeout {
					stale = append(stale, c)
				}
				c.mu.Unlock()
			}
			b.mu.Unlock()
			for _, c := range stale {
				b.drop(c, "ping timeout")
			}
		}
	}
}

// broadcast sends to subscribers of charID; charID < 0 means everyone.
func (b *Broadcaster) broadcast(charID int64, msg []byte) {
	b.mu.Lock()
	targets := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		if charID < 0 || c.subscribed(charID) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(msg) {
			b.drop(c, "send buffer full")
		}
	}
}

func (b *Broadcaster) onSampleProcessed(_ context.Context, e events.Event) error {
	ev := e.(*events.SampleProcessed)
	violations := make([]violationBody, len(ev.Violations))
	for i := range ev.Violations {
		violations[i] = toViolationBody(&ev.Violations[i])
	}
	msg := mustMarshal(map[string]interface{}{
		"type":              "sample",
		"characteristic_id": ev.CharacteristicID,
		"sample": sampleBody{
			ID:        ev.Sample.ID,
			Timestamp: ev.Sample.Timestamp,
			Mean:      ev.Sample.Mean,
			Zone:      ev.Sample.Zone,
			InControl: ev.InControl,
		},
		"violations": violations,
	})
	b.broadcast(ev.CharacteristicID, msg)
	return nil
}

func (b *Broadcaster) onLimitsUpdated(_ context.Context, e events.Event) error {
	ev := e.(*events.ControlLimitsUpdated)
	msg := mustMarshal(map[string]interface{}{
		"type":              "limits_update",
		"characteristic_id": ev.CharacteristicID,
		"center_line":       ev.CenterLine,
		"ucl":               ev.UCL,
		"lcl":               ev.LCL,
		"sigma":             ev.Sigma,
		"sample_count":      ev.SampleCount,
	})
	b.broadcast(ev.CharacteristicID, msg)
	return nil
}

// NotifyViolation implements alert.Notifier.
func (b *Broadcaster) NotifyViolation(_ context.Context, v *model.Violation) error {
	msg := mustMarshal(map[string]interface{}{
		"type":      "violation",
		"violation": toViolationBody(v),
	})
	b.broadcast(v.CharacteristicID, msg)
	return nil
}

// NotifyAcknowledgement implements alert.Notifier. Acknowledgement updates go
// to every connection, not just subscribers of the characteristic.
func (b *Broadcaster) NotifyAcknowledgement(_ context.Context, v *model.Violation, sampleExcluded bool) error {
	msg := mustMarshal(map[string]interface{}{
		"type":            "ack_update",
		"violation":       toViolationBody(v),
		"sample_excluded": sampleExcluded,
	})
	b.broadcast(-1, msg)
	return nil
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("live: marshalling payload: %v", err) //nolint:errcheck
		return []byte(`{"type":"error","message":"internal error"}`)
	}
	return data
}
