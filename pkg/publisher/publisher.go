// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package publisher re-publishes SPC events to outbound-enabled MQTT brokers
// under a Unified Namespace topic layout.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/openspc/openspc/pkg/eventbus"
	"github.com/openspc/openspc/pkg/events"
	"github.com/openspc/openspc/pkg/metrics"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/secrets"
	"github.com/openspc/openspc/pkg/sparkplug"
	"github.com/openspc/openspc/pkg/util/log"
)

const (
	connectTimeout = 5 * time.Second
	pruneInterval  = time.Minute
	// Rate-limit entries untouched for this long are forgotten.
	staleAfter = time.Hour
)

// Event segment names in outbound topics.
const (
	eventSample    = "sample"
	eventViolation = "violation"
	eventAck       = "ack"
	eventLimits    = "limits"
)

// Store resolves the topic path pieces and the outbound broker set.
type Store interface {
	Characteristic(ctx context.Context, id int64) (*model.Characteristic, error)
	Plant(ctx context.Context, id int64) (*model.Plant, error)
	NodePath(ctx context.Context, nodeID int64) ([]string, error)
	OutboundBrokers(ctx context.Context) ([]model.Broker, error)
}

// sender abstracts the broker write for tests.
type sender func(topic string, payload []byte) error

type brokerConn struct {
	broker model.Broker
	client mqtt.Client
	send   sender
}

type rateKey struct {
	brokerID int64
	charID   int64
}

// Publisher is an event-bus sink that mirrors the four SPC events outward.
type Publisher struct {
	store  Store
	keeper *secrets.Keeper
	clock  clock.Clock

	mu       sync.Mutex
	conns    []*brokerConn
	lastSent map[rateKey]time.Time
	// topic path cache; entries live for the process lifetime since plant
	// trees change rarely and a restart rebuilds it.
	paths map[int64]string

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a publisher.
func New(store Store, keeper *secrets.Keeper, clk clock.Clock) *Publisher {
	return &Publisher{
		store:    store,
		keeper:   keeper,
		clock:    clk,
		lastSent: make(map[rateKey]time.Time),
		paths:    make(map[int64]string),
	}
}

// Attach subscribes the publisher to all four event kinds.
func (p *Publisher) Attach(bus *eventbus.Bus) {
	bus.Subscribe(events.KindSampleProcessed, p.onEvent)
	bus.Subscribe(events.KindControlLimitsUpdated, p.onEvent)
	bus.Subscribe(events.KindViolationCreated, p.onEvent)
	bus.Subscribe(events.KindViolationAcknowledged, p.onEvent)
}

// Start connects to every outbound-enabled broker and begins pruning stale
// rate-limit entries. Brokers that fail to connect are skipped with an error
// log; the rest still receive events.
func (p *Publisher) Start(ctx context.Context) error {
	brokers, err := p.store.OutboundBrokers(ctx)
	if err != nil {
		return fmt.Errorf("loading outbound brokers: %w", err)
	}
	for _, b := range brokers {
		conn, err := p.connect(b)
		if err != nil {
			log.Errorf("outbound broker %q: %v", b.Name, err) //nolint:errcheck
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
	}

	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.pruneLoop()
	return nil
}

// Stop disconnects every broker and halts pruning.
func (p *Publisher) Stop() {
	if p.stopCh != nil {
		close(p.stopCh)
		<-p.done
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.client != nil && c.client.IsConnected() {
			c.client.Disconnect(250)
		}
	}
	p.conns = nil
}

func (p *Publisher) connect(b model.Broker) (*brokerConn, error) {
	scheme := "tcp"
	if b.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)).
		SetClientID(fmt.Sprintf("openspc-out-%d", b.ID)).
		SetKeepAlive(b.KeepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(b.MaxReconnectDelay)
	if b.Username != "" {
		pw, err := p.keeper.Decrypt(b.EncryptedPassword)
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		opts.SetUsername(b.Username).SetPassword(pw)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return &brokerConn{
		broker: b,
		client: client,
		send: func(topic string, payload []byte) error {
			t := client.Publish(topic, 0, false, payload)
			if !t.WaitTimeout(connectTimeout) {
				return fmt.Errorf("publish to %q timed out", topic)
			}
			return t.Error()
		},
	}, nil
}

func (p *Publisher) onEvent(ctx context.Context, e events.Event) error {
	switch ev := e.(type) {
	case *events.SampleProcessed:
		return p.publish(ctx, ev.CharacteristicID, eventSample, ev.Timestamp, map[string]sparkplug.Metric{
			"sample_id":  {DataType: sparkplug.TypeInt64, Value: ev.Sample.ID},
			"mean":       {DataType: sparkplug.TypeDouble, Value: ev.Sample.Mean},
			"zone":       {DataType: sparkplug.TypeString, Value: zoneString(ev.Sample.Zone)},
			"in_control": {DataType: sparkplug.TypeBoolean, Value: ev.InControl},
		})
	case *events.ControlLimitsUpdated:
		return p.publish(ctx, ev.CharacteristicID, eventLimits, ev.Timestamp, map[string]sparkplug.Metric{
			"center_line": {DataType: sparkplug.TypeDouble, Value: ev.CenterLine},
			"ucl":         {DataType: sparkplug.TypeDouble, Value: ev.UCL},
			"lcl":         {DataType: sparkplug.TypeDouble, Value: ev.LCL},
			"sigma":       {DataType: sparkplug.TypeDouble, Value: ev.Sigma},
		})
	case *events.ViolationCreated:
		return p.publish(ctx, ev.CharacteristicID, eventViolation, ev.Timestamp, map[string]sparkplug.Metric{
			"violation_id": {DataType: sparkplug.TypeInt64, Value: ev.Violation.ID},
			"sample_id":    {DataType: sparkplug.TypeInt64, Value: ev.Violation.SampleID},
			"rule_id":      {DataType: sparkplug.TypeInt64, Value: int64(ev.Violation.RuleID)},
			"rule_name":    {DataType: sparkplug.TypeString, Value: ev.Violation.RuleName},
			"severity":     {DataType: sparkplug.TypeString, Value: string(ev.Violation.Severity)},
		})
	case *events.ViolationAcknowledged:
		return p.publish(ctx, ev.CharacteristicID, eventAck, ev.Timestamp, map[string]sparkplug.Metric{
			"violation_id":    {DataType: sparkplug.TypeInt64, Value: ev.Violation.ID},
			"acknowledged":    {DataType: sparkplug.TypeBoolean, Value: true},
			"sample_excluded": {DataType: sparkplug.TypeBoolean, Value: ev.SampleExcluded},
		})
	}
	return nil
}

func zoneString(z *model.Zone) string {
	if z == nil {
		return ""
	}
	return string(*z)
}

// publish fans one event out to every connected broker, applying the
// per-(broker, characteristic) rate limit.
func (p *Publisher) publish(ctx context.Context, charID int64, event string, ts time.Time, fields map[string]sparkplug.Metric) error {
	p.mu.Lock()
	conns := append([]*brokerConn(nil), p.conns...)
	p.mu.Unlock()
	if len(conns) == 0 {
		return nil
	}

	path, err := p.topicPath(ctx, charID)
	if err != nil {
		return err
	}

	for _, c := range conns {
		if !p.allow(c.broker, charID) {
			continue
		}
		topic := c.broker.OutboundPrefix + "/" + path + "/" + event
		payload, err := encodePayload(c.broker.OutboundFormat, event, ts, fields)
		if err != nil {
			return err
		}
		if err := c.send(topic, payload); err != nil {
			log.Warnf("outbound broker %q: %v", c.broker.Name, err) //nolint:errcheck
			continue
		}
		metrics.OutboundPublishes.WithLabelValues(event).Inc()
	}
	return nil
}

// allow records and enforces the broker's minimum publish interval for one
// characteristic.
func (p *Publisher) allow(b model.Broker, charID int64) bool {
	if b.OutboundMinInterval <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := rateKey{brokerID: b.ID, charID: charID}
	now := p.clock.Now()
	if last, ok := p.lastSent[key]; ok && now.Sub(last) < b.OutboundMinInterval {
		return false
	}
	p.lastSent[key] = now
	return true
}

// topicPath builds and caches `{plant}/{node path…}/{char}` for one
// characteristic, every segment sanitised.
func (p *Publisher) topicPath(ctx context.Context, charID int64) (string, error) {
	p.mu.Lock()
	if cached, ok := p.paths[charID]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	ch, err := p.store.Characteristic(ctx, charID)
	if err != nil {
		return "", err
	}
	plant, err := p.store.Plant(ctx, ch.PlantID)
	if err != nil {
		return "", err
	}
	nodes, err := p.store.NodePath(ctx, ch.NodeID)
	if err != nil {
		return "", err
	}

	segments := make([]string, 0, len(nodes)+2)
	segments = append(segments, SanitizeSegment(plant.Name))
	for _, n := range nodes {
		segments = append(segments, SanitizeSegment(n))
	}
	segments = append(segments, SanitizeSegment(ch.Name))
	path := strings.Join(segments, "/")

	p.mu.Lock()
	p.paths[charID] = path
	p.mu.Unlock()
	return path, nil
}

// SanitizeSegment makes a string safe as one MQTT topic level: lowercased,
// spaces to underscores, wildcard and NUL characters stripped.
func SanitizeSegment(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	return strings.Map(func(r rune) rune {
		switch r {
		case '#', '+', 0:
			return -1
		}
		return r
	}, s)
}

// encodePayload renders one event per the broker's configured format.
func encodePayload(format model.PayloadFormat, event string, ts time.Time, fields map[string]sparkplug.Metric) ([]byte, error) {
	if format == model.PayloadSparkplug {
		pl := &sparkplug.Payload{Timestamp: ts}
		for name, m := range fields {
			pl.Metrics = append(pl.Metrics, sparkplug.Metric{Name: name, DataType: m.DataType, Value: m.Value})
		}
		return sparkplug.Encode(pl)
	}

	obj := map[string]interface{}{
		"event":     event,
		"timestamp": ts.Format(time.RFC3339Nano),
	}
	for name, m := range fields {
		obj[name] = m.Value
	}
	return json.Marshal(obj)
}

// pruneLoop drops rate-limit entries that have not been touched for a while,
// keeping the map bounded over long uptimes.
func (p *Publisher) pruneLoop() {
	defer close(p.done)
	ticker := p.clock.Ticker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.PruneStale()
		}
	}
}

// PruneStale removes rate-limit entries older than staleAfter. Returns the
// number of entries removed.
func (p *Publisher) PruneStale() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.clock.Now().Add(-staleAfter)
	removed := 0
	for k, last := range p.lastSent {
		if last.Before(cutoff) {
			delete(p.lastSent, k)
			removed++
		}
	}
	return removed
}
