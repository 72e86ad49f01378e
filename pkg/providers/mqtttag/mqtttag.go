// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package mqtttag ingests tag readings from MQTT brokers. One topic may feed
// several characteristics; Sparkplug topics fan out further by metric name.
package mqtttag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/openspc/openspc/pkg/buffer"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/secrets"
	"github.com/openspc/openspc/pkg/sparkplug"
	"github.com/openspc/openspc/pkg/util/log"
)

const connectTimeout = 5 * time.Second

// Store is the catalog slice the provider loads its subscriptions from.
type Store interface {
	ActiveSourcesOfKind(ctx context.Context, kind model.SourceKind) ([]*model.DataSource, error)
	Characteristic(ctx context.Context, id int64) (*model.Characteristic, error)
	Broker(ctx context.Context, id int64) (*model.Broker, error)
}

// route binds one characteristic to a topic; MetricName is set for Sparkplug
// topics that carry several named metrics.
type route struct {
	charID     int64
	metricName string
}

// brokerState is the per-broker client plus its routing tables.
type brokerState struct {
	client   mqtt.Client
	topics   map[string][]route // data topic -> characteristics
	triggers map[string][]int64 // trigger topic -> characteristics to flush
}

// Provider subscribes to the topics declared by active MQTT data sources and
// walks each reading through the subgroup buffers.
type Provider struct {
	store   Store
	keeper  *secrets.Keeper
	buffers *buffer.Manager

	mu      sync.Mutex
	brokers map[int64]*brokerState
}

// New builds an MQTT tag provider.
func New(store Store, keeper *secrets.Keeper, buffers *buffer.Manager) *Provider {
	return &Provider{
		store:   store,
		keeper:  keeper,
		buffers: buffers,
		brokers: make(map[int64]*brokerState),
	}
}

// Start loads every active MQTT data source, registers their buffers, and
// connects one client per referenced broker. Brokers that fail to connect are
// logged and skipped; paho keeps retrying in the background.
func (p *Provider) Start(ctx context.Context) error {
	sources, err := p.store.ActiveSourcesOfKind(ctx, model.SourceKindMQTT)
	if err != nil {
		return fmt.Errorf("loading mqtt data sources: %w", err)
	}

	states := make(map[int64]*brokerState)
	for _, src := range sources {
		if src.MQTT == nil {
			continue
		}
		ch, err := p.store.Characteristic(ctx, src.CharacteristicID)
		if err != nil {
			log.Warnf("mqtt source %d: characteristic %d unavailable: %v", src.ID, src.CharacteristicID, err) //nolint:errcheck
			continue
		}
		p.buffers.Register(buffer.TagConfig{
			CharacteristicID: ch.ID,
			SourceIdentifier: src.MQTT.Topic,
			SubgroupSize:     ch.SubgroupSize,
			Strategy:         src.TriggerStrategy,
			TriggerTag:       src.MQTT.TriggerTag,
			MetricName:       src.MQTT.MetricName,
			Source:           model.SourceTag,
		})

		st, ok := states[src.MQTT.BrokerID]
		if !ok {
			st = &brokerState{
				topics:   make(map[string][]route),
				triggers: make(map[string][]int64),
			}
			states[src.MQTT.BrokerID] = st
		}
		st.topics[src.MQTT.Topic] = append(st.topics[src.MQTT.Topic],
			route{charID: ch.ID, metricName: src.MQTT.MetricName})
		if src.MQTT.TriggerTag != "" {
			st.triggers[src.MQTT.TriggerTag] = append(st.triggers[src.MQTT.TriggerTag], ch.ID)
		}
	}

	p.mu.Lock()
	p.brokers = states
	p.mu.Unlock()

	for brokerID, st := range states {
		if err := p.connect(ctx, brokerID, st); err != nil {
			log.Errorf("mqtt broker %d: %v", brokerID, err) //nolint:errcheck
		}
	}
	return nil
}

func (p *Provider) connect(ctx context.Context, brokerID int64, st *brokerState) error {
	b, err := p.store.Broker(ctx, brokerID)
	if err != nil {
		return err
	}

	scheme := "tcp"
	if b.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)).
		SetClientID(fmt.Sprintf("openspc-tag-%d", brokerID)).
		SetKeepAlive(b.KeepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(b.MaxReconnectDelay).
		SetOnConnectHandler(func(c mqtt.Client) {
			p.subscribeAll(c, st)
		})
	if b.Username != "" {
		pw, err := p.keeper.Decrypt(b.EncryptedPassword)
		if err != nil {
			return fmt.Errorf("broker %q credentials: %w", b.Name, err)
		}
		opts.SetUsername(b.Username).SetPassword(pw)
	}

	st.client = mqtt.NewClient(opts)
	token := st.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("broker %q: connect timed out", b.Name)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker %q: %w", b.Name, err)
	}
	return nil
}

// subscribeAll runs on every (re)connect; paho forgets subscriptions across
// reconnects unless session state is persisted.
func (p *Provider) subscribeAll(c mqtt.Client, st *brokerState) {
	for topic := range st.topics {
		t := topic
		c.Subscribe(t, 1, func(_ mqtt.Client, msg mqtt.Message) {
			p.onData(st, t, msg.Payload())
		})
	}
	for trigger := range st.triggers {
		tr := trigger
		c.Subscribe(tr, 1, func(_ mqtt.Client, _ mqtt.Message) {
			p.onTrigger(st, tr)
		})
	}
	log.Infof("mqtt subscriptions restored (%d topics, %d triggers)", len(st.topics), len(st.triggers))
}

func (p *Provider) onData(st *brokerState, topic string, payload []byte) {
	ctx := context.Background()
	routes := st.topics[topic]

	if sparkplug.IsSparkplugTopic(topic) {
		pl, err := sparkplug.Decode(payload)
		if err != nil {
			log.Warnf("topic %q: dropping undecodable sparkplug payload: %v", topic, err) //nolint:errcheck
			return
		}
		for _, m := range pl.Metrics {
			v, ok := m.NumericValue()
			if !ok {
				continue
			}
			for _, r := range routes {
				if r.metricName == m.Name {
					p.buffers.Add(ctx, r.charID, v)
				}
			}
		}
		return
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		log.Warnf("topic %q: dropping unparseable payload %q", topic, string(payload)) //nolint:errcheck
		return
	}
	for _, r := range routes {
		p.buffers.Add(ctx, r.charID, v)
	}
}

func (p *Provider) onTrigger(st *brokerState, trigger string) {
	ctx := context.Background()
	for _, charID := range st.triggers[trigger] {
		p.buffers.FlushTrigger(ctx, charID)
	}
}

// Stop disconnects every broker client.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.brokers {
		if st.client != nil && st.client.IsConnected() {
			st.client.Disconnect(250)
		}
	}
}
