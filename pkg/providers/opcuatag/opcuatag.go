// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package opcuatag ingests tag readings from OPC-UA servers. One monitored
// node feeds exactly one characteristic.
package opcuatag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/monitor"

	"github.com/openspc/openspc/pkg/buffer"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/secrets"
	"github.com/openspc/openspc/pkg/util/log"
)

const connectTimeout = 10 * time.Second

// Store is the catalog slice the provider loads its subscriptions from.
type Store interface {
	ActiveSourcesOfKind(ctx context.Context, kind model.SourceKind) ([]*model.DataSource, error)
	Characteristic(ctx context.Context, id int64) (*model.Characteristic, error)
	OPCUAServer(ctx context.Context, id int64) (*model.OPCUAServer, error)
}

type nodeBinding struct {
	nodeID   string
	charID   int64
	interval time.Duration
}

type serverState struct {
	server   *model.OPCUAServer
	bindings []nodeBinding
	cancel   context.CancelFunc
}

// Provider monitors one OPC-UA node per active data source and walks each
// data change through the subgroup buffers.
type Provider struct {
	store   Store
	keeper  *secrets.Keeper
	buffers *buffer.Manager

	mu      sync.Mutex
	servers map[int64]*serverState
	wg      sync.WaitGroup
}

// New builds an OPC-UA tag provider.
func New(store Store, keeper *secrets.Keeper, buffers *buffer.Manager) *Provider {
	return &Provider{
		store:   store,
		keeper:  keeper,
		buffers: buffers,
		servers: make(map[int64]*serverState),
	}
}

// Start loads every active OPC-UA data source, registers their buffers, and
// spawns one monitoring loop per referenced server. Sources configured with
// on_trigger are skipped: OPC-UA has no trigger-tag channel.
func (p *Provider) Start(ctx context.Context) error {
	sources, err := p.store.ActiveSourcesOfKind(ctx, model.SourceKindOPCUA)
	if err != nil {
		return fmt.Errorf("loading opcua data sources: %w", err)
	}

	states := make(map[int64]*serverState)
	for _, src := range sources {
		if src.OPCUA == nil {
			continue
		}
		if src.TriggerStrategy == model.TriggerOnTrigger {
			log.Warnf("opcua source %d: on_trigger is not supported, skipping", src.ID) //nolint:errcheck
			continue
		}
		ch, err := p.store.Characteristic(ctx, src.CharacteristicID)
		if err != nil {
			log.Warnf("opcua source %d: characteristic %d unavailable: %v", src.ID, src.CharacteristicID, err) //nolint:errcheck
			continue
		}

		st, ok := states[src.OPCUA.ServerID]
		if !ok {
			srv, err := p.store.OPCUAServer(ctx, src.OPCUA.ServerID)
			if err != nil {
				log.Errorf("opcua source %d: %v", src.ID, err) //nolint:errcheck
				continue
			}
			st = &serverState{server: srv}
			states[src.OPCUA.ServerID] = st
		}

		p.buffers.Register(buffer.TagConfig{
			CharacteristicID: ch.ID,
			SourceIdentifier: src.OPCUA.NodeID,
			SubgroupSize:     ch.SubgroupSize,
			Strategy:         src.TriggerStrategy,
			Source:           model.SourceOPCUA,
		})
		st.bindings = append(st.bindings, nodeBinding{
			nodeID:   src.OPCUA.NodeID,
			charID:   ch.ID,
			interval: samplingInterval(st.server, src.OPCUA),
		})
	}

	p.mu.Lock()
	p.servers = states
	p.mu.Unlock()

	for _, st := range states {
		runCtx, cancel := context.WithCancel(context.Background())
		st.cancel = cancel
		p.wg.Add(1)
		go p.run(runCtx, st)
	}
	return nil
}

// samplingInterval applies the per-source override over the server default.
func samplingInterval(srv *model.OPCUAServer, src *model.OPCUASource) time.Duration {
	ms := srv.SamplingInterval
	if src.SamplingInterval != nil {
		ms = *src.SamplingInterval
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// run keeps one server session alive, reconnecting with exponential backoff
// and restoring subscriptions after each reconnect.
func (p *Provider) run(ctx context.Context, st *serverState) {
	defer p.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = st.server.SessionTimeout
	policy.MaxElapsedTime = 0 // retry forever

	for {
		err := p.session(ctx, st)
		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		log.Warnf("opcua server %q: session ended (%v), reconnecting in %s", st.server.Name, err, wait) //nolint:errcheck
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Provider) session(ctx context.Context, st *serverState) error {
	opts := []opcua.Option{
		opcua.SecurityPolicy(st.server.SecurityPolicy),
		opcua.SecurityModeString(st.server.SecurityMode),
		opcua.SessionTimeout(st.server.SessionTimeout),
	}
	if st.server.AuthMode == "username" {
		pw, err := p.keeper.Decrypt(st.server.EncryptedPassword)
		if err != nil {
			return fmt.Errorf("server %q credentials: %w", st.server.Name, err)
		}
		opts = append(opts, opcua.AuthUsername(st.server.Username, pw))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(st.server.EndpointURL, opts...)
	if err != nil {
		return err
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close(ctx) //nolint:errcheck

	m, err := monitor.NewNodeMonitor(client)
	if err != nil {
		return err
	}

	msgs := make(chan *monitor.DataChangeMessage, 64)
	nodes := make([]string, len(st.bindings))
	byNode := make(map[string]int64, len(st.bindings))
	interval := st.server.PublishingInterval
	for i, b := range st.bindings {
		nodes[i] = b.nodeID
		byNode[b.nodeID] = b.charID
		if b.interval > 0 && (interval == 0 || b.interval < interval) {
			interval = b.interval
		}
	}
	sub, err := m.ChanSubscribe(ctx, &opcua.SubscriptionParameters{Interval: interval}, msgs, nodes...)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe(ctx) //nolint:errcheck

	log.Infof("opcua server %q: monitoring %d nodes", st.server.Name, len(nodes))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			if msg.Error != nil {
				log.Warnf("opcua server %q: %v", st.server.Name, msg.Error) //nolint:errcheck
				continue
			}
			v, ok := numeric(msg.Value.Value())
			if !ok {
				log.Debugf("opcua node %s: dropping non-numeric value %T", msg.NodeID, msg.Value.Value())
				continue
			}
			if charID, ok := byNode[msg.NodeID.String()]; ok {
				p.buffers.Add(ctx, charID, v)
			}
		}
	}
}

// numeric widens any numeric variant value to float64.
func numeric(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// Stop cancels every server session and waits for the loops to exit.
func (p *Provider) Stop() {
	p.mu.Lock()
	for _, st := range p.servers {
		if st.cancel != nil {
			st.cancel()
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}
