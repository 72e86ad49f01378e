// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package retention enforces stored retention policies: a background engine
// walks active plants on an interval and purges samples past their policy,
// recording every run in purge history.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/openspc/openspc/pkg/metrics"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/util/log"
)

// Defaults, overridable through configuration.
const (
	DefaultInterval = 24 * time.Hour
	BatchSize       = 1000
)

// Retention-unit multipliers. Months and years are calendar approximations.
var unitMultipliers = map[string]time.Duration{
	"days":   24 * time.Hour,
	"weeks":  7 * 24 * time.Hour,
	"months": 30 * 24 * time.Hour,
	"years":  365 * 24 * time.Hour,
}

// PolicySource says where a resolved policy came from.
type PolicySource string

// Policy sources, most specific first.
const (
	SourceCharacteristic PolicySource = "characteristic"
	SourceHierarchy      PolicySource = "hierarchy"
	SourceGlobal         PolicySource = "global"
	SourceDefault        PolicySource = "default" // implicit forever
)

// Resolved is the effective policy of one characteristic plus its provenance.
type Resolved struct {
	Policy     *model.RetentionPolicy // nil for the implicit default
	Source     PolicySource
	SourceID   int64
	SourceName string
}

// Type returns the effective retention type.
func (r *Resolved) Type() model.RetentionType {
	if r.Policy == nil {
		return model.RetentionForever
	}
	return r.Policy.Type
}

// Store is the persistence slice the engine needs.
type Store interface {
	ActivePlants(ctx context.Context) ([]model.Plant, error)
	CharacteristicsForPlant(ctx context.Context, plantID int64) ([]model.Characteristic, error)
	Node(ctx context.Context, id int64) (*model.HierarchyNode, error)
	PolicyForCharacteristic(ctx context.Context, charID int64) (*model.RetentionPolicy, error)
	PolicyForNode(ctx context.Context, nodeID int64) (*model.RetentionPolicy, error)
	GlobalPolicy(ctx context.Context, plantID int64) (*model.RetentionPolicy, error)
	CountSamples(ctx context.Context, charID int64) (int64, error)
	DeleteOldestSamples(ctx context.Context, charID int64, limit int) (samples, violations int64, err error)
	DeleteSamplesBefore(ctx context.Context, charID int64, cutoff time.Time, limit int) (samples, violations int64, err error)
	BeginPurgeRun(ctx context.Context, plantID int64, startedAt time.Time) (int64, error)
	FinishPurgeRun(ctx context.Context, runID int64, samples, violations int64, errMsg string) error
}

// Engine is the purge loop.
type Engine struct {
	store    Store
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	running bool

	stopCh chan struct{}
	done   chan struct{}
}

// NewEngine builds a purge engine.
func NewEngine(store Store, clk clock.Clock, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{store: store, clock: clk, interval: interval}
}

// Running reports whether the purge loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start launches the purge loop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	go e.run()
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.PurgeAll(context.Background()); err != nil {
				log.Errorf("retention sweep: %v", err) //nolint:errcheck
			}
		}
	}
}

// ResolvePolicy walks the inheritance chain for one characteristic:
// characteristic override, then hierarchy ancestors bottom-up, then the plant
// global default, then implicit forever.
func (e *Engine) ResolvePolicy(ctx context.Context, ch *model.Characteristic) (*Resolved, error) {
	if p, err := e.store.PolicyForCharacteristic(ctx, ch.ID); err != nil {
		return nil, err
	} else if p != nil {
		return &Resolved{Policy: p, Source: SourceCharacteristic, SourceID: ch.ID, SourceName: ch.Name}, nil
	}

	nodeID := &ch.NodeID
	for steps := 0; nodeID != nil; steps++ {
		if steps > 64 {
			return nil, fmt.Errorf("hierarchy too deep above characteristic %d", ch.ID)
		}
		n, err := e.store.Node(ctx, *nodeID)
		if err != nil {
			return nil, err
		}
		if p, err := e.store.PolicyForNode(ctx, n.ID); err != nil {
			return nil, err
		} else if p != nil {
			return &Resolved{Policy: p, Source: SourceHierarchy, SourceID: n.ID, SourceName: n.Name}, nil
		}
		nodeID = n.ParentID
	}

	if p, err := e.store.GlobalPolicy(ctx, ch.PlantID); err != nil {
		return nil, err
	} else if p != nil {
		return &Resolved{Policy: p, Source: SourceGlobal, SourceID: ch.PlantID}, nil
	}

	return &Resolved{Source: SourceDefault}, nil
}

// PurgeAll sweeps every active plant once. Per-plant failures are recorded in
// purge history and do not stop the other plants.
func (e *Engine) PurgeAll(ctx context.Context) error {
	plants, err := e.store.ActivePlants(ctx)
	if err != nil {
		return err
	}
	for _, plant := range plants {
		if err := e.PurgePlant(ctx, plant.ID); err != nil {
			log.Errorf("purging plant %d: %v", plant.ID, err) //nolint:errcheck
		}
	}
	return nil
}

// PurgePlant runs one recorded purge over every characteristic of a plant.
func (e *Engine) PurgePlant(ctx context.Context, plantID int64) error {
	started := e.clock.Now().UTC()
	runID, err := e.store.BeginPurgeRun(ctx, plantID, started)
	if err != nil {
		return err
	}

	var totalSamples, totalViolations int64
	var firstErr error

	chars, err := e.store.CharacteristicsForPlant(ctx, plantID)
	if err != nil {
		firstErr = err
	}
	for _, ch := range chars {
		s, v, err := e.purgeCharacteristic(ctx, &ch)
		totalSamples += s
		totalViolations += v
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("characteristic %d: %w", ch.ID, err)
		}
	}

	errMsg := ""
	if firstErr != nil {
		errMsg = firstErr.Error()
	}
	if err := e.store.FinishPurgeRun(ctx, runID, totalSamples, totalViolations, errMsg); err != nil {
		return err
	}
	if totalSamples > 0 {
		metrics.PurgedSamples.Add(float64(totalSamples))
		log.Infof("plant %d: purged %d samples (%d violations) in run %d",
			plantID, totalSamples, totalViolations, runID)
	}
	return firstErr
}

func (e *Engine) purgeCharacteristic(ctx context.Context, ch *model.Characteristic) (samples, violations int64, err error) {
	resolved, err := e.ResolvePolicy(ctx, ch)
	if err != nil {
		return 0, 0, err
	}

	switch resolved.Type() {
	case model.RetentionForever:
		return 0, 0, nil

	case model.RetentionSampleCount:
		keep := int64(resolved.Policy.Value)
		count, err := e.store.CountSamples(ctx, ch.ID)
		if err != nil {
			return 0, 0, err
		}
		excess := count - keep
		for excess > 0 {
			batch := BatchSize
			if excess < int64(batch) {
				batch = int(excess)
			}
			s, v, err := e.store.DeleteOldestSamples(ctx, ch.ID, batch)
			samples += s
			violations += v
			if err != nil {
				return samples, violations, err
			}
			if s == 0 {
				break
			}
			excess -= s
		}
		return samples, violations, nil

	case model.RetentionTimeDelta:
		mult, ok := unitMultipliers[resolved.Policy.Unit]
		if !ok {
			return 0, 0, fmt.Errorf("unknown retention unit %q", resolved.Policy.Unit)
		}
		cutoff := e.clock.Now().UTC().Add(-time.Duration(resolved.Policy.Value) * mult)
		for {
			s, v, err := e.store.DeleteSamplesBefore(ctx, ch.ID, cutoff, BatchSize)
			samples += s
			violations += v
			if err != nil {
				return samples, violations, err
			}
			if s < BatchSize {
				return samples, violations, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("unknown retention type %q", resolved.Type())
}
