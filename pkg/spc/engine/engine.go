// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package engine is the central SPC orchestrator: it validates and persists
// incoming subgroups, classifies them against control limits, runs the Nelson
// rules over the rolling window, and publishes the resulting events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openspc/openspc/pkg/alert"
	"github.com/openspc/openspc/pkg/eventbus"
	"github.com/openspc/openspc/pkg/events"
	"github.com/openspc/openspc/pkg/metrics"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/persistence"
	"github.com/openspc/openspc/pkg/providers"
	"github.com/openspc/openspc/pkg/spc/nelson"
	"github.com/openspc/openspc/pkg/spc/stats"
	"github.com/openspc/openspc/pkg/spc/window"
	"github.com/openspc/openspc/pkg/util/log"
)

// Validation errors.
var (
	ErrNoMeasurements      = errors.New("sample carries no measurements")
	ErrTooManyMeasurements = errors.New("more measurements than the subgroup size")
	ErrUndersizedSubgroup  = errors.New("undersized subgroup on a fixed-n source")
	ErrNoHistory           = errors.New("not enough samples to compute control limits")
)

// Store is the persistence slice the engine needs.
type Store interface {
	Characteristic(ctx context.Context, id int64) (*model.Characteristic, error)
	DataSourceFor(ctx context.Context, charID int64) (*model.DataSource, error)
	EnabledRules(ctx context.Context, charID int64) ([]model.CharacteristicRule, error)
	InsertSample(ctx context.Context, sample *model.Sample, values []float64) error
	UpdateCharacteristicLimits(ctx context.Context, id int64, cl, ucl, lcl, sigma float64) error
	SampleHistory(ctx context.Context, charID int64, skipExcluded bool) ([]persistence.HistorySample, error)
}

// SampleResult is what a processing cycle returns to the submitting caller.
type SampleResult struct {
	SampleID         int64             `json:"sample_id"`
	Mean             float64           `json:"mean"`
	RangeValue       *float64          `json:"range_value,omitempty"`
	Zone             *model.Zone       `json:"zone,omitempty"`
	InControl        bool              `json:"in_control"`
	SigmaDistance    float64           `json:"sigma_distance"`
	Violations       []model.Violation `json:"violations"`
	ProcessingTimeMS float64           `json:"processing_time_ms"`
}

// Engine wires the store, the window cache, the rule library, the alert
// manager and the event bus into one processing pipeline.
type Engine struct {
	store   Store
	windows *window.Manager
	bus     *eventbus.Bus
	alerts  *alert.Manager
}

// New builds an engine.
func New(store Store, windows *window.Manager, bus *eventbus.Bus, alerts *alert.Manager) *Engine {
	return &Engine{store: store, windows: windows, bus: bus, alerts: alerts}
}

// ProcessEvent adapts a provider sample event onto ProcessSample, satisfying
// providers.EmitFunc.
func (e *Engine) ProcessEvent(ctx context.Context, ev *providers.SampleEvent) error {
	_, err := e.ProcessSample(ctx, ev.CharacteristicID, ev.Measurements, ev.Timestamp, ev.Context)
	return err
}

// ProcessSample runs one full cycle: validate, persist, classify, window
// update, rule evaluation, violation creation, event publication. Cycles are
// serial per characteristic (the window lock is held throughout) while
// distinct characteristics proceed in parallel.
func (e *Engine) ProcessSample(ctx context.Context, charID int64, measurements []float64, ts time.Time, evctx providers.EventContext) (*SampleResult, error) {
	start := time.Now()

	ch, err := e.store.Characteristic(ctx, charID)
	if err != nil {
		return nil, err
	}
	if len(measurements) == 0 {
		return nil, ErrNoMeasurements
	}
	if len(measurements) > ch.SubgroupSize {
		return nil, fmt.Errorf("characteristic %d: got %d of %d: %w",
			charID, len(measurements), ch.SubgroupSize, ErrTooManyMeasurements)
	}
	if len(measurements) < ch.SubgroupSize {
		ds, err := e.store.DataSourceFor(ctx, charID)
		if err != nil {
			return nil, err
		}
		if ds == nil || !ds.VariableN {
			return nil, fmt.Errorf("characteristic %d: got %d of %d: %w",
				charID, len(measurements), ch.SubgroupSize, ErrUndersizedSubgroup)
		}
	}

	mean := stats.Mean(measurements)
	var rng *float64
	if len(measurements) > 1 {
		r := stats.Range(measurements)
		rng = &r
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	w, err := e.windows.Get(ctx, charID)
	if err != nil {
		return nil, err
	}
	w.Lock()
	defer w.Unlock()

	sample := &model.Sample{
		CharacteristicID: charID,
		Timestamp:        ts,
		BatchNumber:      evctx.BatchNumber,
		OperatorID:       evctx.OperatorID,
		ActualN:          len(measurements),
		Mean:             mean,
		RangeValue:       rng,
	}

	hasLimits := ch.HasLimits()
	var bounds stats.ZoneBoundaries
	if hasLimits {
		bounds = stats.BoundariesFromLimits(*ch.CenterLine, *ch.UCL)
		z := bounds.Classify(mean)
		sample.Zone = &z
	}

	if err := e.store.InsertSample(ctx, sample, measurements); err != nil {
		return nil, err
	}

	result := &SampleResult{
		SampleID:   sample.ID,
		Mean:       mean,
		RangeValue: rng,
		InControl:  true,
	}

	if !hasLimits {
		// First samples of a fresh characteristic: nothing to classify or
		// check until limits are established.
		w.Append(sample.ID, ts, mean, rng)
		result.ProcessingTimeMS = msSince(start)
		e.publishSample(ctx, sample, result, nil)
		e.observe(evctx.Source, start)
		return result, nil
	}

	result.Zone = sample.Zone
	result.SigmaDistance = bounds.SigmaDistance(mean)

	w.SetBoundaries(bounds)
	w.Append(sample.ID, ts, mean, rng)
	snapshot := w.Snapshot()

	ruleCfg, err := e.store.EnabledRules(ctx, charID)
	if err != nil {
		return nil, err
	}
	enabled := make(map[int]bool, len(ruleCfg))
	requiresAck := make(map[int]bool, len(ruleCfg))
	for _, r := range ruleCfg {
		enabled[r.RuleID] = true
		requiresAck[r.RuleID] = r.RequiresAck
	}

	fired := nelson.CheckAll(snapshot, enabled)
	violations, err := e.alerts.CreateFromResults(ctx, sample, fired, requiresAck)
	if err != nil {
		return nil, err
	}
	result.Violations = violations
	result.InControl = len(violations) == 0
	result.ProcessingTimeMS = msSince(start)

	e.publishSample(ctx, sample, result, violations)
	for i := range violations {
		e.bus.Publish(ctx, events.NewViolationCreated(charID, violations[i]))
		metrics.ViolationsCreated.WithLabelValues(
			strconv.Itoa(violations[i].RuleID), string(violations[i].Severity)).Inc()
		metrics.ExpViolations.Add(1)
	}
	e.observe(evctx.Source, start)

	if !result.InControl {
		log.Infof("characteristic %d: sample %d fired %d rules", charID, sample.ID, len(violations))
	}
	return result, nil
}

func (e *Engine) publishSample(ctx context.Context, sample *model.Sample, result *SampleResult, violations []model.Violation) {
	e.bus.Publish(ctx, events.NewSampleProcessed(sample.CharacteristicID, *sample,
		result.InControl, result.SigmaDistance, violations))
}

func (e *Engine) observe(source model.Source, start time.Time) {
	if source == "" {
		source = model.SourceManual
	}
	metrics.SamplesProcessed.WithLabelValues(string(source)).Inc()
	metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
	metrics.ExpSamples.Add(1)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// RecalculateLimits recomputes CL/UCL/LCL and σ from stored history using the
// estimator selected by the subgroup size, persists them, invalidates the
// cached window, and publishes the update. Samples are never mutated.
func (e *Engine) RecalculateLimits(ctx context.Context, charID int64, excludeOOC bool) (*stats.Limits, error) {
	ch, err := e.store.Characteristic(ctx, charID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.SampleHistory(ctx, charID, excludeOOC)
	if err != nil {
		return nil, err
	}

	means := make([]float64, 0, len(history))
	dispersions := make([]float64, 0, len(history))
	for _, h := range history {
		if ch.SubgroupSize == 1 {
			means = append(means, h.Sample.Mean)
			continue
		}
		// Dispersion needs the full subgroup; partial fills are left out of
		// the estimate but their means still count.
		means = append(means, h.Sample.Mean)
		if h.Sample.ActualN < 2 {
			continue
		}
		if ch.SubgroupSize <= 10 {
			if h.Sample.RangeValue != nil {
				dispersions = append(dispersions, *h.Sample.RangeValue)
			} else {
				dispersions = append(dispersions, stats.Range(h.Values))
			}
		} else {
			dispersions = append(dispersions, stats.StdDev(h.Values))
		}
	}

	limits, err := stats.ComputeLimits(ch.SubgroupSize, means, dispersions)
	if err != nil {
		if errors.Is(err, stats.ErrNotEnoughData) {
			return nil, fmt.Errorf("characteristic %d: %w", charID, ErrNoHistory)
		}
		return nil, err
	}

	if err := e.store.UpdateCharacteristicLimits(ctx, charID,
		limits.Center, limits.Upper, limits.Lower, limits.Sigma); err != nil {
		return nil, err
	}
	e.windows.Invalidate(charID)

	e.bus.Publish(ctx, events.NewControlLimitsUpdated(charID, limits.Center, limits.Upper,
		limits.Lower, limits.Sigma, len(means)))
	log.Infof("characteristic %d: control limits recalculated over %d samples (%s)",
		charID, len(means), limits.Method)
	return &limits, nil
}

// Acknowledge moves a violation to acknowledged through the alert manager and
// publishes the update.
func (e *Engine) Acknowledge(ctx context.Context, violationID int64, user, reason string, excludeSample bool) (*model.Violation, error) {
	v, err := e.alerts.Acknowledge(ctx, violationID, user, reason, excludeSample)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(ctx, events.NewViolationAcknowledged(v.CharacteristicID, *v, excludeSample))
	return v, nil
}
