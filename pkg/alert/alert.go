// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package alert turns fired rule results into persisted violations and fans
// violation lifecycle changes out to registered notifiers.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/persistence"
	"github.com/openspc/openspc/pkg/spc/nelson"
	"github.com/openspc/openspc/pkg/util/log"
)

// Notifier receives violation lifecycle notifications. The live-subscriber
// broadcaster is the canonical implementation.
type Notifier interface {
	NotifyViolation(ctx context.Context, v *model.Violation) error
	NotifyAcknowledgement(ctx context.Context, v *model.Violation, sampleExcluded bool) error
}

// Store is the persistence slice the manager needs.
type Store interface {
	InsertViolations(ctx context.Context, violations []*model.Violation) error
	AcknowledgeViolation(ctx context.Context, id int64, user, reason string, excludeSample bool) (*model.Violation, error)
	ViolationStatistics(ctx context.Context, f persistence.ViolationFilter) (*persistence.ViolationStats, error)
}

// Manager orchestrates the violation table.
type Manager struct {
	store Store

	mu        sync.RWMutex
	notifiers []Notifier
}

// New builds an alert manager.
func New(store Store) *Manager {
	return &Manager{store: store}
}

// Register adds a notifier to the fan-out list.
func (m *Manager) Register(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

func (m *Manager) snapshot() []Notifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Notifier(nil), m.notifiers...)
}

// CreateFromResults persists one violation per fired rule against the given
// sample and notifies every registered notifier. requiresAck carries the
// per-rule acknowledgement configuration of the characteristic.
func (m *Manager) CreateFromResults(ctx context.Context, sample *model.Sample, results []nelson.RuleResult, requiresAck map[int]bool) ([]model.Violation, error) {
	if len(results) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	violations := make([]*model.Violation, len(results))
	for i, r := range results {
		violations[i] = &model.Violation{
			SampleID:         sample.ID,
			CharacteristicID: sample.CharacteristicID,
			RuleID:           r.RuleID,
			RuleName:         r.RuleName,
			Severity:         r.Severity,
			RequiresAck:      requiresAck[r.RuleID],
			CreatedAt:        now,
		}
	}
	if err := m.store.InsertViolations(ctx, violations); err != nil {
		return nil, err
	}

	out := make([]model.Violation, len(violations))
	for i, v := range violations {
		out[i] = *v
		for _, n := range m.snapshot() {
			if err := n.NotifyViolation(ctx, v); err != nil {
				log.Warnf("violation notifier: %v", err) //nolint:errcheck
			}
		}
	}
	return out, nil
}

// Acknowledge moves a violation to acknowledged and notifies every registered
// notifier. Acknowledging twice fails with persistence.ErrAlreadyAcknowledged.
func (m *Manager) Acknowledge(ctx context.Context, id int64, user, reason string, excludeSample bool) (*model.Violation, error) {
	v, err := m.store.AcknowledgeViolation(ctx, id, user, reason, excludeSample)
	if err != nil {
		return nil, err
	}
	for _, n := range m.snapshot() {
		if err := n.NotifyAcknowledgement(ctx, v, excludeSample); err != nil {
			log.Warnf("acknowledgement notifier: %v", err) //nolint:errcheck
		}
	}
	return v, nil
}

// Statistics aggregates violation counts, optionally filtered.
func (m *Manager) Statistics(ctx context.Context, f persistence.ViolationFilter) (*persistence.ViolationStats, error) {
	return m.store.ViolationStatistics(ctx, f)
}
