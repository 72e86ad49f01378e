// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package events defines the canonical domain events the SPC engine publishes
// on the in-process bus.
package events

import (
	"time"

	"github.com/openspc/openspc/pkg/model"
)

// Event kinds, used as subscription keys on the bus.
const (
	KindSampleProcessed       = "sample_processed"
	KindControlLimitsUpdated  = "control_limits_updated"
	KindViolationCreated      = "violation_created"
	KindViolationAcknowledged = "violation_acknowledged"
)

// Event is a value object published on the bus.
type Event interface {
	Kind() string
	OccurredAt() time.Time
}

// SampleProcessed is published after every successful engine cycle.
type SampleProcessed struct {
	Timestamp        time.Time
	CharacteristicID int64
	Sample           model.Sample
	InControl        bool
	SigmaDistance    float64
	Violations       []model.Violation
}

// NewSampleProcessed stamps the event with the current UTC time.
func NewSampleProcessed(charID int64, s model.Sample, inControl bool, sigmaDist float64, violations []model.Violation) *SampleProcessed {
	return &SampleProcessed{
		Timestamp:        time.Now().UTC(),
		CharacteristicID: charID,
		Sample:           s,
		InControl:        inControl,
		SigmaDistance:    sigmaDist,
		Violations:       violations,
	}
}

// Kind implements Event.
func (e *SampleProcessed) Kind() string { return KindSampleProcessed }

// OccurredAt implements Event.
func (e *SampleProcessed) OccurredAt() time.Time { return e.Timestamp }

// ControlLimitsUpdated is published after a control-limit recalculation.
type ControlLimitsUpdated struct {
	Timestamp        time.Time
	CharacteristicID int64
	CenterLine       float64
	UCL              float64
	LCL              float64
	Sigma            float64
	SampleCount      int
}

// NewControlLimitsUpdated stamps the event with the current UTC time.
func NewControlLimitsUpdated(charID int64, cl, ucl, lcl, sigma float64, sampleCount int) *ControlLimitsUpdated {
	return &ControlLimitsUpdated{
		Timestamp:        time.Now().UTC(),
		CharacteristicID: charID,
		CenterLine:       cl,
		UCL:              ucl,
		LCL:              lcl,
		Sigma:            sigma,
		SampleCount:      sampleCount,
	}
}

// Kind implements Event.
func (e *ControlLimitsUpdated) Kind() string { return KindControlLimitsUpdated }

// OccurredAt implements Event.
func (e *ControlLimitsUpdated) OccurredAt() time.Time { return e.Timestamp }

// ViolationCreated is published once per violation the engine persists.
type ViolationCreated struct {
	Timestamp        time.Time
	CharacteristicID int64
	Violation        model.Violation
}

// NewViolationCreated stamps the event with the current UTC time.
func NewViolationCreated(charID int64, v model.Violation) *ViolationCreated {
	return &ViolationCreated{
		Timestamp:        time.Now().UTC(),
		CharacteristicID: charID,
		Violation:        v,
	}
}

// Kind implements Event.
func (e *ViolationCreated) Kind() string { return KindViolationCreated }

// OccurredAt implements Event.
func (e *ViolationCreated) OccurredAt() time.Time { return e.Timestamp }

// ViolationAcknowledged is published when a supervisor acknowledges a
// violation.
type ViolationAcknowledged struct {
	Timestamp        time.Time
	CharacteristicID int64
	Violation        model.Violation
	SampleExcluded   bool
}

// NewViolationAcknowledged stamps the event with the current UTC time.
func NewViolationAcknowledged(charID int64, v model.Violation, sampleExcluded bool) *ViolationAcknowledged {
	return &ViolationAcknowledged{
		Timestamp:        time.Now().UTC(),
		CharacteristicID: charID,
		Violation:        v,
		SampleExcluded:   sampleExcluded,
	}
}

// Kind implements Event.
func (e *ViolationAcknowledged) Kind() string { return KindViolationAcknowledged }

// OccurredAt implements Event.
func (e *ViolationAcknowledged) OccurredAt() time.Time { return e.Timestamp }
