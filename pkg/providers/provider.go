// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package providers defines the SampleEvent contract every ingress modality
// normalises to, and the manual/REST provider. The MQTT and OPC-UA providers
// live in subpackages.
package providers

import (
	"context"
	"errors"
	"time"

	"github.com/openspc/openspc/pkg/model"
)

// Provider validation errors, surfaced to callers (HTTP 400 for REST).
var (
	ErrCharacteristicNotFound   = errors.New("characteristic not found")
	ErrProviderTypeMismatch     = errors.New("characteristic does not accept this sample source")
	ErrMeasurementCountMismatch = errors.New("measurement count does not match subgroup size")
)

// EventContext carries the provenance of a sample event.
type EventContext struct {
	BatchNumber *string
	OperatorID  *string
	Source      model.Source
	Metadata    map[string]string
}

// SampleEvent is the single contract all four ingress modalities converge on
// before handing off to the SPC engine.
type SampleEvent struct {
	CharacteristicID int64
	Measurements     []float64
	Timestamp        time.Time
	Context          EventContext
}

// EmitFunc receives normalised sample events. The hosting process points it
// at the SPC engine.
type EmitFunc func(ctx context.Context, e *SampleEvent) error

// Catalog is the slice of the store providers validate against.
type Catalog interface {
	Characteristic(ctx context.Context, id int64) (*model.Characteristic, error)
	DataSourceFor(ctx context.Context, charID int64) (*model.DataSource, error)
}
