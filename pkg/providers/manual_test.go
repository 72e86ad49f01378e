// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package providers

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/persistence"
)

type fakeCatalog struct {
	chars   map[int64]*model.Characteristic
	sources map[int64]*model.DataSource
}

func (f *fakeCatalog) Characteristic(_ context.Context, id int64) (*model.Characteristic, error) {
	c, ok := f.chars[id]
	if !ok {
		return nil, fmt.Errorf("characteristic %d: %w", id, persistence.ErrNotFound)
	}
	return c, nil
}

func (f *fakeCatalog) DataSourceFor(_ context.Context, id int64) (*model.DataSource, error) {
	return f.sources[id], nil
}

func TestManualSubmit(t *testing.T) {
	catalog := &fakeCatalog{
		chars: map[int64]*model.Characteristic{
			7: {ID: 7, SubgroupSize: 3},
		},
		sources: map[int64]*model.DataSource{},
	}
	var got *SampleEvent
	p := NewManual(catalog, func(_ context.Context, e *SampleEvent) error {
		got = e
		return nil
	})

	err := p.Submit(context.Background(), 7, []float64{1, 2, 3}, EventContext{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.CharacteristicID)
	assert.Equal(t, []float64{1, 2, 3}, got.Measurements)
	assert.Equal(t, model.SourceManual, got.Context.Source)
	assert.False(t, got.Timestamp.IsZero())
}

func TestManualSubmitUnknownCharacteristic(t *testing.T) {
	p := NewManual(&fakeCatalog{chars: map[int64]*model.Characteristic{}}, nil)
	err := p.Submit(context.Background(), 99, []float64{1}, EventContext{})
	assert.ErrorIs(t, err, ErrCharacteristicNotFound)
}

func TestManualSubmitCountMismatch(t *testing.T) {
	catalog := &fakeCatalog{
		chars: map[int64]*model.Characteristic{5: {ID: 5, SubgroupSize: 5}},
	}
	p := NewManual(catalog, nil)
	err := p.Submit(context.Background(), 5, []float64{1, 2, 3}, EventContext{})
	assert.ErrorIs(t, err, ErrMeasurementCountMismatch)
}

func TestManualSubmitSourceMismatch(t *testing.T) {
	catalog := &fakeCatalog{
		chars: map[int64]*model.Characteristic{5: {ID: 5, SubgroupSize: 1}},
		sources: map[int64]*model.DataSource{
			5: {CharacteristicID: 5, Kind: model.SourceKindMQTT},
		},
	}
	p := NewManual(catalog, nil)
	err := p.Submit(context.Background(), 5, []float64{1}, EventContext{})
	assert.ErrorIs(t, err, ErrProviderTypeMismatch)

	// REST submissions hit the same gate.
	err = p.Submit(context.Background(), 5, []float64{1}, EventContext{Source: model.SourceREST})
	assert.ErrorIs(t, err, ErrProviderTypeMismatch)
}
