// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/persistence"
	"github.com/openspc/openspc/pkg/util/log"
)

// Manual validates operator-entered subgroups (direct entry and REST carry
// the same rules) and forwards them as sample events.
type Manual struct {
	catalog Catalog
	emit    EmitFunc
}

// NewManual builds the manual/REST provider.
func NewManual(catalog Catalog, emit EmitFunc) *Manual {
	return &Manual{catalog: catalog, emit: emit}
}

// Submit validates one complete subgroup and emits it. The measurement count
// must equal the characteristic's subgroup size exactly; manual entry never
// produces partial subgroups.
func (p *Manual) Submit(ctx context.Context, charID int64, measurements []float64, evctx EventContext) error {
	ch, err := p.catalog.Characteristic(ctx, charID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("characteristic %d: %w", charID, ErrCharacteristicNotFound)
		}
		return err
	}

	if evctx.Source == "" {
		evctx.Source = model.SourceManual
	}
	ds, err := p.catalog.DataSourceFor(ctx, charID)
	if err != nil {
		return err
	}
	if ds != nil && !ds.AcceptsSource(evctx.Source) {
		return fmt.Errorf("characteristic %d is bound to a %s source: %w",
			charID, ds.Kind, ErrProviderTypeMismatch)
	}

	if len(measurements) != ch.SubgroupSize {
		return fmt.Errorf("got %d measurements, subgroup size is %d: %w",
			len(measurements), ch.SubgroupSize, ErrMeasurementCountMismatch)
	}

	log.Debugf("manual submission for characteristic %d (%d measurements)", charID, len(measurements))
	return p.emit(ctx, &SampleEvent{
		CharacteristicID: charID,
		Measurements:     measurements,
		Timestamp:        time.Now().UTC(),
		Context:          evctx,
	})
}
