// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openspc/openspc/pkg/model"
)

// UpsertPointAnnotation creates or replaces the point annotation of one
// sample. Point annotations are unique per (characteristic, sample).
func (s *Store) UpsertPointAnnotation(ctx context.Context, a *model.Annotation) error {
	if a.Kind != model.AnnotationPoint || a.SampleID == nil {
		return fmt.Errorf("point annotation requires a sample reference")
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO annotation (characteristic_id, sample_id, kind, text, created_by)
		VALUES ($1, $2, 'point', $3, $4)
		ON CONFLICT (characteristic_id, sample_id) WHERE kind = 'point' AND sample_id IS NOT NULL
		DO UPDATE SET text = EXCLUDED.text, created_by = EXCLUDED.created_by
		RETURNING id`,
		a.CharacteristicID, a.SampleID, a.Text, a.CreatedBy).Scan(&a.ID)
}

// InsertPeriodAnnotation creates a period annotation.
func (s *Store) InsertPeriodAnnotation(ctx context.Context, a *model.Annotation) error {
	if a.Kind != model.AnnotationPeriod {
		return fmt.Errorf("not a period annotation")
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO annotation (characteristic_id, kind, text, created_by, start_at, end_at)
		VALUES ($1, 'period', $2, $3, $4, $5) RETURNING id`,
		a.CharacteristicID, a.Text, a.CreatedBy, a.StartAt, a.EndAt).Scan(&a.ID)
}

// AnnotationsFor lists the annotations of a characteristic.
func (s *Store) AnnotationsFor(ctx context.Context, charID int64) ([]model.Annotation, error) {
	var out []model.Annotation
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, characteristic_id, sample_id, kind, text, created_by, start_at, end_at
		FROM annotation WHERE characteristic_id = $1 ORDER BY id`, charID)
	return out, err
}

// APIKeyByHash resolves an API key by its hash; inactive keys do not resolve.
func (s *Store) APIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.db.GetContext(ctx, &k, `
		SELECT id, plant_id, key_hash, name, active
		FROM api_key WHERE key_hash = $1 AND active`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}
