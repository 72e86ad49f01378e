// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openspc/openspc/pkg/model"
)

const retentionQuery = `
	SELECT id, plant_id, scope, node_id, characteristic_id,
	       retention_type, retention_value, retention_unit
	FROM retention_policy`

func (s *Store) retentionPolicy(ctx context.Context, where string, args ...interface{}) (*model.RetentionPolicy, error) {
	var p model.RetentionPolicy
	err := s.db.GetContext(ctx, &p, retentionQuery+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PolicyForCharacteristic returns the characteristic-scope override, if any.
func (s *Store) PolicyForCharacteristic(ctx context.Context, charID int64) (*model.RetentionPolicy, error) {
	return s.retentionPolicy(ctx, ` WHERE scope = 'characteristic' AND characteristic_id = $1`, charID)
}

// PolicyForNode returns the hierarchy-scope override on one node, if any.
func (s *Store) PolicyForNode(ctx context.Context, nodeID int64) (*model.RetentionPolicy, error) {
	return s.retentionPolicy(ctx, ` WHERE scope = 'hierarchy' AND node_id = $1`, nodeID)
}

// GlobalPolicy returns the plant's global default, if any.
func (s *Store) GlobalPolicy(ctx context.Context, plantID int64) (*model.RetentionPolicy, error) {
	return s.retentionPolicy(ctx, ` WHERE scope = 'global' AND plant_id = $1`, plantID)
}

// BeginPurgeRun opens a purge-history row and returns its id.
func (s *Store) BeginPurgeRun(ctx context.Context, plantID int64, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO purge_run (plant_id, started_at) VALUES ($1, $2) RETURNING id`,
		plantID, startedAt).Scan(&id)
	return id, err
}

// FinishPurgeRun closes a purge-history row with its counts; errMsg is empty
// on success.
func (s *Store) FinishPurgeRun(ctx context.Context, runID int64, samples, violations int64, errMsg string) error {
	var e *string
	if errMsg != "" {
		e = &errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE purge_run SET completed_at = $2, samples_deleted = $3,
		       violations_deleted = $4, error = $5
		WHERE id = $1`, runID, time.Now().UTC(), samples, violations, e)
	return err
}

// RecentPurgeRuns lists the newest purge-history rows for a plant.
func (s *Store) RecentPurgeRuns(ctx context.Context, plantID int64, limit int) ([]model.PurgeRun, error) {
	var out []model.PurgeRun
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, plant_id, started_at, completed_at, samples_deleted,
		       violations_deleted, error
		FROM purge_run WHERE plant_id = $1 ORDER BY started_at DESC LIMIT $2`,
		plantID, limit)
	return out, err
}
