// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/openspc/openspc/pkg/model"
)

// InsertSample persists a sample and its measurements in one transaction and
// fills in the generated sample id.
func (s *Store) InsertSample(ctx context.Context, sample *model.Sample, values []float64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sample (characteristic_id, timestamp, batch_number, operator_id,
		                    is_excluded, actual_n, mean, range_value, zone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		sample.CharacteristicID, sample.Timestamp, sample.BatchNumber, sample.OperatorID,
		sample.IsExcluded, sample.ActualN, sample.Mean, sample.RangeValue, sample.Zone,
	).Scan(&sample.ID)
	if err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}

	for i, v := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO measurement (sample_id, position, value) VALUES ($1, $2, $3)`,
			sample.ID, i, v); err != nil {
			return fmt.Errorf("inserting measurement %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// WindowTail returns the newest `limit` samples of a characteristic in
// ascending timestamp order, ready to seed a rolling window.
func (s *Store) WindowTail(ctx context.Context, charID int64, limit int) ([]model.Sample, error) {
	var out []model.Sample
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM (
			SELECT id, characteristic_id, timestamp, batch_number, operator_id,
			       is_excluded, actual_n, mean, range_value, zone
			FROM sample WHERE characteristic_id = $1
			ORDER BY timestamp DESC, id DESC LIMIT $2
		) tail ORDER BY timestamp ASC, id ASC`, charID, limit)
	return out, err
}

// HistorySample is a sample with its raw measurement values, as needed by
// control-limit recalculation.
type HistorySample struct {
	Sample model.Sample
	Values []float64
}

// SampleHistory returns all samples of a characteristic in ascending
// timestamp order together with their measurements, optionally skipping
// excluded samples.
func (s *Store) SampleHistory(ctx context.Context, charID int64, skipExcluded bool) ([]HistorySample, error) {
	q := `
		SELECT id, characteristic_id, timestamp, batch_number, operator_id,
		       is_excluded, actual_n, mean, range_value, zone
		FROM sample WHERE characteristic_id = $1`
	if skipExcluded {
		q += ` AND NOT is_excluded`
	}
	q += ` ORDER BY timestamp ASC, id ASC`

	var samples []model.Sample
	if err := s.db.SelectContext(ctx, &samples, q, charID); err != nil {
		return nil, err
	}

	out := make([]HistorySample, 0, len(samples))
	for _, smp := range samples {
		var values []float64
		err := s.db.SelectContext(ctx, &values, `
			SELECT value FROM measurement WHERE sample_id = $1 ORDER BY position`, smp.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, HistorySample{Sample: smp, Values: values})
	}
	return out, nil
}

// SetSampleExcluded flips the exclusion flag and logs the edit.
func (s *Store) SetSampleExcluded(ctx context.Context, sampleID int64, excluded bool, editedBy string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var old bool
	if err := tx.QueryRowContext(ctx,
		`SELECT is_excluded FROM sample WHERE id = $1 FOR UPDATE`, sampleID).Scan(&old); err != nil {
		return fmt.Errorf("sample %d: %w", sampleID, err)
	}
	if old == excluded {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sample SET is_excluded = $2 WHERE id = $1`, sampleID, excluded); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO edit_history (sample_id, field, old_value, new_value, edited_by, edited_at)
		VALUES ($1, 'is_excluded', $2, $3, $4, $5)`,
		sampleID, fmt.Sprintf("%t", old), fmt.Sprintf("%t", excluded), editedBy, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// CountSamples returns the number of samples stored for a characteristic.
func (s *Store) CountSamples(ctx context.Context, charID int64) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM sample WHERE characteristic_id = $1`, charID)
	return n, err
}

// DeleteOldestSamples removes up to `limit` of the oldest samples of a
// characteristic in one transaction, counting affected violations before the
// CASCADE removes them. Measurements and edit history cascade silently.
func (s *Store) DeleteOldestSamples(ctx context.Context, charID int64, limit int) (samples, violations int64, err error) {
	return s.deleteSamples(ctx, `
		SELECT id FROM sample WHERE characteristic_id = $1
		ORDER BY timestamp ASC, id ASC LIMIT $2`, charID, limit)
}

// DeleteSamplesBefore removes up to `limit` samples older than the cutoff.
func (s *Store) DeleteSamplesBefore(ctx context.Context, charID int64, cutoff time.Time, limit int) (samples, violations int64, err error) {
	return s.deleteSamples(ctx, `
		SELECT id FROM sample WHERE characteristic_id = $1 AND timestamp < $3
		ORDER BY timestamp ASC, id ASC LIMIT $2`, charID, limit, cutoff)
}

func (s *Store) deleteSamples(ctx context.Context, idQuery string, args ...interface{}) (samples, violations int64, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	var ids []int64
	if err := tx.SelectContext(ctx, &ids, idQuery, args...); err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, tx.Commit()
	}

	q, vargs, err := sqlxIn(`SELECT count(*) FROM violation WHERE sample_id IN (?)`, ids)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.GetContext(ctx, &violations, tx.Rebind(q), vargs...); err != nil {
		return 0, 0, err
	}

	q, vargs, err = sqlxIn(`DELETE FROM sample WHERE id IN (?)`, ids)
	if err != nil {
		return 0, 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(q), vargs...)
	if err != nil {
		return 0, 0, err
	}
	samples, _ = res.RowsAffected()
	return samples, violations, tx.Commit()
}
