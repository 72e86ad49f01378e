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
	"time"

	"github.com/openspc/openspc/pkg/model"
)

// ErrAlreadyAcknowledged is returned when acknowledging a violation twice.
var ErrAlreadyAcknowledged = errors.New("violation already acknowledged")

// InsertViolations persists the violations of one sample, filling generated
// ids.
func (s *Store) InsertViolations(ctx context.Context, violations []*model.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, v := range violations {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO violation (sample_id, characteristic_id, rule_id, rule_name,
			                       severity, requires_ack, acknowledged, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7) RETURNING id`,
			v.SampleID, v.CharacteristicID, v.RuleID, v.RuleName,
			v.Severity, v.RequiresAck, v.CreatedAt,
		).Scan(&v.ID)
		if err != nil {
			return fmt.Errorf("inserting violation (rule %d): %w", v.RuleID, err)
		}
	}
	return tx.Commit()
}

// Violation loads one violation by id.
func (s *Store) Violation(ctx context.Context, id int64) (*model.Violation, error) {
	var v model.Violation
	err := s.db.GetContext(ctx, &v, `
		SELECT id, sample_id, characteristic_id, rule_id, rule_name, severity,
		       requires_ack, acknowledged, ack_by, ack_reason, ack_at, created_at
		FROM violation WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("violation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// AcknowledgeViolation atomically moves a violation to acknowledged, setting
// the ack fields, and optionally excludes the linked sample from future limit
// recomputation (logged to edit history). The transition is monotone: an
// already-acknowledged violation returns ErrAlreadyAcknowledged.
func (s *Store) AcknowledgeViolation(ctx context.Context, id int64, user, reason string, excludeSample bool) (*model.Violation, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var v model.Violation
	err = tx.GetContext(ctx, &v, `
		SELECT id, sample_id, characteristic_id, rule_id, rule_name, severity,
		       requires_ack, acknowledged, ack_by, ack_reason, ack_at, created_at
		FROM violation WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("violation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if v.Acknowledged {
		return nil, fmt.Errorf("violation %d: %w", id, ErrAlreadyAcknowledged)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE violation SET acknowledged = TRUE, ack_by = $2, ack_reason = $3, ack_at = $4
		WHERE id = $1`, id, user, reason, now); err != nil {
		return nil, err
	}

	if excludeSample {
		var old bool
		if err := tx.QueryRowContext(ctx,
			`SELECT is_excluded FROM sample WHERE id = $1 FOR UPDATE`, v.SampleID).Scan(&old); err != nil {
			return nil, err
		}
		if !old {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sample SET is_excluded = TRUE WHERE id = $1`, v.SampleID); err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO edit_history (sample_id, field, old_value, new_value, edited_by, edited_at)
				VALUES ($1, 'is_excluded', 'false', 'true', $2, $3)`,
				v.SampleID, user, now); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	v.Acknowledged = true
	v.AckBy = &user
	v.AckReason = &reason
	v.AckAt = &now
	return &v, nil
}

// ViolationFilter narrows ViolationStats.
type ViolationFilter struct {
	CharacteristicID *int64
	From             *time.Time
	To               *time.Time
}

// ViolationStats summarizes the violation table.
type ViolationStats struct {
	Total          int64
	Unacknowledged int64
	Informational  int64
	ByRule         map[int]int64
	BySeverity     map[model.Severity]int64
}

type violationStatRow struct {
	RuleID       int            `db:"rule_id"`
	Severity     model.Severity `db:"severity"`
	RequiresAck  bool           `db:"requires_ack"`
	Acknowledged bool           `db:"acknowledged"`
	N            int64          `db:"n"`
}

// ViolationStatistics aggregates counts, optionally filtered.
func (s *Store) ViolationStatistics(ctx context.Context, f ViolationFilter) (*ViolationStats, error) {
	q := `
		SELECT rule_id, severity, requires_ack, acknowledged, count(*) AS n
		FROM violation WHERE TRUE`
	var args []interface{}
	if f.CharacteristicID != nil {
		args = append(args, *f.CharacteristicID)
		q += fmt.Sprintf(" AND characteristic_id = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		q += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	q += " GROUP BY rule_id, severity, requires_ack, acknowledged"

	var rows []violationStatRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}

	stats := &ViolationStats{
		ByRule:     make(map[int]int64),
		BySeverity: make(map[model.Severity]int64),
	}
	for _, r := range rows {
		stats.Total += r.N
		stats.ByRule[r.RuleID] += r.N
		stats.BySeverity[r.Severity] += r.N
		if r.RequiresAck && !r.Acknowledged {
			stats.Unacknowledged += r.N
		}
		if !r.RequiresAck && !r.Acknowledged {
			stats.Informational += r.N
		}
	}
	return stats, nil
}
