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

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Characteristic loads one characteristic by id.
func (s *Store) Characteristic(ctx context.Context, id int64) (*model.Characteristic, error) {
	var c model.Characteristic
	err := s.db.GetContext(ctx, &c, `
		SELECT id, node_id, plant_id, name, subgroup_size, target, usl, lsl,
		       center_line, ucl, lcl, sigma
		FROM characteristic WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("characteristic %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CharacteristicsForPlant lists all characteristics of a plant.
func (s *Store) CharacteristicsForPlant(ctx context.Context, plantID int64) ([]model.Characteristic, error) {
	var out []model.Characteristic
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, node_id, plant_id, name, subgroup_size, target, usl, lsl,
		       center_line, ucl, lcl, sigma
		FROM characteristic WHERE plant_id = $1 ORDER BY id`, plantID)
	return out, err
}

// UpdateCharacteristicLimits stores freshly computed control limits.
func (s *Store) UpdateCharacteristicLimits(ctx context.Context, id int64, cl, ucl, lcl, sigma float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE characteristic SET center_line = $2, ucl = $3, lcl = $4, sigma = $5
		WHERE id = $1`, id, cl, ucl, lcl, sigma)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("characteristic %d: %w", id, ErrNotFound)
	}
	return nil
}

// EnabledRules returns the rule configuration of a characteristic.
func (s *Store) EnabledRules(ctx context.Context, charID int64) ([]model.CharacteristicRule, error) {
	var out []model.CharacteristicRule
	err := s.db.SelectContext(ctx, &out, `
		SELECT characteristic_id, rule_id, requires_ack
		FROM characteristic_rule WHERE characteristic_id = $1 ORDER BY rule_id`, charID)
	return out, err
}

// Plant loads one plant by id.
func (s *Store) Plant(ctx context.Context, id int64) (*model.Plant, error) {
	var p model.Plant
	err := s.db.GetContext(ctx, &p, `
		SELECT id, name, code, is_active FROM plant WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ActivePlants lists plants that have not been soft-deleted.
func (s *Store) ActivePlants(ctx context.Context) ([]model.Plant, error) {
	var out []model.Plant
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, name, code, is_active FROM plant WHERE is_active ORDER BY id`)
	return out, err
}

// Node loads one hierarchy node.
func (s *Store) Node(ctx context.Context, id int64) (*model.HierarchyNode, error) {
	var n model.HierarchyNode
	err := s.db.GetContext(ctx, &n, `
		SELECT id, plant_id, parent_id, name, node_type FROM hierarchy_node WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hierarchy node %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// NodePath returns the names of the node's ancestors from the root down to
// and including the node itself. Used to build outbound topic paths.
func (s *Store) NodePath(ctx context.Context, nodeID int64) ([]string, error) {
	var path []string
	id := &nodeID
	for steps := 0; id != nil; steps++ {
		// The tree is validated on write; the depth guard protects the
		// walker from data corrupted outside the application.
		if steps > 64 {
			return nil, fmt.Errorf("hierarchy too deep walking node %d", nodeID)
		}
		n, err := s.Node(ctx, *id)
		if err != nil {
			return nil, err
		}
		path = append([]string{n.Name}, path...)
		id = n.ParentID
	}
	return path, nil
}

// InsertNode creates a hierarchy node after validating that attaching it
// keeps the hierarchy a tree. Self-parenting and cycles are refused without
// relying on the database.
func (s *Store) InsertNode(ctx context.Context, n *model.HierarchyNode) error {
	if n.ParentID != nil {
		if err := s.checkAncestry(ctx, n.ID, *n.ParentID); err != nil {
			return err
		}
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO hierarchy_node (plant_id, parent_id, name, node_type)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		n.PlantID, n.ParentID, n.Name, n.NodeType).Scan(&n.ID)
}

// ReparentNode moves a node under a new parent, refusing cycles.
func (s *Store) ReparentNode(ctx context.Context, nodeID int64, parentID *int64) error {
	if parentID != nil {
		if *parentID == nodeID {
			return fmt.Errorf("node %d cannot be its own parent", nodeID)
		}
		if err := s.checkAncestry(ctx, nodeID, *parentID); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE hierarchy_node SET parent_id = $2 WHERE id = $1`, nodeID, parentID)
	return err
}

// checkAncestry walks up from candidate parent and fails if nodeID appears on
// the path.
func (s *Store) checkAncestry(ctx context.Context, nodeID, parentID int64) error {
	id := &parentID
	for steps := 0; id != nil; steps++ {
		if steps > 64 {
			return fmt.Errorf("hierarchy too deep walking node %d", parentID)
		}
		if *id == nodeID {
			return fmt.Errorf("attaching node %d under %d would create a cycle", nodeID, parentID)
		}
		n, err := s.Node(ctx, *id)
		if err != nil {
			return err
		}
		id = n.ParentID
	}
	return nil
}
