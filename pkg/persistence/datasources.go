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

type dataSourceRow struct {
	ID               int64                 `db:"id"`
	CharacteristicID int64                 `db:"characteristic_id"`
	Kind             model.SourceKind      `db:"kind"`
	TriggerStrategy  model.TriggerStrategy `db:"trigger_strategy"`
	IsActive         bool                  `db:"is_active"`
	VariableN        bool                  `db:"variable_n"`

	MQTTBrokerID   *int64   `db:"mqtt_broker_id"`
	MQTTTopic      *string  `db:"mqtt_topic"`
	MQTTMetricName *string  `db:"mqtt_metric_name"`
	MQTTTriggerTag *string  `db:"mqtt_trigger_tag"`
	UAServerID     *int64   `db:"ua_server_id"`
	UANodeID       *string  `db:"ua_node_id"`
	UASampling     *float64 `db:"ua_sampling_interval_ms"`
}

func (r *dataSourceRow) toModel() *model.DataSource {
	ds := &model.DataSource{
		ID:               r.ID,
		CharacteristicID: r.CharacteristicID,
		Kind:             r.Kind,
		TriggerStrategy:  r.TriggerStrategy,
		IsActive:         r.IsActive,
		VariableN:        r.VariableN,
	}
	if r.Kind == model.SourceKindMQTT && r.MQTTBrokerID != nil {
		ds.MQTT = &model.MQTTSource{
			BrokerID:   *r.MQTTBrokerID,
			Topic:      deref(r.MQTTTopic),
			MetricName: deref(r.MQTTMetricName),
			TriggerTag: deref(r.MQTTTriggerTag),
		}
	}
	if r.Kind == model.SourceKindOPCUA && r.UAServerID != nil {
		ds.OPCUA = &model.OPCUASource{
			ServerID:         *r.UAServerID,
			NodeID:           deref(r.UANodeID),
			SamplingInterval: r.UASampling,
		}
	}
	return ds
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const dataSourceQuery = `
	SELECT d.id, d.characteristic_id, d.kind, d.trigger_strategy, d.is_active, d.variable_n,
	       m.broker_id AS mqtt_broker_id, m.topic AS mqtt_topic,
	       m.metric_name AS mqtt_metric_name, m.trigger_tag AS mqtt_trigger_tag,
	       o.server_id AS ua_server_id, o.node_id AS ua_node_id,
	       o.sampling_interval_ms AS ua_sampling_interval_ms
	FROM data_source d
	LEFT JOIN data_source_mqtt m ON m.data_source_id = d.id
	LEFT JOIN data_source_opcua o ON o.data_source_id = d.id`

// DataSourceFor returns the characteristic's data source, or nil when the
// characteristic has none.
func (s *Store) DataSourceFor(ctx context.Context, charID int64) (*model.DataSource, error) {
	var r dataSourceRow
	err := s.db.GetContext(ctx, &r, dataSourceQuery+` WHERE d.characteristic_id = $1`, charID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

// ActiveSourcesOfKind lists the active data sources of one kind.
func (s *Store) ActiveSourcesOfKind(ctx context.Context, kind model.SourceKind) ([]*model.DataSource, error) {
	var rows []dataSourceRow
	err := s.db.SelectContext(ctx, &rows,
		dataSourceQuery+` WHERE d.is_active AND d.kind = $1 ORDER BY d.id`, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*model.DataSource, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// Broker loads one MQTT broker row.
func (s *Store) Broker(ctx context.Context, id int64) (*model.Broker, error) {
	var b model.Broker
	err := s.db.GetContext(ctx, &b, `
		SELECT id, plant_id, name, host, port, username, encrypted_password, use_tls,
		       keep_alive, max_reconnect_delay, outbound_enabled, outbound_prefix,
		       outbound_format, outbound_min_interval
		FROM mqtt_broker WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("broker %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// OutboundBrokers lists brokers flagged for outbound re-publication.
func (s *Store) OutboundBrokers(ctx context.Context) ([]model.Broker, error) {
	var out []model.Broker
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, plant_id, name, host, port, username, encrypted_password, use_tls,
		       keep_alive, max_reconnect_delay, outbound_enabled, outbound_prefix,
		       outbound_format, outbound_min_interval
		FROM mqtt_broker WHERE outbound_enabled ORDER BY id`)
	return out, err
}

// OPCUAServer loads one OPC-UA server row.
func (s *Store) OPCUAServer(ctx context.Context, id int64) (*model.OPCUAServer, error) {
	var srv model.OPCUAServer
	err := s.db.GetContext(ctx, &srv, `
		SELECT id, plant_id, name, endpoint_url, security_policy, security_mode,
		       auth_mode, username, encrypted_password, session_timeout,
		       publishing_interval, sampling_interval_ms
		FROM opcua_server WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("opcua server %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &srv, nil
}
