// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package model holds the domain entities shared by the SPC pipeline.
package model

import "time"

// Source identifies the ingress modality a sample arrived through.
type Source string

// Sample sources.
const (
	SourceManual Source = "MANUAL"
	SourceREST   Source = "REST"
	SourceTag    Source = "TAG"
	SourceOPCUA  Source = "OPCUA"
)

// Severity of a rule violation.
type Severity string

// Violation severities.
const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Zone is the control-chart band a subgroup mean falls into.
type Zone string

// Control-chart zones, from the top of the chart down.
const (
	ZoneBeyondUCL Zone = "beyond_ucl"
	ZoneAUpper    Zone = "zone_a_upper"
	ZoneBUpper    Zone = "zone_b_upper"
	ZoneCUpper    Zone = "zone_c_upper"
	ZoneCLower    Zone = "zone_c_lower"
	ZoneBLower    Zone = "zone_b_lower"
	ZoneALower    Zone = "zone_a_lower"
	ZoneBeyondLCL Zone = "beyond_lcl"
)

// Above reports whether the zone sits above the center line.
func (z Zone) Above() bool {
	switch z {
	case ZoneBeyondUCL, ZoneAUpper, ZoneBUpper, ZoneCUpper:
		return true
	}
	return false
}

// TriggerStrategy controls how raw readings are grouped into subgroups.
type TriggerStrategy string

// Trigger strategies.
const (
	TriggerOnChange  TriggerStrategy = "on_change"
	TriggerOnTrigger TriggerStrategy = "on_trigger"
	TriggerOnTimer   TriggerStrategy = "on_timer"
)

// SourceKind discriminates the polymorphic data-source variants.
type SourceKind string

// Data source kinds.
const (
	SourceKindManual SourceKind = "manual"
	SourceKindMQTT   SourceKind = "mqtt"
	SourceKindOPCUA  SourceKind = "opcua"
)

// Plant is the tenant scope all data hangs off.
type Plant struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Code     string `db:"code"`
	IsActive bool   `db:"is_active"`
}

// HierarchyNode is one node of the ISA-95 equipment tree.
type HierarchyNode struct {
	ID       int64  `db:"id"`
	PlantID  int64  `db:"plant_id"`
	ParentID *int64 `db:"parent_id"`
	Name     string `db:"name"`
	NodeType string `db:"node_type"`
}

// Characteristic is one measured feature of a process. Control limits are
// nullable: a freshly created characteristic has none until its first
// recalculation.
type Characteristic struct {
	ID           int64    `db:"id"`
	NodeID       int64    `db:"node_id"`
	PlantID      int64    `db:"plant_id"`
	Name         string   `db:"name"`
	SubgroupSize int      `db:"subgroup_size"`
	Target       *float64 `db:"target"`
	USL          *float64 `db:"usl"`
	LSL          *float64 `db:"lsl"`
	CenterLine   *float64 `db:"center_line"`
	UCL          *float64 `db:"ucl"`
	LCL          *float64 `db:"lcl"`
	Sigma        *float64 `db:"sigma"`
}

// HasLimits reports whether control limits have been established.
func (c *Characteristic) HasLimits() bool {
	return c.CenterLine != nil && c.UCL != nil && c.LCL != nil && c.Sigma != nil
}

// CharacteristicRule enables one Nelson rule for a characteristic.
type CharacteristicRule struct {
	CharacteristicID int64 `db:"characteristic_id"`
	RuleID           int   `db:"rule_id"`
	RequiresAck      bool  `db:"requires_ack"`
}

// MQTTSource binds a characteristic to a broker topic.
type MQTTSource struct {
	BrokerID   int64  `db:"broker_id"`
	Topic      string `db:"topic"`
	MetricName string `db:"metric_name"`
	TriggerTag string `db:"trigger_tag"`
}

// OPCUASource binds a characteristic to a server node.
type OPCUASource struct {
	ServerID         int64    `db:"server_id"`
	NodeID           string   `db:"node_id"`
	SamplingInterval *float64 `db:"sampling_interval_ms"`
}

// DataSource is the tagged variant describing how readings arrive for one
// characteristic. Exactly one of MQTT/OPCUA is set for the matching kind.
type DataSource struct {
	ID               int64           `db:"id"`
	CharacteristicID int64           `db:"characteristic_id"`
	Kind             SourceKind      `db:"kind"`
	TriggerStrategy  TriggerStrategy `db:"trigger_strategy"`
	IsActive         bool            `db:"is_active"`
	VariableN        bool            `db:"variable_n"`
	MQTT             *MQTTSource
	OPCUA            *OPCUASource
}

// AcceptsSource reports whether a sample from the given ingress modality is
// legal for this source kind. Manual entry and REST submission are
// interchangeable; tag sources only accept their own transport.
func (d *DataSource) AcceptsSource(s Source) bool {
	switch d.Kind {
	case SourceKindManual:
		return s == SourceManual || s == SourceREST
	case SourceKindMQTT:
		return s == SourceTag
	case SourceKindOPCUA:
		return s == SourceOPCUA
	}
	return false
}

// Sample is one persisted subgroup.
type Sample struct {
	ID               int64     `db:"id"`
	CharacteristicID int64     `db:"characteristic_id"`
	Timestamp        time.Time `db:"timestamp"`
	BatchNumber      *string   `db:"batch_number"`
	OperatorID       *string   `db:"operator_id"`
	IsExcluded       bool      `db:"is_excluded"`
	ActualN          int       `db:"actual_n"`
	Mean             float64   `db:"mean"`
	RangeValue       *float64  `db:"range_value"`
	Zone             *Zone     `db:"zone"`
}

// Measurement is one scalar reading inside a sample.
type Measurement struct {
	ID       int64   `db:"id"`
	SampleID int64   `db:"sample_id"`
	Position int     `db:"position"`
	Value    float64 `db:"value"`
}

// Violation records a fired rule against the sample that completed its
// pattern. Acknowledgement is monotone: once Acknowledged is set it never
// reverts.
type Violation struct {
	ID               int64      `db:"id"`
	SampleID         int64      `db:"sample_id"`
	CharacteristicID int64      `db:"characteristic_id"`
	RuleID           int        `db:"rule_id"`
	RuleName         string     `db:"rule_name"`
	Severity         Severity   `db:"severity"`
	RequiresAck      bool       `db:"requires_ack"`
	Acknowledged     bool       `db:"acknowledged"`
	AckBy            *string    `db:"ack_by"`
	AckReason        *string    `db:"ack_reason"`
	AckAt            *time.Time `db:"ack_at"`
	CreatedAt        time.Time  `db:"created_at"`
}

// AnnotationKind discriminates point and period annotations.
type AnnotationKind string

// Annotation kinds.
const (
	AnnotationPoint  AnnotationKind = "point"
	AnnotationPeriod AnnotationKind = "period"
)

// Annotation is a note pinned to a chart, either at one sample or over a
// period. Point annotations are unique per (characteristic, sample).
type Annotation struct {
	ID               int64          `db:"id"`
	CharacteristicID int64          `db:"characteristic_id"`
	SampleID         *int64         `db:"sample_id"`
	Kind             AnnotationKind `db:"kind"`
	Text             string         `db:"text"`
	CreatedBy        string         `db:"created_by"`
	StartAt          *time.Time     `db:"start_at"`
	EndAt            *time.Time     `db:"end_at"`
}

// EditHistory is one logged mutation of a sample.
type EditHistory struct {
	ID       int64     `db:"id"`
	SampleID int64     `db:"sample_id"`
	Field    string    `db:"field"`
	OldValue string    `db:"old_value"`
	NewValue string    `db:"new_value"`
	EditedBy string    `db:"edited_by"`
	EditedAt time.Time `db:"edited_at"`
}

// RetentionScope is where in the plant tree a retention policy attaches.
type RetentionScope string

// Retention scopes.
const (
	RetentionScopeGlobal         RetentionScope = "global"
	RetentionScopeHierarchy      RetentionScope = "hierarchy"
	RetentionScopeCharacteristic RetentionScope = "characteristic"
)

// RetentionType is the kind of limit a retention policy enforces.
type RetentionType string

// Retention types.
const (
	RetentionForever     RetentionType = "forever"
	RetentionSampleCount RetentionType = "sample_count"
	RetentionTimeDelta   RetentionType = "time_delta"
)

// RetentionPolicy is a stored retention rule. NodeID and CharacteristicID are
// set for the hierarchy and characteristic scopes respectively.
type RetentionPolicy struct {
	ID               int64          `db:"id"`
	PlantID          int64          `db:"plant_id"`
	Scope            RetentionScope `db:"scope"`
	NodeID           *int64         `db:"node_id"`
	CharacteristicID *int64         `db:"characteristic_id"`
	Type             RetentionType  `db:"retention_type"`
	Value            int            `db:"retention_value"`
	Unit             string         `db:"retention_unit"`
}

// PurgeRun is one row of the purge-history table.
type PurgeRun struct {
	ID                int64      `db:"id"`
	PlantID           int64      `db:"plant_id"`
	StartedAt         time.Time  `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	SamplesDeleted    int64      `db:"samples_deleted"`
	ViolationsDeleted int64      `db:"violations_deleted"`
	Error             *string    `db:"error"`
}

// PayloadFormat selects the outbound re-publish payload encoding.
type PayloadFormat string

// Outbound payload formats.
const (
	PayloadJSON      PayloadFormat = "json"
	PayloadSparkplug PayloadFormat = "sparkplug"
)

// Broker is one configured MQTT broker. The password is stored encrypted; see
// pkg/secrets.
type Broker struct {
	ID                  int64         `db:"id"`
	PlantID             int64         `db:"plant_id"`
	Name                string        `db:"name"`
	Host                string        `db:"host"`
	Port                int           `db:"port"`
	Username            string        `db:"username"`
	EncryptedPassword   []byte        `db:"encrypted_password"`
	UseTLS              bool          `db:"use_tls"`
	KeepAlive           time.Duration `db:"keep_alive"`
	MaxReconnectDelay   time.Duration `db:"max_reconnect_delay"`
	OutboundEnabled     bool          `db:"outbound_enabled"`
	OutboundPrefix      string        `db:"outbound_prefix"`
	OutboundFormat      PayloadFormat `db:"outbound_format"`
	OutboundMinInterval time.Duration `db:"outbound_min_interval"`
}

// OPCUAServer is one configured OPC-UA server.
type OPCUAServer struct {
	ID                 int64         `db:"id"`
	PlantID            int64         `db:"plant_id"`
	Name               string        `db:"name"`
	EndpointURL        string        `db:"endpoint_url"`
	SecurityPolicy     string        `db:"security_policy"`
	SecurityMode       string        `db:"security_mode"`
	AuthMode           string        `db:"auth_mode"`
	Username           string        `db:"username"`
	EncryptedPassword  []byte        `db:"encrypted_password"`
	SessionTimeout     time.Duration `db:"session_timeout"`
	PublishingInterval time.Duration `db:"publishing_interval"`
	SamplingInterval   float64       `db:"sampling_interval_ms"`
}

// APIKey authenticates data-entry clients and scopes them to a plant.
type APIKey struct {
	ID      int64  `db:"id"`
	PlantID int64  `db:"plant_id"`
	KeyHash string `db:"key_hash"`
	Name    string `db:"name"`
	Active  bool   `db:"active"`
}
