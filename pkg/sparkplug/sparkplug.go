// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package sparkplug is a minimal typed-metric-set codec for Sparkplug-style
// payloads: inbound tag decoding and outbound re-publication share it.
package sparkplug

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TopicPrefix marks a Sparkplug namespace topic.
const TopicPrefix = "spBv1.0/"

// IsSparkplugTopic reports whether a topic belongs to the Sparkplug namespace.
func IsSparkplugTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefix)
}

// DataType enumerates the metric value types the codec understands.
type DataType string

// Supported metric data types.
const (
	TypeInt64   DataType = "Int64"
	TypeDouble  DataType = "Double"
	TypeBoolean DataType = "Boolean"
	TypeString  DataType = "String"
)

// Metric is one named, typed value inside a payload.
type Metric struct {
	Name     string      `json:"name"`
	DataType DataType    `json:"data_type"`
	Value    interface{} `json:"value"`
}

// Payload is a timestamped set of metrics.
type Payload struct {
	Timestamp time.Time `json:"timestamp"`
	Metrics   []Metric  `json:"metrics"`
}

// NumericValue returns the metric value as a float64, or false when the
// metric is not numeric.
func (m *Metric) NumericValue() (float64, bool) {
	switch m.DataType {
	case TypeInt64:
		switch v := m.Value.(type) {
		case int64:
			return float64(v), true
		case float64: // json numbers decode as float64
			return v, true
		}
	case TypeDouble:
		if v, ok := m.Value.(float64); ok {
			return v, true
		}
	}
	return 0, false
}

// Encode serialises a payload.
func Encode(p *Payload) ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses a payload, normalising metric values to their declared type
// so that encode-then-decode round-trips (name, data_type, value) exactly.
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding sparkplug payload: %w", err)
	}
	for i := range p.Metrics {
		m := &p.Metrics[i]
		switch m.DataType {
		case TypeInt64:
			v, ok := m.Value.(float64)
			if !ok {
				return nil, fmt.Errorf("metric %q: Int64 value has type %T", m.Name, m.Value)
			}
			m.Value = int64(v)
		case TypeDouble:
			if _, ok := m.Value.(float64); !ok {
				return nil, fmt.Errorf("metric %q: Double value has type %T", m.Name, m.Value)
			}
		case TypeBoolean:
			if _, ok := m.Value.(bool); !ok {
				return nil, fmt.Errorf("metric %q: Boolean value has type %T", m.Name, m.Value)
			}
		case TypeString:
			if _, ok := m.Value.(string); !ok {
				return nil, fmt.Errorf("metric %q: String value has type %T", m.Name, m.Value)
			}
		default:
			return nil, fmt.Errorf("metric %q: unsupported data type %q", m.Name, m.DataType)
		}
	}
	return &p, nil
}
