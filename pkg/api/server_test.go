// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspc/openspc/pkg/alert"
	"github.com/openspc/openspc/pkg/broadcaster"
	"github.com/openspc/openspc/pkg/eventbus"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/persistence"
	"github.com/openspc/openspc/pkg/retention"
	"github.com/openspc/openspc/pkg/spc/engine"
	"github.com/openspc/openspc/pkg/spc/window"
)

const testKey = "test-api-key"

func ptr(v float64) *float64 { return &v }

// memStore implements the api, engine, alert, and window-loader interfaces in
// memory.
type memStore struct {
	mu         sync.Mutex
	chars      map[int64]*model.Characteristic
	keys       map[string]*model.APIKey
	rules      map[int64][]model.CharacteristicRule
	violations []*model.Violation
	nextID     int64
}

func newMemStore() *memStore {
	return &memStore{
		chars: make(map[int64]*model.Characteristic),
		keys:  make(map[string]*model.APIKey),
		rules: make(map[int64][]model.CharacteristicRule),
	}
}

func (m *memStore) Characteristic(_ context.Context, id int64) (*model.Characteristic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chars[id]
	if !ok {
		return nil, fmt.Errorf("characteristic %d: %w", id, persistence.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) DataSourceFor(context.Context, int64) (*model.DataSource, error) { return nil, nil }

func (m *memStore) EnabledRules(_ context.Context, id int64) ([]model.CharacteristicRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules[id], nil
}

func (m *memStore) InsertSample(_ context.Context, s *model.Sample, _ []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	return nil
}

func (m *memStore) UpdateCharacteristicLimits(context.Context, int64, float64, float64, float64, float64) error {
	return nil
}

func (m *memStore) SampleHistory(context.Context, int64, bool) ([]persistence.HistorySample, error) {
	return nil, nil
}

func (m *memStore) WindowTail(context.Context, int64, int) ([]model.Sample, error) { return nil, nil }

func (m *memStore) InsertViolations(_ context.Context, vs []*model.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vs {
		m.nextID++
		v.ID = m.nextID
		m.violations = append(m.violations, v)
	}
	return nil
}

func (m *memStore) AcknowledgeViolation(_ context.Context, id int64, user, reason string, _ bool) (*model.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.violations {
		if v.ID == id {
			if v.Acknowledged {
				return nil, persistence.ErrAlreadyAcknowledged
			}
			now := time.Now().UTC()
			v.Acknowledged = true
			v.AckBy, v.AckReason, v.AckAt = &user, &reason, &now
			cp := *v
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("violation %d: %w", id, persistence.ErrNotFound)
}

func (m *memStore) ViolationStatistics(context.Context, persistence.ViolationFilter) (*persistence.ViolationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &persistence.ViolationStats{ByRule: map[int]int64{}, BySeverity: map[model.Severity]int64{}}
	for _, v := range m.violations {
		stats.Total++
		stats.ByRule[v.RuleID]++
		stats.BySeverity[v.Severity]++
		if v.RequiresAck && !v.Acknowledged {
			stats.Unacknowledged++
		}
	}
	return stats, nil
}

func (m *memStore) APIKeyByHash(_ context.Context, hash string) (*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[hash]
	if !ok {
		return nil, fmt.Errorf("api key: %w", persistence.ErrNotFound)
	}
	return k, nil
}

func (m *memStore) AnnotationsFor(context.Context, int64) ([]model.Annotation, error) {
	return nil, nil
}

func (m *memStore) UpsertPointAnnotation(_ context.Context, a *model.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	return nil
}

func (m *memStore) InsertPeriodAnnotation(_ context.Context, a *model.Annotation) error {
	return m.UpsertPointAnnotation(nil, a) //nolint:staticcheck
}

func (m *memStore) RecentPurgeRuns(context.Context, int64, int) ([]model.PurgeRun, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	store := newMemStore()
	store.keys[HashKey(testKey)] = &model.APIKey{ID: 1, PlantID: 1, Name: "line-terminal", Active: true}
	store.chars[7] = &model.Characteristic{
		ID: 7, PlantID: 1, SubgroupSize: 1,
		CenterLine: ptr(100), UCL: ptr(106), LCL: ptr(94), Sigma: ptr(2),
	}
	store.rules[7] = []model.CharacteristicRule{{CharacteristicID: 7, RuleID: 1, RequiresAck: true}}
	store.chars[8] = &model.Characteristic{ID: 8, PlantID: 2, SubgroupSize: 1}

	windows, err := window.NewManager(store, 10, window.DefaultSize)
	require.NoError(t, err)
	bus := eventbus.New()
	t.Cleanup(bus.Stop)
	alerts := alert.New(store)
	eng := engine.New(store, windows, bus, alerts)
	live := broadcaster.New(clock.NewMock(), time.Minute)
	t.Cleanup(live.Stop)

	srv := NewServer(store, eng, alerts, live, retention.NewEngine(nil, clock.NewMock(), time.Hour))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url string, body interface{}, key string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestSubmitInControl(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/data-entry/submit",
		submitRequest{CharacteristicID: 7, Measurements: []float64{103}}, testKey)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 103.0, body["mean"])
	assert.Equal(t, "zone_b_upper", body["zone"])
	assert.Equal(t, true, body["in_control"])
	assert.NotZero(t, body["sample_id"])
}

func TestSubmitOutlierReturnsViolation(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/data-entry/submit",
		submitRequest{CharacteristicID: 7, Measurements: []float64{110}}, testKey)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, false, body["in_control"])
	violations := body["violations"].([]interface{})
	require.Len(t, violations, 1)
	v := violations[0].(map[string]interface{})
	assert.Equal(t, float64(1), v["rule_id"])
	assert.Equal(t, "CRITICAL", v["severity"])
}

func TestSubmitErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/api/v1/data-entry/submit"

	resp, _ := doJSON(t, http.MethodPost, url, submitRequest{CharacteristicID: 7, Measurements: []float64{1}}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url, submitRequest{CharacteristicID: 99, Measurements: []float64{1}}, testKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url, submitRequest{CharacteristicID: 8, Measurements: []float64{1}}, testKey)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "characteristic in another plant")

	resp, _ = doJSON(t, http.MethodPost, url, submitRequest{CharacteristicID: 7, Measurements: []float64{1, 2}}, testKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "measurement count mismatch")
}

func TestBatchIndependentResults(t *testing.T) {
	ts, _ := newTestServer(t)
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode([]submitRequest{
		{CharacteristicID: 7, Measurements: []float64{100}},
		{CharacteristicID: 99, Measurements: []float64{100}},
	}))
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/data-entry/batch", &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var items []batchItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 2)
	assert.True(t, items[0].Success)
	assert.False(t, items[1].Success)
	assert.Equal(t, http.StatusBadRequest, items[1].Status)
}

func TestSchemaNeedsNoAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/data-entry/schema")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAcknowledgeLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	_, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/data-entry/submit",
		submitRequest{CharacteristicID: 7, Measurements: []float64{110}}, testKey)
	violationID := int64(body["violations"].([]interface{})[0].(map[string]interface{})["id"].(float64))

	url := fmt.Sprintf("%s/api/v1/violations/%d/acknowledge", ts.URL, violationID)
	resp, ack := doJSON(t, http.MethodPost, url,
		acknowledgeRequest{AcknowledgedBy: "supervisor", Reason: "tool change"}, testKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, ack["acknowledged"])
	assert.Equal(t, "supervisor", ack["ack_by"])

	resp, _ = doJSON(t, http.MethodPost, url,
		acknowledgeRequest{AcknowledgedBy: "supervisor", Reason: "again"}, testKey)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/violations/12345/acknowledge",
		acknowledgeRequest{AcknowledgedBy: "supervisor"}, testKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestViolationStats(t *testing.T) {
	ts, _ := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/data-entry/submit",
		submitRequest{CharacteristicID: 7, Measurements: []float64{110}}, testKey)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/violations/stats", nil, testKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(1), body["unacknowledged"])
}

func TestRecalculateWithoutHistory(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/characteristics/7/recalculate-limits", nil, testKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerPurgeRequiresRunningEngine(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/plants/1/purge", nil, testKey)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
