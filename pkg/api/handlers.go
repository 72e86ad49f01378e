// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/persistence"
	"github.com/openspc/openspc/pkg/providers"
	"github.com/openspc/openspc/pkg/spc/engine"
)

// errForbidden marks submissions against characteristics outside the API
// key's plant.
var errForbidden = errors.New("api key does not cover this characteristic")

// submitRequest is the data-entry payload.
type submitRequest struct {
	CharacteristicID int64             `json:"characteristic_id"`
	Measurements     []float64         `json:"measurements"`
	BatchNumber      *string           `json:"batch_number,omitempty"`
	OperatorID       *string           `json:"operator_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type submitResponse struct {
	SampleID   int64           `json:"sample_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Mean       float64         `json:"mean"`
	RangeValue *float64        `json:"range_value,omitempty"`
	Zone       *model.Zone     `json:"zone"`
	InControl  bool            `json:"in_control"`
	Violations []violationJSON `json:"violations"`
}

type violationJSON struct {
	ID           int64          `json:"id"`
	SampleID     int64          `json:"sample_id"`
	RuleID       int            `json:"rule_id"`
	RuleName     string         `json:"rule_name"`
	Severity     model.Severity `json:"severity"`
	RequiresAck  bool           `json:"requires_ack"`
	Acknowledged bool           `json:"acknowledged"`
	AckBy        *string        `json:"ack_by,omitempty"`
	AckReason    *string        `json:"ack_reason,omitempty"`
	AckAt        *time.Time     `json:"ack_at,omitempty"`
}

func toViolationJSON(v *model.Violation) violationJSON {
	return violationJSON{
		ID:           v.ID,
		SampleID:     v.SampleID,
		RuleID:       v.RuleID,
		RuleName:     v.RuleName,
		Severity:     v.Severity,
		RequiresAck:  v.RequiresAck,
		Acknowledged: v.Acknowledged,
		AckBy:        v.AckBy,
		AckReason:    v.AckReason,
		AckAt:        v.AckAt,
	}
}

// process runs one validated submission through the provider gate and the
// engine, returning the engine result.
func (s *Server) process(r *http.Request, req *submitRequest) (*engine.SampleResult, error) {
	key := keyFromContext(r.Context())
	ch, err := s.store.Characteristic(r.Context(), req.CharacteristicID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, providers.ErrCharacteristicNotFound
		}
		return nil, err
	}
	if key != nil && ch.PlantID != key.PlantID {
		return nil, errForbidden
	}

	// The provider gate validates; the emit callback captures the engine
	// result so the response can carry it.
	var result *engine.SampleResult
	p := providers.NewManual(s.store, func(ctx context.Context, ev *providers.SampleEvent) error {
		res, err := s.engine.ProcessSample(ctx, ev.CharacteristicID, ev.Measurements, ev.Timestamp, ev.Context)
		result = res
		return err
	})
	err = p.Submit(r.Context(), req.CharacteristicID, req.Measurements, providers.EventContext{
		BatchNumber: req.BatchNumber,
		OperatorID:  req.OperatorID,
		Source:      model.SourceREST,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	result, err := s.process(r, &req)
	if err != nil {
		if errors.Is(err, errForbidden) {
			writeError(w, http.StatusForbidden, "api key does not cover this characteristic")
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toSubmitResponse(result))
}

func toSubmitResponse(res *engine.SampleResult) submitResponse {
	violations := make([]violationJSON, len(res.Violations))
	for i := range res.Violations {
		violations[i] = toViolationJSON(&res.Violations[i])
	}
	return submitResponse{
		SampleID:   res.SampleID,
		Timestamp:  time.Now().UTC(),
		Mean:       res.Mean,
		RangeValue: res.RangeValue,
		Zone:       res.Zone,
		InControl:  res.InControl,
		Violations: violations,
	}
}

// batchItem is one element of the batch response; items succeed and fail
// independently.
type batchItem struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Status  int             `json:"status,omitempty"`
	Result  *submitResponse `json:"result,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []submitRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	items := make([]batchItem, len(reqs))
	for i := range reqs {
		result, err := s.process(r, &reqs[i])
		if err != nil {
			status := statusFor(err)
			if errors.Is(err, errForbidden) {
				status = http.StatusForbidden
			}
			items[i] = batchItem{Success: false, Error: err.Error(), Status: status}
			continue
		}
		resp := toSubmitResponse(result)
		items[i] = batchItem{Success: true, Result: &resp}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request": map[string]interface{}{
			"characteristic_id": "int, required",
			"measurements":      "[]float, required, length == subgroup size",
			"batch_number":      "string, optional",
			"operator_id":       "string, optional",
			"metadata":          "object of string, optional",
		},
		"response": map[string]interface{}{
			"sample_id":   "int",
			"timestamp":   "RFC 3339 timestamp",
			"mean":        "float",
			"range_value": "float or null",
			"zone":        "string or null",
			"in_control":  "bool",
			"violations":  "[{rule_id, rule_name, severity}]",
		},
	})
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
	Reason         string `json:"reason"`
	ExcludeSample  bool   `json:"exclude_sample"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.AcknowledgedBy == "" {
		writeError(w, http.StatusBadRequest, "acknowledged_by is required")
		return
	}
	v, err := s.engine.Acknowledge(r.Context(), id, req.AcknowledgedBy, req.Reason, req.ExcludeSample)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toViolationJSON(v))
}

func (s *Server) handleViolationStats(w http.ResponseWriter, r *http.Request) {
	var filter persistence.ViolationFilter
	q := r.URL.Query()
	if raw := q.Get("characteristic_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "characteristic_id must be an integer")
			return
		}
		filter.CharacteristicID = &id
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be RFC 3339")
				return
			}
			*dst = &t
		}
	}

	stats, err := s.alerts.Statistics(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":          stats.Total,
		"unacknowledged": stats.Unacknowledged,
		"informational":  stats.Informational,
		"by_rule":        stats.ByRule,
		"by_severity":    stats.BySeverity,
	})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	excludeOOC := r.URL.Query().Get("exclude_ooc") == "true"

	limits, err := s.engine.RecalculateLimits(r.Context(), id, excludeOOC)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"center_line": limits.Center,
		"ucl":         limits.Upper,
		"lcl":         limits.Lower,
		"sigma":       limits.Sigma,
		"method":      limits.Method,
	})
}

type annotationRequest struct {
	SampleID *int64     `json:"sample_id,omitempty"`
	Kind     string     `json:"kind"`
	Text     string     `json:"text"`
	StartAt  *time.Time `json:"start_at,omitempty"`
	EndAt    *time.Time `json:"end_at,omitempty"`
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	annotations, err := s.store.AnnotationsFor(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if annotations == nil {
		annotations = []model.Annotation{}
	}
	writeJSON(w, http.StatusOK, annotations)
}

func (s *Server) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	charID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req annotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	createdBy := ""
	if key := keyFromContext(r.Context()); key != nil {
		createdBy = key.Name
	}
	a := &model.Annotation{
		CharacteristicID: charID,
		SampleID:         req.SampleID,
		Kind:             model.AnnotationKind(req.Kind),
		Text:             req.Text,
		CreatedBy:        createdBy,
		StartAt:          req.StartAt,
		EndAt:            req.EndAt,
	}
	var err error
	switch a.Kind {
	case model.AnnotationPoint:
		err = s.store.UpsertPointAnnotation(r.Context(), a)
	case model.AnnotationPeriod:
		err = s.store.InsertPeriodAnnotation(r.Context(), a)
	default:
		writeError(w, http.StatusBadRequest, "kind must be point or period")
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handlePurgeRuns(w http.ResponseWriter, r *http.Request) {
	plantID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.RecentPurgeRuns(r.Context(), plantID, limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if runs == nil {
		runs = []model.PurgeRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleTriggerPurge runs one purge sweep for a plant immediately.
func (s *Server) handleTriggerPurge(w http.ResponseWriter, r *http.Request) {
	if s.purge == nil || !s.purge.Running() {
		writeError(w, http.StatusServiceUnavailable, "purge engine is not running")
		return
	}
	plantID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.purge.PurgePlant(r.Context(), plantID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "completed"})
}
