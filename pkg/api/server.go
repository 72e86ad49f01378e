// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package api exposes the data-entry REST surface, the live websocket
// endpoint, and the metrics scrape handler.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/openspc/openspc/pkg/alert"
	"github.com/openspc/openspc/pkg/broadcaster"
	"github.com/openspc/openspc/pkg/metrics"
	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/persistence"
	"github.com/openspc/openspc/pkg/providers"
	"github.com/openspc/openspc/pkg/retention"
	"github.com/openspc/openspc/pkg/spc/engine"
	"github.com/openspc/openspc/pkg/spc/stats"
	"github.com/openspc/openspc/pkg/util/log"
)

// Store is the persistence slice the HTTP layer needs on top of what the
// engine already covers.
type Store interface {
	providers.Catalog
	APIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	AnnotationsFor(ctx context.Context, charID int64) ([]model.Annotation, error)
	UpsertPointAnnotation(ctx context.Context, a *model.Annotation) error
	InsertPeriodAnnotation(ctx context.Context, a *model.Annotation) error
	RecentPurgeRuns(ctx context.Context, plantID int64, limit int) ([]model.PurgeRun, error)
}

// Server carries the wired pipeline ends the handlers call into.
type Server struct {
	store  Store
	engine *engine.Engine
	alerts *alert.Manager
	live   *broadcaster.Broadcaster
	purge  *retention.Engine
}

// NewServer builds the HTTP layer.
func NewServer(store Store, eng *engine.Engine, alerts *alert.Manager, live *broadcaster.Broadcaster, purge *retention.Engine) *Server {
	return &Server{store: store, engine: eng, alerts: alerts, live: live, purge: purge}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/data-entry/schema", s.handleSchema).Methods(http.MethodGet)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)

	authed := r.PathPrefix("/api/v1").Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/data-entry/submit", s.handleSubmit).Methods(http.MethodPost)
	authed.HandleFunc("/data-entry/batch", s.handleBatch).Methods(http.MethodPost)
	authed.HandleFunc("/violations/{id:[0-9]+}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	authed.HandleFunc("/violations/stats", s.handleViolationStats).Methods(http.MethodGet)
	authed.HandleFunc("/characteristics/{id:[0-9]+}/recalculate-limits", s.handleRecalculate).Methods(http.MethodPost)
	authed.HandleFunc("/characteristics/{id:[0-9]+}/annotations", s.handleListAnnotations).Methods(http.MethodGet)
	authed.HandleFunc("/characteristics/{id:[0-9]+}/annotations", s.handleCreateAnnotation).Methods(http.MethodPost)
	authed.HandleFunc("/plants/{id:[0-9]+}/purge-runs", s.handlePurgeRuns).Methods(http.MethodGet)
	authed.HandleFunc("/plants/{id:[0-9]+}/purge", s.handleTriggerPurge).Methods(http.MethodPost)
	return r
}

type contextKey string

const apiKeyContextKey contextKey = "api-key"

// HashKey is the stored form of an API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves the raw key from header or query string. The query
// form exists for websocket clients that cannot set headers.
func (s *Server) authenticate(r *http.Request) (*model.APIKey, error) {
	raw := r.Header.Get("X-API-Key")
	if raw == "" {
		raw = r.URL.Query().Get("api_key")
	}
	if raw == "" {
		return nil, errors.New("missing api key")
	}
	return s.store.APIKeyByHash(r.Context(), HashKey(raw))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func keyFromContext(ctx context.Context) *model.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*model.APIKey)
	return key
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"purge_running": s.purge != nil && s.purge.Running(),
		"time":          time.Now().UTC(),
	})
}

// handleLive authenticates and hands the connection to the broadcaster.
// Failed auth still upgrades so the client receives close code 4001.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		s.live.RejectUnauthorized(w, r)
		return
	}
	s.live.HandleWS(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("api: writing response: %v", err) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps pipeline errors onto the HTTP taxonomy. Unknown errors are
// internal failures.
func statusFor(err error) int {
	switch {
	case errors.Is(err, providers.ErrCharacteristicNotFound),
		errors.Is(err, providers.ErrProviderTypeMismatch),
		errors.Is(err, providers.ErrMeasurementCountMismatch),
		errors.Is(err, engine.ErrNoMeasurements),
		errors.Is(err, engine.ErrTooManyMeasurements),
		errors.Is(err, engine.ErrUndersizedSubgroup),
		errors.Is(err, engine.ErrNoHistory),
		errors.Is(err, stats.ErrInvalidSubgroupSize):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrAlreadyAcknowledged):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
