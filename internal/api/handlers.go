// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package api exposes the sync engine over HTTP: start, inspect, cancel,
// and resume sync sessions, and read back stored activities.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/strideworks/stridesync/internal/auth"
	"github.com/strideworks/stridesync/internal/config"
	"github.com/strideworks/stridesync/internal/models"
	"github.com/strideworks/stridesync/internal/orchestrator"
	"github.com/strideworks/stridesync/internal/session"
)

// SyncEngine is the orchestrator surface the API drives.
type SyncEngine interface {
	StartSync(ctx context.Context, req orchestrator.Request) (*models.SyncSession, error)
	ResumeSync(ctx context.Context, userID string) (*models.SyncSession, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
	Running(id uuid.UUID) bool
}

// SessionReader reads session state for status endpoints.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.SyncSession, error)
	GetLatest(ctx context.Context, userID string) (*models.SyncSession, error)
}

// ActivityReader reads stored activities for the listing endpoint.
type ActivityReader interface {
	ListActivities(ctx context.Context, userID string, tr models.TimeRange, limit, offset int) ([]*models.EnrichedActivity, error)
	CountActivities(ctx context.Context, userID string, tr models.TimeRange) (int, error)
}

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler implements the HTTP handlers. All handlers resolve the caller's
// user id from the bearer token when auth is enabled, falling back to the
// request body or query string otherwise.
type Handler struct {
	engine    SyncEngine
	sessions  SessionReader
	db        ActivityReader
	pinger    Pinger
	cfg       *config.Config
	startTime time.Time
}

// NewHandler wires the handler set. pinger may be nil when no database
// health probe is available.
func NewHandler(engine SyncEngine, sessions SessionReader, db ActivityReader, pinger Pinger, cfg *config.Config) *Handler {
	return &Handler{
		engine:    engine,
		sessions:  sessions,
		db:        db,
		pinger:    pinger,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// SyncRequest is the body of POST /api/v1/sync.
type SyncRequest struct {
	// UserID identifies the athlete. Ignored when auth is enabled; the
	// token subject wins.
	UserID string `json:"user_id" validate:"omitempty,max=128"`

	SyncType models.SyncType `json:"sync_type" validate:"required,oneof=full incremental date_range"`

	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`

	SkipWeather bool `json:"skip_weather"`
	SkipGeocode bool `json:"skip_geocode"`
	BatchSize   int  `json:"batch_size" validate:"omitempty,min=1,max=1000"`
	MaxRetries  int  `json:"max_retries" validate:"omitempty,min=1,max=10"`
}

// sessionStatus is the payload for session status endpoints. It embeds the
// persisted session and adds derived fields.
type sessionStatus struct {
	*models.SyncSession
	PercentComplete float64 `json:"percent_complete"`
	Running         bool    `json:"running"`
}

func (h *Handler) sessionPayload(s *models.SyncSession) *sessionStatus {
	processed := s.ActivitiesStored
	if s.ActivitiesEnriched > processed {
		processed = s.ActivitiesEnriched
	}
	return &sessionStatus{
		SyncSession:     s,
		PercentComplete: models.PercentComplete(processed, s.TotalEstimated),
		Running:         h.engine.Running(s.ID),
	}
}

// requestUserID resolves the effective user id: authenticated subject first,
// explicit value second.
func requestUserID(r *http.Request, explicit string) string {
	if id := auth.UserIDFromContext(r.Context()); id != "" {
		return id
	}
	return explicit
}

// StartSync handles POST /api/v1/sync. Returns 202 with the new session, or
// 409 when the user already has an active session.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID := requestUserID(r, req.UserID)
	if userID == "" {
		respondError(w, http.StatusBadRequest, "USER_REQUIRED", "user_id is required", nil)
		return
	}
	if req.SyncType == models.SyncTypeDateRange && req.After == nil && req.Before == nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "date_range sync requires after and/or before", nil)
		return
	}

	var tr models.TimeRange
	if req.After != nil {
		tr.After = *req.After
	}
	if req.Before != nil {
		tr.Before = *req.Before
	}

	s, err := h.engine.StartSync(r.Context(), orchestrator.Request{
		UserID:    userID,
		SyncType:  req.SyncType,
		TimeRange: tr,
		Options: orchestrator.Options{
			BatchSize:   req.BatchSize,
			MaxRetries:  req.MaxRetries,
			SkipWeather: req.SkipWeather,
			SkipGeocode: req.SkipGeocode,
		},
	})
	if err != nil {
		if errors.Is(err, models.ErrSessionConflict) {
			respondError(w, http.StatusConflict, "SESSION_CONFLICT",
				"An active sync session already exists for this user", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "SYNC_START_FAILED", "Failed to start sync", err)
		return
	}

	respondJSON(w, http.StatusAccepted, &models.APIResponse{
		Status:   "success",
		Data:     h.sessionPayload(s),
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// SyncStatus handles GET /api/v1/sync/{id}.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, &models.APIResponse{
		Status:   "success",
		Data:     h.sessionPayload(s),
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// LatestSync handles GET /api/v1/sync/latest.
func (h *Handler) LatestSync(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r, r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "USER_REQUIRED", "user_id is required", nil)
		return
	}

	s, err := h.sessions.GetLatest(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "No sync sessions for this user", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load session", err)
		return
	}
	respondJSON(w, http.StatusOK, &models.APIResponse{
		Status:   "success",
		Data:     h.sessionPayload(s),
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// CancelSync handles DELETE /api/v1/sync/{id}. Cancellation is cooperative:
// 202 means the worker will stop after its current batch, not that it has
// stopped.
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}
	if !s.Active() {
		respondError(w, http.StatusConflict, "NOT_CANCELLABLE",
			"Session is already in a terminal state: "+string(s.Status), nil)
		return
	}

	if err := h.engine.RequestCancel(r.Context(), s.ID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			respondError(w, http.StatusConflict, "NOT_CANCELLABLE", "Session cannot be cancelled", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "CANCEL_FAILED", "Failed to cancel session", err)
		return
	}
	respondJSON(w, http.StatusAccepted, &models.APIResponse{
		Status:   "success",
		Data:     map[string]string{"session_id": s.ID.String(), "state": "cancellation_requested"},
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// ResumeSync handles POST /api/v1/sync/{id}/resume. A terminal failed or
// cancelled session with a preserved checkpoint is continued in a fresh
// session seeded from that checkpoint.
func (h *Handler) ResumeSync(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}
	if s.Active() {
		respondError(w, http.StatusConflict, "SESSION_CONFLICT", "Session is still active", nil)
		return
	}
	if s.Status == models.StatusCompleted || len(s.CheckpointData) == 0 {
		respondError(w, http.StatusConflict, "NOT_RESUMABLE",
			"Session has no resumable checkpoint", nil)
		return
	}

	resumed, err := h.engine.ResumeSync(r.Context(), s.UserID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoResumableSession):
			respondError(w, http.StatusConflict, "NOT_RESUMABLE", "No resumable session for this user", err)
		case errors.Is(err, models.ErrSessionConflict):
			respondError(w, http.StatusConflict, "SESSION_CONFLICT",
				"An active sync session already exists for this user", err)
		default:
			respondError(w, http.StatusInternalServerError, "RESUME_FAILED", "Failed to resume sync", err)
		}
		return
	}
	respondJSON(w, http.StatusAccepted, &models.APIResponse{
		Status:   "success",
		Data:     h.sessionPayload(resumed),
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// Activities handles GET /api/v1/activities with limit/offset pagination.
func (h *Handler) Activities(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r, r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "USER_REQUIRED", "user_id is required", nil)
		return
	}

	limit := getIntParam(r, "limit", 100)
	if limit < 1 || limit > 500 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 500", nil)
		return
	}
	offset := getIntParam(r, "offset", 0)
	if offset < 0 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be non-negative", nil)
		return
	}
	tr, ok := timeRangeFromQuery(w, r)
	if !ok {
		return
	}

	start := time.Now()
	total, err := h.db.CountActivities(r.Context(), userID, tr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to count activities", err)
		return
	}
	activities, err := h.db.ListActivities(r.Context(), userID, tr, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list activities", err)
		return
	}

	respondJSON(w, http.StatusOK, &models.APIResponse{
		Status: "success",
		Data: &models.ActivityPage{
			Activities: activities,
			Total:      total,
			Limit:      limit,
			Offset:     offset,
			HasMore:    offset+len(activities) < total,
		},
		Metadata: models.Metadata{
			Timestamp:   time.Now(),
			QueryTimeMS: time.Since(start).Milliseconds(),
		},
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			dbStatus = "unavailable"
		}
	}
	respondJSON(w, status, &models.APIResponse{
		Status: "success",
		Data: map[string]any{
			"status":         dbStatus,
			"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		},
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// sessionFromPath parses {id}, loads the session, and enforces that an
// authenticated caller only sees their own sessions. Cross-user access
// reads as not-found rather than forbidden.
func (h *Handler) sessionFromPath(w http.ResponseWriter, r *http.Request) (*models.SyncSession, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Session id must be a UUID", err)
		return nil, false
	}

	s, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Sync session not found", nil)
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load session", err)
		return nil, false
	}

	if caller := auth.UserIDFromContext(r.Context()); caller != "" && caller != s.UserID {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Sync session not found", nil)
		return nil, false
	}
	return s, true
}
