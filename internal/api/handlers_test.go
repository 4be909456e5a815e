// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/strideworks/stridesync/internal/auth"
	"github.com/strideworks/stridesync/internal/config"
	"github.com/strideworks/stridesync/internal/models"
	"github.com/strideworks/stridesync/internal/orchestrator"
)

type mockEngine struct {
	startSync     func(ctx context.Context, req orchestrator.Request) (*models.SyncSession, error)
	resumeSync    func(ctx context.Context, userID string) (*models.SyncSession, error)
	requestCancel func(ctx context.Context, id uuid.UUID) error
	running       func(id uuid.UUID) bool
}

func (m *mockEngine) StartSync(ctx context.Context, req orchestrator.Request) (*models.SyncSession, error) {
	if m.startSync != nil {
		return m.startSync(ctx, req)
	}
	return testSession(req.UserID, models.StatusInitiated), nil
}

func (m *mockEngine) ResumeSync(ctx context.Context, userID string) (*models.SyncSession, error) {
	if m.resumeSync != nil {
		return m.resumeSync(ctx, userID)
	}
	return testSession(userID, models.StatusInitiated), nil
}

func (m *mockEngine) RequestCancel(ctx context.Context, id uuid.UUID) error {
	if m.requestCancel != nil {
		return m.requestCancel(ctx, id)
	}
	return nil
}

func (m *mockEngine) Running(id uuid.UUID) bool {
	if m.running != nil {
		return m.running(id)
	}
	return false
}

type mockSessions struct {
	get       func(ctx context.Context, id uuid.UUID) (*models.SyncSession, error)
	getLatest func(ctx context.Context, userID string) (*models.SyncSession, error)
}

func (m *mockSessions) Get(ctx context.Context, id uuid.UUID) (*models.SyncSession, error) {
	if m.get != nil {
		return m.get(ctx, id)
	}
	return nil, models.ErrSessionNotFound
}

func (m *mockSessions) GetLatest(ctx context.Context, userID string) (*models.SyncSession, error) {
	if m.getLatest != nil {
		return m.getLatest(ctx, userID)
	}
	return nil, models.ErrSessionNotFound
}

type mockActivities struct {
	list  func(ctx context.Context, userID string, tr models.TimeRange, limit, offset int) ([]*models.EnrichedActivity, error)
	count func(ctx context.Context, userID string, tr models.TimeRange) (int, error)
}

func (m *mockActivities) ListActivities(ctx context.Context, userID string, tr models.TimeRange, limit, offset int) ([]*models.EnrichedActivity, error) {
	if m.list != nil {
		return m.list(ctx, userID, tr, limit, offset)
	}
	return nil, nil
}

func (m *mockActivities) CountActivities(ctx context.Context, userID string, tr models.TimeRange) (int, error) {
	if m.count != nil {
		return m.count(ctx, userID, tr)
	}
	return 0, nil
}

func testSession(userID string, status models.SessionStatus) *models.SyncSession {
	now := time.Now().UTC()
	return &models.SyncSession{
		ID:             uuid.New(),
		UserID:         userID,
		SyncType:       models.SyncTypeFull,
		Status:         status,
		StartedAt:      now,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newTestRouter(engine *mockEngine, sessions *mockSessions, activities *mockActivities, jwtManager *auth.JWTManager) http.Handler {
	if engine == nil {
		engine = &mockEngine{}
	}
	if sessions == nil {
		sessions = &mockSessions{}
	}
	if activities == nil {
		activities = &mockActivities{}
	}
	h := NewHandler(engine, sessions, activities, nil, &config.Config{})
	return NewRouter(h, jwtManager, config.ServerConfig{}).Setup()
}

type envelope struct {
	Status string           `json:"status"`
	Data   json.RawMessage  `json:"data"`
	Error  *models.APIError `json:"error"`
}

func doRequest(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("response is not a valid envelope: %v\nbody: %s", err, rec.Body.String())
		}
	}
	return rec, &env
}

func TestStartSyncAccepted(t *testing.T) {
	t.Parallel()

	var got orchestrator.Request
	engine := &mockEngine{
		startSync: func(_ context.Context, req orchestrator.Request) (*models.SyncSession, error) {
			got = req
			return testSession(req.UserID, models.StatusInitiated), nil
		},
	}
	router := newTestRouter(engine, nil, nil, nil)

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/sync",
		`{"user_id":"athlete-1","sync_type":"full","skip_weather":true,"batch_size":25,"max_retries":5}`, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if env.Status != "success" {
		t.Errorf("envelope status = %q, want success", env.Status)
	}
	if got.UserID != "athlete-1" || got.SyncType != models.SyncTypeFull {
		t.Errorf("engine request = %+v, want user athlete-1 full sync", got)
	}
	if !got.Options.SkipWeather || got.Options.BatchSize != 25 {
		t.Errorf("options = %+v, want skip_weather and batch_size 25 carried through", got.Options)
	}
	if got.Options.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5 carried through", got.Options.MaxRetries)
	}
}

func TestStartSyncConflict(t *testing.T) {
	t.Parallel()

	engine := &mockEngine{
		startSync: func(context.Context, orchestrator.Request) (*models.SyncSession, error) {
			return nil, models.ErrSessionConflict
		},
	}
	router := newTestRouter(engine, nil, nil, nil)

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/sync",
		`{"user_id":"athlete-1","sync_type":"full"}`, nil)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if env.Error == nil || env.Error.Code != "SESSION_CONFLICT" {
		t.Errorf("error = %+v, want SESSION_CONFLICT", env.Error)
	}
}

func TestStartSyncValidation(t *testing.T) {
	t.Parallel()

	router := newTestRouter(nil, nil, nil, nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing sync_type", `{"user_id":"athlete-1"}`},
		{"unknown sync_type", `{"user_id":"athlete-1","sync_type":"bogus"}`},
		{"date_range without bounds", `{"user_id":"athlete-1","sync_type":"date_range"}`},
		{"not json", `{{`},
		{"missing user", `{"sync_type":"full"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/sync", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d; body: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
			}
		})
	}
}

func TestSyncStatusNotFound(t *testing.T) {
	t.Parallel()

	router := newTestRouter(nil, &mockSessions{}, nil, nil)

	rec, env := doRequest(t, router, http.MethodGet, "/api/v1/sync/"+uuid.NewString(), "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Errorf("error = %+v, want NOT_FOUND", env.Error)
	}
}

func TestSyncStatusInvalidID(t *testing.T) {
	t.Parallel()

	router := newTestRouter(nil, nil, nil, nil)

	rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/sync/not-a-uuid", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSyncStatusReturnsSession(t *testing.T) {
	t.Parallel()

	s := testSession("athlete-1", models.StatusEnriching)
	s.TotalEstimated = 200
	s.ActivitiesStored = 50
	sessions := &mockSessions{
		get: func(_ context.Context, id uuid.UUID) (*models.SyncSession, error) {
			if id != s.ID {
				return nil, models.ErrSessionNotFound
			}
			return s, nil
		},
	}
	engine := &mockEngine{running: func(id uuid.UUID) bool { return id == s.ID }}
	router := newTestRouter(engine, sessions, nil, nil)

	rec, env := doRequest(t, router, http.MethodGet, "/api/v1/sync/"+s.ID.String(), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var payload struct {
		ID              uuid.UUID `json:"id"`
		Status          string    `json:"status"`
		PercentComplete float64   `json:"percent_complete"`
		Running         bool      `json:"running"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.ID != s.ID {
		t.Errorf("id = %s, want %s", payload.ID, s.ID)
	}
	if payload.Status != string(models.StatusEnriching) {
		t.Errorf("status = %q, want %q", payload.Status, models.StatusEnriching)
	}
	if payload.PercentComplete != 25.0 {
		t.Errorf("percent_complete = %v, want 25", payload.PercentComplete)
	}
	if !payload.Running {
		t.Error("running = false, want true")
	}
}

func TestCancelSyncAccepted(t *testing.T) {
	t.Parallel()

	s := testSession("athlete-1", models.StatusFetching)
	var cancelled uuid.UUID
	engine := &mockEngine{
		requestCancel: func(_ context.Context, id uuid.UUID) error {
			cancelled = id
			return nil
		},
	}
	sessions := &mockSessions{
		get: func(context.Context, uuid.UUID) (*models.SyncSession, error) { return s, nil },
	}
	router := newTestRouter(engine, sessions, nil, nil)

	rec, _ := doRequest(t, router, http.MethodDelete, "/api/v1/sync/"+s.ID.String(), "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if cancelled != s.ID {
		t.Errorf("cancelled id = %s, want %s", cancelled, s.ID)
	}
}

func TestCancelTerminalSessionConflicts(t *testing.T) {
	t.Parallel()

	s := testSession("athlete-1", models.StatusCompleted)
	now := time.Now()
	s.CompletedAt = &now
	sessions := &mockSessions{
		get: func(context.Context, uuid.UUID) (*models.SyncSession, error) { return s, nil },
	}
	router := newTestRouter(nil, sessions, nil, nil)

	rec, env := doRequest(t, router, http.MethodDelete, "/api/v1/sync/"+s.ID.String(), "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if env.Error == nil || env.Error.Code != "NOT_CANCELLABLE" {
		t.Errorf("error = %+v, want NOT_CANCELLABLE", env.Error)
	}
}

func TestResumeSyncAccepted(t *testing.T) {
	t.Parallel()

	prior := testSession("athlete-1", models.StatusCancelled)
	prior.CheckpointData = []byte(`{"schema_version":1}`)

	var resumedUser string
	engine := &mockEngine{
		resumeSync: func(_ context.Context, userID string) (*models.SyncSession, error) {
			resumedUser = userID
			return testSession(userID, models.StatusInitiated), nil
		},
	}
	sessions := &mockSessions{
		get: func(context.Context, uuid.UUID) (*models.SyncSession, error) { return prior, nil },
	}
	router := newTestRouter(engine, sessions, nil, nil)

	rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/sync/"+prior.ID.String()+"/resume", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if resumedUser != "athlete-1" {
		t.Errorf("resumed user = %q, want athlete-1", resumedUser)
	}
}

func TestResumeCompletedSessionConflicts(t *testing.T) {
	t.Parallel()

	s := testSession("athlete-1", models.StatusCompleted)
	sessions := &mockSessions{
		get: func(context.Context, uuid.UUID) (*models.SyncSession, error) { return s, nil },
	}
	router := newTestRouter(nil, sessions, nil, nil)

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/sync/"+s.ID.String()+"/resume", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if env.Error == nil || env.Error.Code != "NOT_RESUMABLE" {
		t.Errorf("error = %+v, want NOT_RESUMABLE", env.Error)
	}
}

func TestActivitiesPagination(t *testing.T) {
	t.Parallel()

	activities := &mockActivities{
		count: func(context.Context, string, models.TimeRange) (int, error) { return 42, nil },
		list: func(_ context.Context, _ string, _ models.TimeRange, limit, offset int) ([]*models.EnrichedActivity, error) {
			if limit != 10 || offset != 20 {
				t.Errorf("list called with limit=%d offset=%d, want 10/20", limit, offset)
			}
			out := make([]*models.EnrichedActivity, 10)
			for i := range out {
				out[i] = &models.EnrichedActivity{UserID: "athlete-1", ExternalID: uuid.NewString()}
			}
			return out, nil
		},
	}
	router := newTestRouter(nil, nil, activities, nil)

	rec, env := doRequest(t, router, http.MethodGet, "/api/v1/activities?user_id=athlete-1&limit=10&offset=20", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var page models.ActivityPage
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decoding page: %v", err)
	}
	if page.Total != 42 || len(page.Activities) != 10 {
		t.Errorf("page = total %d with %d items, want 42/10", page.Total, len(page.Activities))
	}
	if !page.HasMore {
		t.Error("has_more = false, want true at offset 20 of 42")
	}
}

func TestActivitiesLimitValidation(t *testing.T) {
	t.Parallel()

	router := newTestRouter(nil, nil, nil, nil)

	rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/activities?user_id=athlete-1&limit=9999", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestActivitiesTimeFilter(t *testing.T) {
	t.Parallel()

	after := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	activities := &mockActivities{
		count: func(_ context.Context, _ string, tr models.TimeRange) (int, error) {
			if !tr.After.Equal(after) || !tr.Before.Equal(before) {
				t.Errorf("count range = %v..%v, want %v..%v", tr.After, tr.Before, after, before)
			}
			return 0, nil
		},
	}
	router := newTestRouter(nil, nil, activities, nil)

	path := "/api/v1/activities?user_id=athlete-1" +
		"&after=2025-01-01T00:00:00Z&before=2025-07-01T00:00:00Z"
	rec, _ := doRequest(t, router, http.MethodGet, path, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec, env := doRequest(t, router, http.MethodGet, "/api/v1/activities?user_id=athlete-1&after=yesterday", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad timestamp status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("error = %+v, want VALIDATION_ERROR", env.Error)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	manager, err := auth.NewJWTManager(config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}

	var latestUser string
	sessions := &mockSessions{
		getLatest: func(_ context.Context, userID string) (*models.SyncSession, error) {
			latestUser = userID
			return testSession(userID, models.StatusCompleted), nil
		},
	}
	router := newTestRouter(nil, sessions, nil, manager)

	t.Run("missing token rejected", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/sync/latest", "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/sync/latest", "",
			map[string]string{"Authorization": "Bearer not-a-token"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("token subject overrides query user", func(t *testing.T) {
		token, err := manager.GenerateToken("athlete-1")
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/sync/latest?user_id=someone-else", "",
			map[string]string{"Authorization": "Bearer " + token})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		if latestUser != "athlete-1" {
			t.Errorf("effective user = %q, want token subject athlete-1", latestUser)
		}
	})

	t.Run("health stays public", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodGet, "/health", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	router := newTestRouter(nil, nil, nil, nil)

	rec, env := doRequest(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if env.Status != "success" {
		t.Errorf("envelope status = %q, want success", env.Status)
	}
}
