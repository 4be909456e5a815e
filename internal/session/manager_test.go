// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strideworks/stridesync/internal/models"
)

// mockStore lets each test stub exactly the calls it cares about.
type mockStore struct {
	insertSessionIfNoActive func(ctx context.Context, s *models.SyncSession) error
	reclaimStaleSessions    func(ctx context.Context, userID string, threshold time.Duration) (int64, error)
	getSession              func(ctx context.Context, id uuid.UUID) (*models.SyncSession, error)
	getActiveSession        func(ctx context.Context, userID string) (*models.SyncSession, error)
	getLatestSession        func(ctx context.Context, userID string) (*models.SyncSession, error)
	updateSession           func(ctx context.Context, id uuid.UUID, upd *models.SessionUpdate) error
	touchSession            func(ctx context.Context, id uuid.UUID) error
}

func (m *mockStore) InsertSessionIfNoActive(ctx context.Context, s *models.SyncSession) error {
	if m.insertSessionIfNoActive == nil {
		return nil
	}
	return m.insertSessionIfNoActive(ctx, s)
}

func (m *mockStore) ReclaimStaleSessions(ctx context.Context, userID string, threshold time.Duration) (int64, error) {
	if m.reclaimStaleSessions == nil {
		return 0, nil
	}
	return m.reclaimStaleSessions(ctx, userID, threshold)
}

func (m *mockStore) GetSession(ctx context.Context, id uuid.UUID) (*models.SyncSession, error) {
	return m.getSession(ctx, id)
}

func (m *mockStore) GetActiveSession(ctx context.Context, userID string) (*models.SyncSession, error) {
	return m.getActiveSession(ctx, userID)
}

func (m *mockStore) GetLatestSession(ctx context.Context, userID string) (*models.SyncSession, error) {
	return m.getLatestSession(ctx, userID)
}

func (m *mockStore) UpdateSession(ctx context.Context, id uuid.UUID, upd *models.SessionUpdate) error {
	if m.updateSession == nil {
		return nil
	}
	return m.updateSession(ctx, id, upd)
}

func (m *mockStore) TouchSession(ctx context.Context, id uuid.UUID) error {
	if m.touchSession == nil {
		return nil
	}
	return m.touchSession(ctx, id)
}

func TestCreateReclaimsThenInserts(t *testing.T) {
	t.Parallel()

	var reclaimCalled, insertCalled bool
	store := &mockStore{
		reclaimStaleSessions: func(_ context.Context, userID string, threshold time.Duration) (int64, error) {
			reclaimCalled = true
			if userID != "user-1" {
				t.Errorf("reclaim user = %q", userID)
			}
			if threshold != 10*time.Minute {
				t.Errorf("reclaim threshold = %s", threshold)
			}
			return 0, nil
		},
		insertSessionIfNoActive: func(_ context.Context, s *models.SyncSession) error {
			insertCalled = true
			if !reclaimCalled {
				t.Error("insert ran before stale reclamation")
			}
			if s.Status != models.StatusInitiated {
				t.Errorf("new session status = %q", s.Status)
			}
			if s.ID == uuid.Nil {
				t.Error("new session must get an id")
			}
			return nil
		},
	}

	m := NewManager(store, 10*time.Minute)
	s, err := m.Create(context.Background(), "user-1", models.SyncTypeFull, models.TimeRange{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !insertCalled {
		t.Error("insert was never called")
	}
	if s.UserID != "user-1" || s.SyncType != models.SyncTypeFull {
		t.Errorf("session = %+v", s)
	}
}

func TestCreateSurfacesConflict(t *testing.T) {
	t.Parallel()

	store := &mockStore{
		insertSessionIfNoActive: func(context.Context, *models.SyncSession) error {
			return models.ErrSessionConflict
		},
	}

	m := NewManager(store, 10*time.Minute)
	_, err := m.Create(context.Background(), "user-1", models.SyncTypeFull, models.TimeRange{})
	if !errors.Is(err, models.ErrSessionConflict) {
		t.Errorf("expected ErrSessionConflict, got %v", err)
	}
}

func TestCreateRejectsEmptyUser(t *testing.T) {
	t.Parallel()

	m := NewManager(&mockStore{}, 10*time.Minute)
	if _, err := m.Create(context.Background(), "", models.SyncTypeFull, models.TimeRange{}); err == nil {
		t.Error("expected an error for an empty user id")
	}
}

func TestCanStartNewSync(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		active     *models.SyncSession
		activeErr  error
		want       bool
		wantReason bool
	}{
		{
			name:   "no live session",
			active: nil, activeErr: models.ErrSessionNotFound,
			want: true,
		},
		{
			name: "live session blocks",
			active: &models.SyncSession{
				ID:             uuid.New(),
				Status:         models.StatusFetching,
				LastActivityAt: time.Now().UTC(),
			},
			want:       false,
			wantReason: true,
		},
		{
			name: "stale session is reclaimable",
			active: &models.SyncSession{
				ID:             uuid.New(),
				Status:         models.StatusEnriching,
				LastActivityAt: time.Now().UTC().Add(-time.Hour),
			},
			want:       true,
			wantReason: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var wrote bool
			store := &mockStore{
				getActiveSession: func(context.Context, string) (*models.SyncSession, error) {
					return tt.active, tt.activeErr
				},
				updateSession: func(context.Context, uuid.UUID, *models.SessionUpdate) error {
					wrote = true
					return nil
				},
				reclaimStaleSessions: func(context.Context, string, time.Duration) (int64, error) {
					wrote = true
					return 0, nil
				},
			}

			m := NewManager(store, 10*time.Minute)
			ok, reason, err := m.CanStartNewSync(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("CanStartNewSync: %v", err)
			}
			if ok != tt.want {
				t.Errorf("ok = %v, want %v (reason %q)", ok, tt.want, reason)
			}
			if tt.wantReason && reason == "" {
				t.Error("expected a reason naming the live session")
			}
			if wrote {
				t.Error("admission check must not write")
			}
		})
	}
}

func TestTransitionValidatesTable(t *testing.T) {
	t.Parallel()

	current := &models.SyncSession{
		ID:     uuid.New(),
		Status: models.StatusFetching,
	}
	var updated *models.SessionUpdate
	store := &mockStore{
		getSession: func(context.Context, uuid.UUID) (*models.SyncSession, error) {
			return current, nil
		},
		updateSession: func(_ context.Context, _ uuid.UUID, upd *models.SessionUpdate) error {
			updated = upd
			return nil
		},
	}

	m := NewManager(store, 10*time.Minute)
	ctx := context.Background()

	s, err := m.Transition(ctx, current.ID, models.StatusEnriching)
	if err != nil {
		t.Fatalf("valid transition: %v", err)
	}
	if s.Status != models.StatusEnriching || s.CurrentPhase != models.PhaseEnriching {
		t.Errorf("session = %q/%q", s.Status, s.CurrentPhase)
	}
	if updated == nil || updated.Status == nil || *updated.Status != models.StatusEnriching {
		t.Errorf("persisted update = %+v", updated)
	}

	// Skipping a phase is rejected and nothing is written.
	updated = nil
	if _, err := m.Transition(ctx, current.ID, models.StatusCompleted); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if updated != nil {
		t.Error("invalid transition must not write")
	}
}

func TestTransitionFromTerminal(t *testing.T) {
	t.Parallel()

	store := &mockStore{
		getSession: func(context.Context, uuid.UUID) (*models.SyncSession, error) {
			return &models.SyncSession{ID: uuid.New(), Status: models.StatusCompleted}, nil
		},
	}

	m := NewManager(store, 10*time.Minute)
	_, err := m.Transition(context.Background(), uuid.New(), models.StatusFetching)
	if !errors.Is(err, models.ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal, got %v", err)
	}
}

func TestMarkFailedAndRetry(t *testing.T) {
	t.Parallel()

	current := &models.SyncSession{
		ID:           uuid.New(),
		Status:       models.StatusEnriching,
		CurrentPhase: models.PhaseEnriching,
		ErrorCount:   1,
	}
	var updates []*models.SessionUpdate
	store := &mockStore{
		getSession: func(context.Context, uuid.UUID) (*models.SyncSession, error) {
			snapshot := *current
			return &snapshot, nil
		},
		updateSession: func(_ context.Context, _ uuid.UUID, upd *models.SessionUpdate) error {
			updates = append(updates, upd)
			if upd.Status != nil {
				current.Status = *upd.Status
			}
			if upd.RetryCount != nil {
				current.RetryCount = *upd.RetryCount
			}
			if upd.ErrorCount != nil {
				current.ErrorCount = *upd.ErrorCount
			}
			return nil
		},
	}

	m := NewManager(store, 10*time.Minute)
	ctx := context.Background()

	syncErr := models.NewSyncError(models.ErrKindTemporaryAPI, models.PhaseEnriching, "weather_503", "provider unavailable")
	if err := m.MarkFailed(ctx, current.ID, syncErr, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if current.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", current.Status)
	}
	if current.ErrorCount != 2 {
		t.Errorf("error count = %d, want 2", current.ErrorCount)
	}
	if len(updates) == 0 || updates[0].CompletedAt != nil {
		t.Error("non-final failure must not set completed_at")
	}

	s, err := m.BeginRetry(ctx, current.ID)
	if err != nil {
		t.Fatalf("begin retry: %v", err)
	}
	if s.Status != models.StatusRetrying {
		t.Errorf("status = %q, want retrying", s.Status)
	}
	if s.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", s.RetryCount)
	}
}

func TestMarkFailedFinalSetsCompletedAt(t *testing.T) {
	t.Parallel()

	var captured *models.SessionUpdate
	store := &mockStore{
		getSession: func(context.Context, uuid.UUID) (*models.SyncSession, error) {
			return &models.SyncSession{ID: uuid.New(), Status: models.StatusFetching, StartedAt: time.Now()}, nil
		},
		updateSession: func(_ context.Context, _ uuid.UUID, upd *models.SessionUpdate) error {
			captured = upd
			return nil
		},
	}

	m := NewManager(store, 10*time.Minute)
	syncErr := models.NewSyncError(models.ErrKindAuthentication, models.PhaseFetching, "token_expired", "refresh rejected")
	if err := m.MarkFailed(context.Background(), uuid.New(), syncErr, true); err != nil {
		t.Fatalf("mark failed final: %v", err)
	}
	if captured == nil || captured.CompletedAt == nil {
		t.Error("final failure must set completed_at")
	}
	if captured.LastError == nil || captured.LastError.Kind != models.ErrKindAuthentication {
		t.Errorf("last error = %+v", captured.LastError)
	}
}

func TestResumeSeedsFromPriorCheckpoint(t *testing.T) {
	t.Parallel()

	cp := &models.Checkpoint{
		Phase:          models.PhaseFetching,
		Cursor:         models.PageParams{Page: 3, PerPage: 50},
		CompletedPages: 2,
		Stored:         100,
	}
	blob, err := cp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	prior := &models.SyncSession{
		ID:                 uuid.New(),
		UserID:             "user-r",
		SyncType:           models.SyncTypeFull,
		Status:             models.StatusCancelled,
		ActivitiesFetched:  100,
		ActivitiesStored:   100,
		LastSuccessfulPage: 2,
		CheckpointData:     blob,
	}

	var inserted *models.SyncSession
	store := &mockStore{
		getLatestSession: func(_ context.Context, userID string) (*models.SyncSession, error) {
			return prior, nil
		},
		insertSessionIfNoActive: func(_ context.Context, s *models.SyncSession) error {
			inserted = s
			return nil
		},
	}

	m := NewManager(store, 10*time.Minute)
	s, err := m.Resume(context.Background(), "user-r")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s.ID == prior.ID {
		t.Error("resume must mint a new session id")
	}
	if inserted == nil {
		t.Fatal("no session inserted")
	}
	if s.LastSuccessfulPage != 2 || s.ActivitiesStored != 100 {
		t.Errorf("carried counters = page %d stored %d", s.LastSuccessfulPage, s.ActivitiesStored)
	}
	decoded, err := models.DecodeCheckpoint(s.CheckpointData)
	if err != nil || decoded == nil || decoded.Cursor.Page != 3 {
		t.Errorf("checkpoint = %+v, err %v", decoded, err)
	}
}

func TestResumeWithoutPriorSession(t *testing.T) {
	t.Parallel()

	store := &mockStore{
		getLatestSession: func(context.Context, string) (*models.SyncSession, error) {
			return nil, models.ErrSessionNotFound
		},
	}
	m := NewManager(store, 10*time.Minute)
	if _, err := m.Resume(context.Background(), "user-x"); !errors.Is(err, ErrNoResumableSession) {
		t.Errorf("expected ErrNoResumableSession, got %v", err)
	}
}

func TestResumeRejectsCompletedAndActive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prior   *models.SyncSession
		wantErr error
	}{
		{
			name:    "completed session has nothing to resume",
			prior:   &models.SyncSession{Status: models.StatusCompleted},
			wantErr: ErrNoResumableSession,
		},
		{
			name:    "active session conflicts",
			prior:   &models.SyncSession{Status: models.StatusFetching},
			wantErr: models.ErrSessionConflict,
		},
		{
			name:    "failed session without checkpoint",
			prior:   &models.SyncSession{Status: models.StatusFailed},
			wantErr: ErrNoResumableSession,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := &mockStore{
				getLatestSession: func(context.Context, string) (*models.SyncSession, error) {
					return tt.prior, nil
				},
			}
			m := NewManager(store, 10*time.Minute)
			if _, err := m.Resume(context.Background(), "user-y"); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveCheckpointAdvancesCursor(t *testing.T) {
	t.Parallel()

	var captured *models.SessionUpdate
	store := &mockStore{
		updateSession: func(_ context.Context, _ uuid.UUID, upd *models.SessionUpdate) error {
			captured = upd
			return nil
		},
	}

	m := NewManager(store, 10*time.Minute)
	cp := &models.Checkpoint{Phase: models.PhaseStoring, CompletedPages: 4}
	if err := m.SaveCheckpoint(context.Background(), uuid.New(), cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	if captured == nil || captured.CheckpointData == nil {
		t.Fatal("no checkpoint persisted")
	}
	if captured.LastSuccessfulPage == nil || *captured.LastSuccessfulPage != 4 {
		t.Errorf("last successful page = %v, want 4", captured.LastSuccessfulPage)
	}
}
