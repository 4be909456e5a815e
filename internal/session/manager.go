// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package session implements the sync state manager. It owns the SyncSession
// lifecycle: creation with single-active-session enforcement, validated
// status transitions, checkpoint save/restore, and heartbeats. All session
// writes flow through this package; the orchestrator never touches the row
// directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

// ErrNoResumableSession is returned by Resume when the user has no prior
// session that can be continued.
var ErrNoResumableSession = errors.New("no resumable sync session for this user")

// Store is the persistence surface the manager needs.
type Store interface {
	InsertSessionIfNoActive(ctx context.Context, s *models.SyncSession) error
	ReclaimStaleSessions(ctx context.Context, userID string, threshold time.Duration) (int64, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.SyncSession, error)
	GetActiveSession(ctx context.Context, userID string) (*models.SyncSession, error)
	GetLatestSession(ctx context.Context, userID string) (*models.SyncSession, error)
	UpdateSession(ctx context.Context, id uuid.UUID, upd *models.SessionUpdate) error
	TouchSession(ctx context.Context, id uuid.UUID) error
}

// Manager coordinates all session state changes.
type Manager struct {
	store          Store
	staleThreshold time.Duration
}

// NewManager builds a manager. staleThreshold controls when a session with a
// stalled heartbeat may be reclaimed by a new create call.
func NewManager(store Store, staleThreshold time.Duration) *Manager {
	return &Manager{store: store, staleThreshold: staleThreshold}
}

// Create starts a new session for the user. Stale sessions are reclaimed
// lazily first; the insert itself is atomic against concurrent creates.
// Returns models.ErrSessionConflict when the user already has a live session.
func (m *Manager) Create(ctx context.Context, userID string, syncType models.SyncType, timeRange models.TimeRange) (*models.SyncSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}

	if _, err := m.store.ReclaimStaleSessions(ctx, userID, m.staleThreshold); err != nil {
		return nil, fmt.Errorf("stale session reclamation: %w", err)
	}

	now := time.Now().UTC()
	s := &models.SyncSession{
		ID:             uuid.New(),
		UserID:         userID,
		SyncType:       syncType,
		TimeRange:      timeRange,
		Status:         models.StatusInitiated,
		StartedAt:      now,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.store.InsertSessionIfNoActive(ctx, s); err != nil {
		return nil, err
	}

	metrics.SessionsStarted.WithLabelValues(string(syncType)).Inc()
	metrics.SessionsActive.Inc()
	logging.Ctx(ctx).Info().
		Str("session_id", s.ID.String()).
		Str("user_id", userID).
		Str("sync_type", string(syncType)).
		Msg("Sync session created")
	return s, nil
}

// CanStartNewSync reports whether a Create for the user would be admitted,
// without mutating anything. A live session blocks a new one unless its
// heartbeat has gone stale, in which case Create would reclaim it first. The
// reason string describes the blocking or reclaimable session.
func (m *Manager) CanStartNewSync(ctx context.Context, userID string) (bool, string, error) {
	active, err := m.store.GetActiveSession(ctx, userID)
	if errors.Is(err, models.ErrSessionNotFound) {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if time.Since(active.LastActivityAt) > m.staleThreshold {
		return true, fmt.Sprintf("session %s is stale and will be reclaimed", active.ID), nil
	}
	return false, fmt.Sprintf("session %s is %s", active.ID, active.Status), nil
}

// Resume starts a new session seeded from the user's most recent failed or
// cancelled session. The prior checkpoint, counters, and cursor carry over so
// work continues where it stopped instead of restarting from page 1.
func (m *Manager) Resume(ctx context.Context, userID string) (*models.SyncSession, error) {
	prior, err := m.store.GetLatestSession(ctx, userID)
	if errors.Is(err, models.ErrSessionNotFound) {
		return nil, ErrNoResumableSession
	}
	if err != nil {
		return nil, err
	}
	if prior.Active() {
		return nil, models.ErrSessionConflict
	}
	if prior.Status == models.StatusCompleted || len(prior.CheckpointData) == 0 {
		return nil, ErrNoResumableSession
	}

	now := time.Now().UTC()
	s := &models.SyncSession{
		ID:                 uuid.New(),
		UserID:             userID,
		SyncType:           prior.SyncType,
		TimeRange:          prior.TimeRange,
		Status:             models.StatusInitiated,
		TotalEstimated:     prior.TotalEstimated,
		ActivitiesFetched:  prior.ActivitiesFetched,
		ActivitiesEnriched: prior.ActivitiesEnriched,
		ActivitiesStored:   prior.ActivitiesStored,
		ActivitiesFailed:   prior.ActivitiesFailed,
		LastSuccessfulPage: prior.LastSuccessfulPage,
		CheckpointData:     prior.CheckpointData,
		StartedAt:          now,
		LastActivityAt:     now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := m.store.InsertSessionIfNoActive(ctx, s); err != nil {
		return nil, err
	}

	metrics.SessionsStarted.WithLabelValues(string(s.SyncType)).Inc()
	metrics.SessionsActive.Inc()
	logging.Ctx(ctx).Info().
		Str("session_id", s.ID.String()).
		Str("prior_session_id", prior.ID.String()).
		Str("user_id", userID).
		Int("last_successful_page", s.LastSuccessfulPage).
		Msg("Sync session resumed from checkpoint")
	return s, nil
}

// Get fetches a session by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.SyncSession, error) {
	return m.store.GetSession(ctx, id)
}

// GetActive returns the user's live session, if any.
func (m *Manager) GetActive(ctx context.Context, userID string) (*models.SyncSession, error) {
	return m.store.GetActiveSession(ctx, userID)
}

// GetLatest returns the user's most recent session regardless of status.
func (m *Manager) GetLatest(ctx context.Context, userID string) (*models.SyncSession, error) {
	return m.store.GetLatestSession(ctx, userID)
}

// Transition moves the session to a new status after validating the change
// against the transition table. Illegal transitions leave state untouched and
// return models.ErrInvalidTransition.
func (m *Manager) Transition(ctx context.Context, id uuid.UUID, to models.SessionStatus) (*models.SyncSession, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(s.Status, to) {
		if s.Status.Terminal() {
			return nil, fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, id, s.Status)
		}
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, s.Status, to)
	}

	upd := &models.SessionUpdate{Status: &to}
	if phase := models.SyncPhase(to); phase.Valid() {
		upd.CurrentPhase = &phase
	}
	if to.Terminal() {
		now := time.Now().UTC()
		upd.CompletedAt = &now
	}
	if err := m.store.UpdateSession(ctx, id, upd); err != nil {
		return nil, err
	}

	if to == models.StatusRetrying {
		metrics.SessionRetries.WithLabelValues(string(s.CurrentPhase)).Inc()
	}
	if to.Terminal() {
		metrics.RecordSessionFinished(string(to), s.StartedAt)
	}

	logging.Ctx(ctx).Debug().
		Str("session_id", id.String()).
		Str("from", string(s.Status)).
		Str("to", string(to)).
		Msg("Session status transition")

	s.Status = to
	if phase := models.SyncPhase(to); phase.Valid() {
		s.CurrentPhase = phase
	}
	return s, nil
}

// Update applies a partial counter/progress update to a live session.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, upd *models.SessionUpdate) error {
	return m.store.UpdateSession(ctx, id, upd)
}

// SaveCheckpoint encodes and persists the checkpoint blob, advancing the
// last successful page cursor alongside it. Called only after the step's
// side effect is durably committed.
func (m *Manager) SaveCheckpoint(ctx context.Context, id uuid.UUID, cp *models.Checkpoint) error {
	blob, err := cp.Encode()
	if err != nil {
		return err
	}
	upd := &models.SessionUpdate{
		CheckpointData:     blob,
		LastSuccessfulPage: &cp.CompletedPages,
	}
	if err := m.store.UpdateSession(ctx, id, upd); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint decodes the session's checkpoint blob. Returns (nil, nil)
// when there is no usable checkpoint, in which case the current phase
// restarts from scratch.
func (m *Manager) LoadCheckpoint(ctx context.Context, id uuid.UUID) (*models.Checkpoint, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.DecodeCheckpoint(s.CheckpointData)
}

// MarkFailed records the structured error and moves the session to failed.
// final marks the failure as permanent (retry budget exhausted or a
// non-retryable error); otherwise the caller follows up with BeginRetry.
// Either way the checkpoint is preserved so a manual resume can continue
// from it.
func (m *Manager) MarkFailed(ctx context.Context, id uuid.UUID, syncErr *models.SyncError, final bool) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(s.Status, models.StatusFailed) {
		if s.Status.Terminal() {
			return fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, id, s.Status)
		}
		return fmt.Errorf("%w: %s -> failed", models.ErrInvalidTransition, s.Status)
	}

	status := models.StatusFailed
	errorCount := s.ErrorCount + 1
	upd := &models.SessionUpdate{
		Status:     &status,
		ErrorCount: &errorCount,
		LastError:  syncErr,
	}
	if final {
		now := time.Now().UTC()
		upd.CompletedAt = &now
	}
	if err := m.store.UpdateSession(ctx, id, upd); err != nil {
		return err
	}

	metrics.SyncErrors.WithLabelValues(string(syncErr.Kind), string(syncErr.Phase)).Inc()
	if final {
		metrics.RecordSessionFinished(string(models.StatusFailed), s.StartedAt)
	}
	logging.Ctx(ctx).Warn().
		Str("session_id", id.String()).
		Str("kind", string(syncErr.Kind)).
		Str("phase", string(syncErr.Phase)).
		Bool("retryable", syncErr.Retryable).
		Msg("Session marked failed")
	return nil
}

// BeginRetry moves a failed session through retrying and bumps the retry
// counter. The caller then re-enters the phase recorded in the checkpoint.
func (m *Manager) BeginRetry(ctx context.Context, id uuid.UUID) (*models.SyncSession, error) {
	s, err := m.Transition(ctx, id, models.StatusRetrying)
	if err != nil {
		return nil, err
	}
	retries := s.RetryCount + 1
	if err := m.store.UpdateSession(ctx, id, &models.SessionUpdate{RetryCount: &retries}); err != nil {
		return nil, err
	}
	s.RetryCount = retries
	return s, nil
}

// Cancel moves the session to cancelled from any non-terminal status.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	_, err := m.Transition(ctx, id, models.StatusCancelled)
	return err
}

// Complete finalizes a session from the storing phase.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := m.Transition(ctx, id, models.StatusCompleted)
	return err
}

// Heartbeat refreshes last_activity_at so the session is not reclaimed as
// stale while long batches run.
func (m *Manager) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return m.store.TouchSession(ctx, id)
}
