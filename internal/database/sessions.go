// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

const sessionColumns = `id, user_id, sync_type, time_range_start, time_range_end,
	status, current_phase, retry_count, error_count, last_error,
	total_activities_estimated, activities_fetched, activities_enriched,
	activities_stored, activities_failed, last_successful_page, checkpoint_data,
	started_at, completed_at, last_activity_at, created_at, updated_at`

// InsertSessionIfNoActive atomically inserts a session for the user unless
// an active session already exists. The check and the insert are one SQL
// statement, so two concurrent createSession calls cannot both succeed.
// Returns models.ErrSessionConflict when the user's slot is taken.
func (db *DB) InsertSessionIfNoActive(ctx context.Context, s *models.SyncSession) error {
	start := time.Now()

	lastErr, err := marshalNullable(s.LastError)
	if err != nil {
		return fmt.Errorf("failed to marshal last error: %w", err)
	}

	query := `INSERT INTO sync_sessions (` + sessionColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_sessions
			WHERE user_id = ?
			  AND status NOT IN ('completed', 'failed', 'cancelled')
		)`

	res, err := db.conn.ExecContext(ctx, query,
		s.ID, s.UserID, s.SyncType, nullTime(s.TimeRange.After), nullTime(s.TimeRange.Before),
		s.Status, nullString(string(s.CurrentPhase)), s.RetryCount, s.ErrorCount, lastErr,
		s.TotalEstimated, s.ActivitiesFetched, s.ActivitiesEnriched,
		s.ActivitiesStored, s.ActivitiesFailed, s.LastSuccessfulPage, nullBytes(s.CheckpointData),
		s.StartedAt, nullTimePtr(s.CompletedAt), s.LastActivityAt, s.CreatedAt, s.UpdatedAt,
		s.UserID,
	)
	metrics.RecordDBQuery("insert", "sync_sessions", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if rows == 0 {
		return models.ErrSessionConflict
	}
	return nil
}

// ReclaimStaleSessions treats the user's non-terminal sessions as abandoned
// and marks them cancelled when their heartbeat is older than threshold. Run
// lazily before each create rather than by a background sweeper. Cancelled
// keeps the checkpoint resumable; the abandonment itself is recorded in
// last_error.
func (db *DB) ReclaimStaleSessions(ctx context.Context, userID string, threshold time.Duration) (int64, error) {
	start := time.Now()

	staleErr := models.NewSyncError(models.ErrKindUnknown, "", "session_stale",
		"session heartbeat stalled; reclaimed by a new sync request")
	payload, err := json.Marshal(staleErr)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal stale error: %w", err)
	}

	cutoff := time.Now().UTC().Add(-threshold)
	query := `UPDATE sync_sessions
		SET status = 'cancelled', last_error = ?, completed_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		  AND last_activity_at < ?`

	res, err := db.conn.ExecContext(ctx, query, string(payload), userID, cutoff)
	metrics.RecordDBQuery("reclaim", "sync_sessions", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale sessions: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reclaim result: %w", err)
	}
	if rows > 0 {
		metrics.StaleSessionsReclaimed.Add(float64(rows))
		logging.Warn().
			Str("user_id", userID).
			Int64("reclaimed", rows).
			Msg("Reclaimed stale sync sessions")
	}
	return rows, nil
}

// GetSession fetches a session by id.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (*models.SyncSession, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	metrics.RecordDBQuery("select", "sync_sessions", time.Since(start), ignoreNotFound(err))
	return s, err
}

// GetActiveSession returns the user's non-terminal session, if any.
func (db *DB) GetActiveSession(ctx context.Context, userID string) (*models.SyncSession, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions
		WHERE user_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY started_at DESC LIMIT 1`, userID)
	s, err := scanSession(row)
	metrics.RecordDBQuery("select", "sync_sessions", time.Since(start), ignoreNotFound(err))
	return s, err
}

// GetLatestSession returns the user's most recent session regardless of
// status. Used for resumption and the status API.
func (db *DB) GetLatestSession(ctx context.Context, userID string) (*models.SyncSession, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions
		WHERE user_id = ? ORDER BY started_at DESC LIMIT 1`, userID)
	s, err := scanSession(row)
	metrics.RecordDBQuery("select", "sync_sessions", time.Since(start), ignoreNotFound(err))
	return s, err
}

// UpdateSession applies a partial update to one session. Only non-nil fields
// change; last_activity_at and updated_at are always refreshed so every write
// doubles as a heartbeat. Returns models.ErrSessionNotFound if the id does
// not exist.
func (db *DB) UpdateSession(ctx context.Context, id uuid.UUID, upd *models.SessionUpdate) error {
	sets := []string{"last_activity_at = CURRENT_TIMESTAMP", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{}

	appendSet := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if upd.Status != nil {
		appendSet("status", string(*upd.Status))
	}
	if upd.CurrentPhase != nil {
		appendSet("current_phase", string(*upd.CurrentPhase))
	}
	if upd.RetryCount != nil {
		appendSet("retry_count", *upd.RetryCount)
	}
	if upd.ErrorCount != nil {
		appendSet("error_count", *upd.ErrorCount)
	}
	if upd.LastError != nil {
		payload, err := json.Marshal(upd.LastError)
		if err != nil {
			return fmt.Errorf("failed to marshal last error: %w", err)
		}
		appendSet("last_error", string(payload))
	}
	if upd.TotalEstimated != nil {
		appendSet("total_activities_estimated", *upd.TotalEstimated)
	}
	if upd.ActivitiesFetched != nil {
		appendSet("activities_fetched", *upd.ActivitiesFetched)
	}
	if upd.ActivitiesEnriched != nil {
		appendSet("activities_enriched", *upd.ActivitiesEnriched)
	}
	if upd.ActivitiesStored != nil {
		appendSet("activities_stored", *upd.ActivitiesStored)
	}
	if upd.ActivitiesFailed != nil {
		appendSet("activities_failed", *upd.ActivitiesFailed)
	}
	if upd.LastSuccessfulPage != nil {
		appendSet("last_successful_page", *upd.LastSuccessfulPage)
	}
	if upd.CheckpointData != nil {
		appendSet("checkpoint_data", string(upd.CheckpointData))
	}
	if upd.CompletedAt != nil {
		appendSet("completed_at", *upd.CompletedAt)
	}

	query := "UPDATE sync_sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	start := time.Now()
	res, err := db.conn.ExecContext(ctx, query, args...)
	metrics.RecordDBQuery("update", "sync_sessions", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// TouchSession refreshes the session heartbeat without other changes.
func (db *DB) TouchSession(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE sync_sessions SET last_activity_at = CURRENT_TIMESTAMP,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	metrics.RecordDBQuery("touch", "sync_sessions", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read touch result: %w", err)
	}
	if rows == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func scanSession(row *sql.Row) (*models.SyncSession, error) {
	var (
		s          models.SyncSession
		rangeStart sql.NullTime
		rangeEnd   sql.NullTime
		phase      sql.NullString
		lastErr    sql.NullString
		checkpoint sql.NullString
		completed  sql.NullTime
	)

	err := row.Scan(
		&s.ID, &s.UserID, &s.SyncType, &rangeStart, &rangeEnd,
		&s.Status, &phase, &s.RetryCount, &s.ErrorCount, &lastErr,
		&s.TotalEstimated, &s.ActivitiesFetched, &s.ActivitiesEnriched,
		&s.ActivitiesStored, &s.ActivitiesFailed, &s.LastSuccessfulPage, &checkpoint,
		&s.StartedAt, &completed, &s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if rangeStart.Valid {
		s.TimeRange.After = rangeStart.Time
	}
	if rangeEnd.Valid {
		s.TimeRange.Before = rangeEnd.Time
	}
	if phase.Valid {
		s.CurrentPhase = models.SyncPhase(phase.String)
	}
	if lastErr.Valid && lastErr.String != "" {
		var se models.SyncError
		if err := json.Unmarshal([]byte(lastErr.String), &se); err == nil {
			s.LastError = &se
		}
	}
	if checkpoint.Valid && checkpoint.String != "" {
		s.CheckpointData = []byte(checkpoint.String)
	}
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if se, ok := v.(*models.SyncError); ok && se == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, models.ErrSessionNotFound) {
		return nil
	}
	return err
}
