// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package models defines the shared domain types for the sync engine:
// sessions, enriched activities, checkpoints, structured errors, and the
// progress events emitted per batch.
package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle status of a sync session.
//
// The status doubles as the active phase while the session is running
// (fetching, enriching, storing); terminal statuses are completed, failed
// (after the retry budget is exhausted), and cancelled.
type SessionStatus string

const (
	StatusInitiated SessionStatus = "initiated"
	StatusFetching  SessionStatus = "fetching"
	StatusEnriching SessionStatus = "enriching"
	StatusStoring   SessionStatus = "storing"
	StatusRetrying  SessionStatus = "retrying"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
// A failed session is terminal only once its retry budget is exhausted;
// the orchestrator moves retryable failures to StatusRetrying instead.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusInitiated, StatusFetching, StatusEnriching, StatusStoring,
		StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SyncPhase is a stage within a running session.
type SyncPhase string

const (
	PhaseFetching  SyncPhase = "fetching"
	PhaseEnriching SyncPhase = "enriching"
	PhaseStoring   SyncPhase = "storing"
)

// Valid reports whether p is a known sync phase.
func (p SyncPhase) Valid() bool {
	switch p {
	case PhaseFetching, PhaseEnriching, PhaseStoring:
		return true
	}
	return false
}

// Status returns the session status corresponding to running this phase.
func (p SyncPhase) Status() SessionStatus {
	return SessionStatus(p)
}

// AllowedTransitions is the explicit state-machine table for session status
// changes. A transition not listed here is invalid and must be rejected.
//
// Cancellation is reachable from every non-terminal state; failed may move to
// retrying, which re-enters whichever phase failed.
var AllowedTransitions = map[SessionStatus][]SessionStatus{
	StatusInitiated: {StatusFetching, StatusCancelled, StatusFailed},
	StatusFetching:  {StatusEnriching, StatusFailed, StatusCancelled},
	StatusEnriching: {StatusStoring, StatusFailed, StatusCancelled},
	StatusStoring:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusRetrying, StatusCancelled},
	StatusRetrying:  {StatusFetching, StatusEnriching, StatusStoring, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is allowed
// by the transition table.
func CanTransition(from, to SessionStatus) bool {
	for _, target := range AllowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// SyncType selects how the time window for a sync is derived.
type SyncType string

const (
	// SyncTypeFull fetches the user's entire activity history.
	SyncTypeFull SyncType = "full"

	// SyncTypeIncremental fetches activities newer than the last completed sync.
	SyncTypeIncremental SyncType = "incremental"

	// SyncTypeDateRange fetches an explicit caller-provided window.
	SyncTypeDateRange SyncType = "date_range"
)

// TimeRange bounds the activities a sync considers. Zero values are open ends.
type TimeRange struct {
	After  time.Time `json:"after,omitempty"`
	Before time.Time `json:"before,omitempty"`
}

// SyncSession is one end-to-end attempt to synchronize one user's activity
// history. Exactly one non-terminal session may exist per user at a time.
type SyncSession struct {
	ID     uuid.UUID `json:"id"`
	UserID string    `json:"user_id"`

	SyncType  SyncType  `json:"sync_type"`
	TimeRange TimeRange `json:"time_range"`

	Status       SessionStatus `json:"status"`
	CurrentPhase SyncPhase     `json:"current_phase,omitempty"`
	RetryCount   int           `json:"retry_count"`
	ErrorCount   int           `json:"error_count"`
	LastError    *SyncError    `json:"last_error,omitempty"`

	// Progress counters. TotalEstimated is monotonically non-decreasing once
	// set; it is refined as pagination reveals more pages.
	TotalEstimated     int `json:"total_activities_estimated"`
	ActivitiesFetched  int `json:"activities_fetched"`
	ActivitiesEnriched int `json:"activities_enriched"`
	ActivitiesStored   int `json:"activities_stored"`
	ActivitiesFailed   int `json:"activities_failed"`

	// LastSuccessfulPage is the highest page whose storage commit has been
	// checkpointed; resumption reissues page LastSuccessfulPage+1.
	LastSuccessfulPage int `json:"last_successful_page"`

	// CheckpointData is the opaque versioned checkpoint blob (see Checkpoint).
	CheckpointData []byte `json:"checkpoint_data,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Active reports whether the session still holds the per-user slot.
func (s *SyncSession) Active() bool {
	return !s.Status.Terminal()
}

// Stale reports whether the session's heartbeat is older than threshold,
// meaning the owning process likely died without marking the session terminal.
func (s *SyncSession) Stale(now time.Time, threshold time.Duration) bool {
	if s.Status.Terminal() {
		return false
	}
	heartbeat := s.LastActivityAt
	if heartbeat.IsZero() {
		heartbeat = s.StartedAt
	}
	return now.Sub(heartbeat) > threshold
}

// SessionUpdate carries a partial update applied atomically by the state
// manager. Nil fields are left unchanged.
type SessionUpdate struct {
	Status             *SessionStatus
	CurrentPhase       *SyncPhase
	RetryCount         *int
	ErrorCount         *int
	LastError          *SyncError
	TotalEstimated     *int
	ActivitiesFetched  *int
	ActivitiesEnriched *int
	ActivitiesStored   *int
	ActivitiesFailed   *int
	LastSuccessfulPage *int
	CheckpointData     []byte
	CompletedAt        *time.Time
}
