// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package models

import (
	"time"

	"github.com/google/uuid"
)

// PhaseProgress reports one phase's counters inside a progress event.
type PhaseProgress struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Errors    int    `json:"errors"`
}

// Progress is the nested progress block emitted after every batch.
type Progress struct {
	TotalActivities     int                         `json:"totalActivities"`
	ProcessedActivities int                         `json:"processedActivities"`
	CurrentPhase        SyncPhase                   `json:"currentPhase"`
	PercentComplete     float64                     `json:"percentComplete"`
	PhaseProgress       map[SyncPhase]PhaseProgress `json:"phaseProgress"`
	StartTime           time.Time                   `json:"startTime"`
	EstimatedCompletion *time.Time                  `json:"estimatedCompletion,omitempty"`
}

// SyncResults summarizes a finished session.
type SyncResults struct {
	ActivitiesFetched  int `json:"activitiesFetched"`
	ActivitiesEnriched int `json:"activitiesEnriched"`
	ActivitiesStored   int `json:"activitiesStored"`
	ActivitiesFailed   int `json:"activitiesFailed"`
}

// ProgressEvent is published to the event stream after each batch and at
// terminal transitions. Events always carry the latest counts, including on
// partial failure.
type ProgressEvent struct {
	SyncID    uuid.UUID     `json:"syncId"`
	UserID    string        `json:"userId"`
	Status    SessionStatus `json:"status"`
	Progress  Progress      `json:"progress"`
	Results   *SyncResults  `json:"results,omitempty"`
	Error     *SyncError    `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// PercentComplete computes processed/max(estimated, processed) clamped to
// [0,100]. A zero estimate with zero processed reports 0.
func PercentComplete(processed, estimated int) float64 {
	if processed < 0 {
		processed = 0
	}
	denom := estimated
	if processed > denom {
		denom = processed
	}
	if denom == 0 {
		return 0
	}
	pct := float64(processed) / float64(denom) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
