// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package models

import (
	"time"

	"github.com/google/uuid"
)

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// EnrichmentStatus tracks which enrichments succeeded for an activity.
// A record can be stored while only partially enriched; the booleans and the
// error list make that visible without blocking persistence.
type EnrichmentStatus struct {
	Weather  bool     `json:"weather"`
	Geocoded bool     `json:"geocoded"`
	Errors   []string `json:"errors,omitempty"`
}

// Weather holds the point-in-time conditions at an activity's start.
// All fields are pointers because enrichment is best-effort.
type Weather struct {
	TemperatureC  *float64 `json:"temperature_c,omitempty"`
	ApparentTempC *float64 `json:"apparent_temp_c,omitempty"`
	HumidityPct   *float64 `json:"humidity_pct,omitempty"`
	WindSpeedKmh  *float64 `json:"wind_speed_kmh,omitempty"`
	WindDirDeg    *float64 `json:"wind_dir_deg,omitempty"`
	PrecipMm      *float64 `json:"precip_mm,omitempty"`
	ConditionCode *int     `json:"condition_code,omitempty"`
}

// Location is a reverse-geocoded place for a coordinate pair.
type Location struct {
	City    *string `json:"city,omitempty"`
	State   *string `json:"state,omitempty"`
	Country *string `json:"country,omitempty"`
}

// EnrichedActivity is one source activity carried through the pipeline:
// created raw by the fetcher, augmented by the enrichment service, and
// finalized by the storer's upsert. The pipeline never deletes activities.
type EnrichedActivity struct {
	// ID is the internal identity, assigned on first store.
	ID uuid.UUID `json:"id"`

	// ExternalID is the source API's activity id, unique per user. The
	// (UserID, ExternalID) pair is the upsert key that makes replay safe.
	ExternalID string `json:"external_id"`
	UserID     string `json:"user_id"`

	Name           string        `json:"name"`
	ActivityType   string        `json:"activity_type"`
	DistanceMeters float64       `json:"distance_meters"`
	MovingTime     time.Duration `json:"moving_time"`
	ElapsedTime    time.Duration `json:"elapsed_time"`
	StartTime      time.Time     `json:"start_time"`
	StartTimeLocal time.Time     `json:"start_time_local"`

	StartCoords *Coordinates `json:"start_coords,omitempty"`
	EndCoords   *Coordinates `json:"end_coords,omitempty"`
	Location    Location     `json:"location"`
	Weather     Weather      `json:"weather"`

	Enrichment EnrichmentStatus `json:"enrichment_status"`

	// RawPayload is the source API's record as received, retained opaquely
	// for forward compatibility.
	RawPayload []byte `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCoordinates reports whether the activity carries a usable start
// coordinate. Activities without one are skipped by enrichment, not failed.
func (a *EnrichedActivity) HasCoordinates() bool {
	return a.StartCoords != nil
}

// BatchInfo is a transient unit of work flowing through one phase step.
// It is serialized into the checkpoint only while the batch is in flight at
// a failure boundary.
type BatchInfo struct {
	BatchID    string     `json:"batch_id"`
	ItemIDs    []string   `json:"item_ids"`
	Phase      SyncPhase  `json:"phase"`
	RetryCount int        `json:"retry_count"`
	LastError  *SyncError `json:"last_error,omitempty"`
}
