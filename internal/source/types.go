// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package source

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/strideworks/stridesync/internal/models"
)

// apiActivity is the wire shape of one activity from the source API's
// listing endpoint (Strava-compatible).
type apiActivity struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	SportType      string    `json:"sport_type"`
	Type           string    `json:"type"`
	Distance       float64   `json:"distance"`
	MovingTime     int64     `json:"moving_time"`
	ElapsedTime    int64     `json:"elapsed_time"`
	StartDate      time.Time `json:"start_date"`
	StartDateLocal time.Time `json:"start_date_local"`
	StartLatLng    []float64 `json:"start_latlng"`
	EndLatLng      []float64 `json:"end_latlng"`
}

// toModel converts a wire activity into the pipeline's domain type. The raw
// payload is retained opaquely alongside the parsed fields.
func (a *apiActivity) toModel(userID string, raw []byte) (*models.EnrichedActivity, error) {
	if a.ID == 0 {
		return nil, fmt.Errorf("activity has no id")
	}
	if a.StartDate.IsZero() {
		return nil, fmt.Errorf("activity %d has no start date", a.ID)
	}

	activityType := a.SportType
	if activityType == "" {
		activityType = a.Type
	}

	m := &models.EnrichedActivity{
		ExternalID:     strconv.FormatInt(a.ID, 10),
		UserID:         userID,
		Name:           a.Name,
		ActivityType:   activityType,
		DistanceMeters: a.Distance,
		MovingTime:     time.Duration(a.MovingTime) * time.Second,
		ElapsedTime:    time.Duration(a.ElapsedTime) * time.Second,
		StartTime:      a.StartDate.UTC(),
		StartTimeLocal: a.StartDateLocal,
		RawPayload:     raw,
	}
	if c, ok := latLng(a.StartLatLng); ok {
		m.StartCoords = c
	}
	if c, ok := latLng(a.EndLatLng); ok {
		m.EndCoords = c
	}
	return m, nil
}

// latLng converts the API's [lat, lng] pair. Empty or truncated pairs mean
// the activity has no GPS data; out-of-range values are treated the same way
// rather than failing the activity.
func latLng(pair []float64) (*models.Coordinates, bool) {
	if len(pair) != 2 {
		return nil, false
	}
	lat, lon := pair[0], pair[1]
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, false
	}
	if lat == 0 && lon == 0 {
		return nil, false
	}
	return &models.Coordinates{Latitude: lat, Longitude: lon}, true
}

// Page is one fetched page of activities plus pagination state.
type Page struct {
	Activities []*models.EnrichedActivity

	// Failed lists activities that could not be parsed, by raw index.
	// They count toward activities_failed but never abort the page.
	Failed []*models.SyncError

	// HasMore is true when the API returned a full page, meaning another
	// page should be requested.
	HasMore bool

	// Next is the cursor for the following page.
	Next models.PageParams

	// EstimatedTotal is the provider's total count when it exposes one
	// (X-Total-Count header); 0 when unknown.
	EstimatedTotal int
}

func decodeActivities(data []byte) ([]json.RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode activity list: %w", err)
	}
	return raw, nil
}
