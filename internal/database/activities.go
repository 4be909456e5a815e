// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

const upsertActivityQuery = `INSERT INTO activities (
		id, external_id, user_id,
		name, activity_type, distance_meters, moving_time_s, elapsed_time_s,
		start_time, start_time_local,
		start_lat, start_lon, end_lat, end_lon,
		city, state, country,
		temperature_c, apparent_temp_c, humidity_pct, wind_speed_kmh,
		wind_dir_deg, precip_mm, condition_code,
		weather_enriched, geocoded, enrichment_errors, raw_payload,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id, external_id) DO UPDATE SET
		name = excluded.name,
		activity_type = excluded.activity_type,
		distance_meters = excluded.distance_meters,
		moving_time_s = excluded.moving_time_s,
		elapsed_time_s = excluded.elapsed_time_s,
		start_time = excluded.start_time,
		start_time_local = excluded.start_time_local,
		start_lat = excluded.start_lat,
		start_lon = excluded.start_lon,
		end_lat = excluded.end_lat,
		end_lon = excluded.end_lon,
		city = excluded.city,
		state = excluded.state,
		country = excluded.country,
		temperature_c = excluded.temperature_c,
		apparent_temp_c = excluded.apparent_temp_c,
		humidity_pct = excluded.humidity_pct,
		wind_speed_kmh = excluded.wind_speed_kmh,
		wind_dir_deg = excluded.wind_dir_deg,
		precip_mm = excluded.precip_mm,
		condition_code = excluded.condition_code,
		weather_enriched = excluded.weather_enriched,
		geocoded = excluded.geocoded,
		enrichment_errors = excluded.enrichment_errors,
		raw_payload = COALESCE(excluded.raw_payload, activities.raw_payload),
		updated_at = excluded.updated_at`

// UpsertActivity inserts or updates one activity keyed by (user_id,
// external_id). Replaying the same activity after a crash is harmless.
func (db *DB) UpsertActivity(ctx context.Context, a *models.EnrichedActivity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	enrichErrs, err := marshalNullable(a.Enrichment.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal enrichment errors: %w", err)
	}

	// Timestamps are bound Go-side: DuckDB's binder rejects CURRENT_TIMESTAMP
	// mixed into the VALUES list of an ON CONFLICT insert.
	now := time.Now().UTC()
	start := time.Now()
	_, err = db.conn.ExecContext(ctx, upsertActivityQuery,
		a.ID, a.ExternalID, a.UserID,
		a.Name, a.ActivityType, a.DistanceMeters,
		int64(a.MovingTime.Seconds()), int64(a.ElapsedTime.Seconds()),
		a.StartTime, nullTime(a.StartTimeLocal),
		coordLat(a.StartCoords), coordLon(a.StartCoords),
		coordLat(a.EndCoords), coordLon(a.EndCoords),
		a.Location.City, a.Location.State, a.Location.Country,
		a.Weather.TemperatureC, a.Weather.ApparentTempC, a.Weather.HumidityPct,
		a.Weather.WindSpeedKmh, a.Weather.WindDirDeg, a.Weather.PrecipMm,
		a.Weather.ConditionCode,
		a.Enrichment.Weather, a.Enrichment.Geocoded, enrichErrs, nullBytes(a.RawPayload),
		now, now,
	)
	metrics.RecordDBQuery("upsert", "activities", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to upsert activity %s: %w", a.ExternalID, err)
	}
	return nil
}

// ExistingExternalIDs returns which of the given external ids already exist
// for the user. The storer uses this to report inserted vs updated counts;
// the upsert itself does not distinguish them.
func (db *DB) ExistingExternalIDs(ctx context.Context, userID string, externalIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return existing, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(externalIDs)), ", ")
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, userID)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT external_id FROM activities WHERE user_id = ? AND external_id IN (`+placeholders+`)`,
		args...)
	metrics.RecordDBQuery("select", "activities", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing activities: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan external id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate existing activities: %w", err)
	}
	return existing, nil
}

// timeRangeClause appends start_time bounds for the open sides of tr.
func timeRangeClause(query string, args []any, tr models.TimeRange) (string, []any) {
	if !tr.After.IsZero() {
		query += ` AND start_time >= ?`
		args = append(args, tr.After)
	}
	if !tr.Before.IsZero() {
		query += ` AND start_time < ?`
		args = append(args, tr.Before)
	}
	return query, args
}

// CountActivities returns the number of stored activities for a user inside
// the time range. A zero range counts everything.
func (db *DB) CountActivities(ctx context.Context, userID string, tr models.TimeRange) (int, error) {
	query := `SELECT COUNT(*) FROM activities WHERE user_id = ?`
	args := []any{userID}
	query, args = timeRangeClause(query, args, tr)

	start := time.Now()
	var count int
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count)
	metrics.RecordDBQuery("count", "activities", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return count, nil
}

// ListActivities returns a page of the user's activities inside the time
// range, newest first. A zero range lists everything.
func (db *DB) ListActivities(ctx context.Context, userID string, tr models.TimeRange, limit, offset int) ([]*models.EnrichedActivity, error) {
	query := `SELECT id, external_id, user_id, name, activity_type, distance_meters,
			moving_time_s, elapsed_time_s, start_time, start_time_local,
			start_lat, start_lon, end_lat, end_lon,
			city, state, country,
			temperature_c, apparent_temp_c, humidity_pct, wind_speed_kmh,
			wind_dir_deg, precip_mm, condition_code,
			weather_enriched, geocoded, enrichment_errors,
			created_at, updated_at
		FROM activities WHERE user_id = ?`
	args := []any{userID}
	query, args = timeRangeClause(query, args, tr)
	query += ` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "activities", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*models.EnrichedActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activities: %w", err)
	}
	return out, nil
}

// ListActivitiesForEnrichment returns a stable, oldest-first window of the
// user's activities inside the sync time range. The enrichment phase pages
// through this with limit/offset; ordering by (start_time, external_id) keeps
// offsets stable while enrichment rewrites rows.
func (db *DB) ListActivitiesForEnrichment(ctx context.Context, userID string, tr models.TimeRange, limit, offset int) ([]*models.EnrichedActivity, error) {
	query := `SELECT id, external_id, user_id, name, activity_type, distance_meters,
			moving_time_s, elapsed_time_s, start_time, start_time_local,
			start_lat, start_lon, end_lat, end_lon,
			city, state, country,
			temperature_c, apparent_temp_c, humidity_pct, wind_speed_kmh,
			wind_dir_deg, precip_mm, condition_code,
			weather_enriched, geocoded, enrichment_errors,
			created_at, updated_at
		FROM activities WHERE user_id = ?`
	args := []any{userID}
	query, args = timeRangeClause(query, args, tr)
	query += ` ORDER BY start_time ASC, external_id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "activities", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities for enrichment: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*models.EnrichedActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activities: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*models.EnrichedActivity, error) {
	var (
		a                  models.EnrichedActivity
		movingS, elapsedS  int64
		startLocal         *time.Time
		startLat, startLon *float64
		endLat, endLon     *float64
		enrichErrs         *string
	)

	err := row.Scan(
		&a.ID, &a.ExternalID, &a.UserID, &a.Name, &a.ActivityType, &a.DistanceMeters,
		&movingS, &elapsedS, &a.StartTime, &startLocal,
		&startLat, &startLon, &endLat, &endLon,
		&a.Location.City, &a.Location.State, &a.Location.Country,
		&a.Weather.TemperatureC, &a.Weather.ApparentTempC, &a.Weather.HumidityPct,
		&a.Weather.WindSpeedKmh, &a.Weather.WindDirDeg, &a.Weather.PrecipMm,
		&a.Weather.ConditionCode,
		&a.Enrichment.Weather, &a.Enrichment.Geocoded, &enrichErrs,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan activity: %w", err)
	}

	a.MovingTime = time.Duration(movingS) * time.Second
	a.ElapsedTime = time.Duration(elapsedS) * time.Second
	if startLocal != nil {
		a.StartTimeLocal = *startLocal
	}
	if startLat != nil && startLon != nil {
		a.StartCoords = &models.Coordinates{Latitude: *startLat, Longitude: *startLon}
	}
	if endLat != nil && endLon != nil {
		a.EndCoords = &models.Coordinates{Latitude: *endLat, Longitude: *endLon}
	}
	if enrichErrs != nil && *enrichErrs != "" {
		_ = json.Unmarshal([]byte(*enrichErrs), &a.Enrichment.Errors)
	}
	return &a, nil
}

func coordLat(c *models.Coordinates) any {
	if c == nil {
		return nil
	}
	return c.Latitude
}

func coordLon(c *models.Coordinates) any {
	if c == nil {
		return nil
	}
	return c.Longitude
}
