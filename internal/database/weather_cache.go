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
	"time"

	"github.com/goccy/go-json"

	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

// GetCachedWeather returns the cached weather for a cache key, or (nil, nil)
// on a miss or an expired entry.
func (db *DB) GetCachedWeather(ctx context.Context, key string, ttl time.Duration) (*models.Weather, error) {
	start := time.Now()
	var (
		payload   string
		createdAt time.Time
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT payload, created_at FROM weather_cache WHERE cache_key = ?`, key).
		Scan(&payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordDBQuery("select", "weather_cache", time.Since(start), nil)
		return nil, nil
	}
	metrics.RecordDBQuery("select", "weather_cache", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query weather cache: %w", err)
	}

	if ttl > 0 && time.Since(createdAt) > ttl {
		return nil, nil
	}

	var w models.Weather
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		// A corrupt entry behaves like a miss; the next put overwrites it.
		return nil, nil
	}
	return &w, nil
}

// PutCachedWeather stores a weather lookup result. Existing entries for the
// same key are replaced.
func (db *DB) PutCachedWeather(ctx context.Context, key string, lat, lon float64, date time.Time, w *models.Weather) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal weather payload: %w", err)
	}

	// Bound Go-side; CURRENT_TIMESTAMP is not valid alongside placeholders
	// in an ON CONFLICT insert.
	start := time.Now()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO weather_cache (cache_key, latitude, longitude, observed_date, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at`,
		key, lat, lon, date, string(payload), time.Now().UTC())
	metrics.RecordDBQuery("upsert", "weather_cache", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to store weather cache entry: %w", err)
	}
	return nil
}
