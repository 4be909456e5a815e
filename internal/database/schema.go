// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package database

import (
	"context"
	"fmt"
)

// createTables creates the schema if it does not exist. All columns are
// declared up front; there is no migration machinery yet because the schema
// has had exactly one version.
//
// Serialized JSON blobs (checkpoints, error payloads, raw activities) are
// declared TEXT: the driver returns JSON-typed columns as maps, which cannot
// scan back into the string columns the read path uses.
func (db *DB) createTables(ctx context.Context) error {
	queries := []string{
		// Sync sessions. The partial activity guarantee lives in the app
		// layer; this table is the durable source of truth for resumption.
		`CREATE TABLE IF NOT EXISTS sync_sessions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			sync_type TEXT NOT NULL,
			time_range_start TIMESTAMP,
			time_range_end TIMESTAMP,

			status TEXT NOT NULL,
			current_phase TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,

			total_activities_estimated INTEGER NOT NULL DEFAULT 0,
			activities_fetched INTEGER NOT NULL DEFAULT 0,
			activities_enriched INTEGER NOT NULL DEFAULT 0,
			activities_stored INTEGER NOT NULL DEFAULT 0,
			activities_failed INTEGER NOT NULL DEFAULT 0,

			last_successful_page INTEGER NOT NULL DEFAULT 0,
			checkpoint_data TEXT,

			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			last_activity_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		// Enriched activities. (user_id, external_id) is the natural key
		// that makes replays idempotent.
		`CREATE TABLE IF NOT EXISTS activities (
			id UUID PRIMARY KEY,
			external_id TEXT NOT NULL,
			user_id TEXT NOT NULL,

			name TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			distance_meters DOUBLE NOT NULL DEFAULT 0,
			moving_time_s BIGINT NOT NULL DEFAULT 0,
			elapsed_time_s BIGINT NOT NULL DEFAULT 0,
			start_time TIMESTAMP NOT NULL,
			start_time_local TIMESTAMP,

			start_lat DOUBLE,
			start_lon DOUBLE,
			end_lat DOUBLE,
			end_lon DOUBLE,

			city TEXT,
			state TEXT,
			country TEXT,

			temperature_c DOUBLE,
			apparent_temp_c DOUBLE,
			humidity_pct DOUBLE,
			wind_speed_kmh DOUBLE,
			wind_dir_deg DOUBLE,
			precip_mm DOUBLE,
			condition_code INTEGER,

			weather_enriched BOOLEAN NOT NULL DEFAULT FALSE,
			geocoded BOOLEAN NOT NULL DEFAULT FALSE,
			enrichment_errors TEXT,

			raw_payload TEXT,

			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, external_id)
		);`,

		// Weather lookups keyed by rounded coordinate cell and date.
		// Historical weather never changes, so entries only expire to bound
		// table growth.
		`CREATE TABLE IF NOT EXISTS weather_cache (
			cache_key TEXT PRIMARY KEY,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			observed_date DATE NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		// Per-user OAuth tokens for the source API. Refresh tokens are
		// written back after every rotation.
		`CREATE TABLE IF NOT EXISTS user_tokens (
			user_id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE INDEX IF NOT EXISTS idx_sessions_user_status
			ON sync_sessions(user_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_user_start
			ON activities(user_id, start_time);`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
