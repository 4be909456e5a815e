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

	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/source"
)

// GetTokens loads a user's stored OAuth tokens. A user with no stored
// credentials returns (nil, nil); callers treat that as "not connected".
func (db *DB) GetTokens(ctx context.Context, userID string) (*source.UserTokens, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at FROM user_tokens WHERE user_id = ?`, userID)

	var tokens source.UserTokens
	err := row.Scan(&tokens.AccessToken, &tokens.RefreshToken, &tokens.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordDBQuery("select", "user_tokens", time.Since(start), nil)
		return nil, nil
	}
	metrics.RecordDBQuery("select", "user_tokens", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("loading tokens for user %s: %w", userID, err)
	}
	return &tokens, nil
}

// SaveTokens upserts a user's OAuth tokens after a refresh rotation.
func (db *DB) SaveTokens(ctx context.Context, userID string, tokens *source.UserTokens) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO user_tokens (user_id, access_token, refresh_token, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		userID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, time.Now().UTC())
	metrics.RecordDBQuery("upsert", "user_tokens", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("saving tokens for user %s: %w", userID, err)
	}
	return nil
}
