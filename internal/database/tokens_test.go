// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package database

import (
	"context"
	"testing"
	"time"

	"github.com/strideworks/stridesync/internal/source"
)

func TestTokenStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Unknown user reads as not connected, not an error.
	missing, err := db.GetTokens(ctx, "athlete-1")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil tokens for unknown user, got %+v", missing)
	}

	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	saved := &source.UserTokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expires,
	}
	if err := db.SaveTokens(ctx, "athlete-1", saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.GetTokens(ctx, "athlete-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected stored tokens, got nil")
	}
	if got.AccessToken != "access-1" || got.RefreshToken != "refresh-1" {
		t.Errorf("tokens = %+v", got)
	}
	if !got.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, expires)
	}
}

func TestTokenStoreRotationOverwrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := &source.UserTokens{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := db.SaveTokens(ctx, "athlete-2", first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// A refresh rotates both tokens; the old refresh token is gone.
	rotated := &source.UserTokens{
		AccessToken:  "access-new",
		RefreshToken: "refresh-new",
		ExpiresAt:    time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	}
	if err := db.SaveTokens(ctx, "athlete-2", rotated); err != nil {
		t.Fatalf("rotated save: %v", err)
	}

	got, err := db.GetTokens(ctx, "athlete-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.AccessToken != "access-new" || got.RefreshToken != "refresh-new" {
		t.Errorf("tokens after rotation = %+v", got)
	}
}
