// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/models"
)

type contextKey string

const userIDKey contextKey = "auth.user_id"

// ContextWithUserID stamps the authenticated user id onto the context.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id, or "" when the
// request was not authenticated (auth disabled or public endpoint).
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// Middleware returns a chi-compatible middleware that requires a valid
// bearer token and injects the token's subject as the request user id.
// When manager is nil authentication is disabled and requests pass through
// unchanged.
func Middleware(manager *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if manager == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			userID, err := manager.ValidateToken(token)
			if err != nil {
				logging.Ctx(r.Context()).Warn().
					Str("path", r.URL.Path).
					Msg("Rejected request with invalid token")
				unauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="stridesync"`)
	w.WriteHeader(http.StatusUnauthorized)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(&models.APIResponse{
		Status:   "error",
		Error:    &models.APIError{Code: "UNAUTHORIZED", Message: message},
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}
