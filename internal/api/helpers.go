// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// respondJSON writes the standard response envelope.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	w.Write(data)
}

// respondError writes an error envelope and logs the underlying cause.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().
			Str("code", code).
			Int("status", status).
			Err(err).
			Msg("API error")
	}
	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Error:    &models.APIError{Code: code, Message: message},
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// decodeBody decodes and validates a JSON request body. A nil return means
// the error response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON", err)
		return false
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationMessage(verrs), err)
			return false
		}
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request failed validation", err)
		return false
	}
	return true
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// timeRangeFromQuery reads optional after/before RFC 3339 bounds. A false
// return means the error response has already been written.
func timeRangeFromQuery(w http.ResponseWriter, r *http.Request) (models.TimeRange, bool) {
	var tr models.TimeRange
	if raw := r.URL.Query().Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "after must be an RFC 3339 timestamp", err)
			return tr, false
		}
		tr.After = t
	}
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "before must be an RFC 3339 timestamp", err)
			return tr, false
		}
		tr.Before = t
	}
	return tr, true
}

// getIntParam reads an integer query parameter with a default.
func getIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
