// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package store persists enriched activities. The upsert key
// (user_id, external_id) makes every write idempotent, so replaying a batch
// after a crash or retry can never duplicate data.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

// DB is the storage surface the storer needs.
type DB interface {
	UpsertActivity(ctx context.Context, a *models.EnrichedActivity) error
	ExistingExternalIDs(ctx context.Context, userID string, externalIDs []string) (map[string]bool, error)
}

// Result summarizes one stored batch.
type Result struct {
	Inserted int
	Updated  int
	Skipped  int

	// Failed maps external id to the error that rejected it. Per-item
	// failures never abort the rest of the batch.
	Failed map[string]*models.SyncError
}

// Stored returns the number of activities durably written.
func (r *Result) Stored() int {
	return r.Inserted + r.Updated
}

// Storer writes enriched activities with per-item failure isolation.
type Storer struct {
	db DB
}

// New builds a storer.
func New(db DB) *Storer {
	return &Storer{db: db}
}

// StoreBatch validates and upserts the batch item by item. Invalid records
// are skipped with a recorded error; database failures for one item are
// recorded and the batch continues. Only a wholesale failure (every item
// errors with a retryable kind) is returned as an error, so the orchestrator
// can retry the page.
func (s *Storer) StoreBatch(ctx context.Context, userID string, activities []*models.EnrichedActivity) (*Result, error) {
	start := time.Now()
	result := &Result{Failed: make(map[string]*models.SyncError)}
	if len(activities) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(activities))
	for _, a := range activities {
		if a.ExternalID != "" {
			ids = append(ids, a.ExternalID)
		}
	}
	existing, err := s.db.ExistingExternalIDs(ctx, userID, ids)
	if err != nil {
		// Counting inserted vs updated is reporting, not correctness; fall
		// back to counting everything as inserted.
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to probe existing activities")
		existing = map[string]bool{}
	}

	var dbFailures int
	for _, a := range activities {
		if err := ctx.Err(); err != nil {
			break
		}

		if verr := validate(userID, a); verr != nil {
			result.Skipped++
			result.Failed[externalOrPlaceholder(a)] = verr
			continue
		}

		if err := s.db.UpsertActivity(ctx, a); err != nil {
			dbFailures++
			result.Failed[a.ExternalID] = classifyStoreError(err, a.ExternalID)
			metrics.ActivityUpserts.WithLabelValues("failed").Inc()
			continue
		}

		if existing[a.ExternalID] {
			result.Updated++
			metrics.ActivityUpserts.WithLabelValues("updated").Inc()
		} else {
			result.Inserted++
			metrics.ActivityUpserts.WithLabelValues("inserted").Inc()
		}
	}

	metrics.RecordBatch(string(models.PhaseStoring), time.Since(start),
		result.Stored(), len(result.Failed), result.Skipped)

	// Every single write failing at the database points at the store, not
	// the data; surface it so the phase retries from the checkpoint.
	if dbFailures == len(activities) && dbFailures > 0 {
		return result, models.NewSyncError(models.ErrKindDBTimeout, models.PhaseStoring,
			"batch_store_failed", fmt.Sprintf("all %d writes in the batch failed", dbFailures))
	}
	return result, nil
}

func validate(userID string, a *models.EnrichedActivity) *models.SyncError {
	switch {
	case a.ExternalID == "":
		return models.NewSyncError(models.ErrKindInvalidData, models.PhaseStoring,
			"missing_external_id", "activity has no external id")
	case a.UserID != userID:
		return models.NewSyncError(models.ErrKindInvalidData, models.PhaseStoring,
			"user_mismatch", fmt.Sprintf("activity %s belongs to %q, batch is for %q",
				a.ExternalID, a.UserID, userID))
	case a.StartTime.IsZero():
		return models.NewSyncError(models.ErrKindInvalidData, models.PhaseStoring,
			"missing_start_time", fmt.Sprintf("activity %s has no start time", a.ExternalID))
	case a.DistanceMeters < 0:
		return models.NewSyncError(models.ErrKindInvalidData, models.PhaseStoring,
			"negative_distance", fmt.Sprintf("activity %s has distance %f", a.ExternalID, a.DistanceMeters))
	}
	return nil
}

func classifyStoreError(err error, externalID string) *models.SyncError {
	var se *models.SyncError
	if errors.As(err, &se) {
		return se
	}
	kind := models.ErrKindUnknown
	if isTimeout(err) {
		kind = models.ErrKindDBTimeout
	}
	return models.NewSyncError(kind, models.PhaseStoring, "upsert_failed", err.Error()).
		WithContext("external_id", externalID)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline")
}

func externalOrPlaceholder(a *models.EnrichedActivity) string {
	if a.ExternalID != "" {
		return a.ExternalID
	}
	return fmt.Sprintf("unidentified@%s", a.StartTime.Format(time.RFC3339))
}
