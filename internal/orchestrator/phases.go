// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/strideworks/stridesync/internal/enrich"
	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/models"
)

// phaseOrder is the single forward pass a session makes. A checkpointed
// session re-enters at its recorded phase; earlier phases are skipped because
// their side effects are already durable.
var phaseOrder = []models.SyncPhase{
	models.PhaseFetching,
	models.PhaseEnriching,
	models.PhaseStoring,
}

// syncState accumulates one worker's counters between checkpoint saves.
type syncState struct {
	session *models.SyncSession
	opts    Options
	run     *run

	totalEstimated  int
	fetched         int
	enriched        int
	stored          int
	failed          int
	errorActivities []string

	// completedUnits counts pages (fetching) or batches (enriching) durably
	// committed in the current phase. Reset on phase entry.
	completedUnits int
	cursor         models.PageParams
	phase          models.SyncPhase
}

func newSyncState(s *models.SyncSession, cp *models.Checkpoint, r *run, opts Options, perPage int) *syncState {
	st := &syncState{
		session:        s,
		opts:           opts,
		run:            r,
		totalEstimated: s.TotalEstimated,
		fetched:        s.ActivitiesFetched,
		enriched:       s.ActivitiesEnriched,
		stored:         s.ActivitiesStored,
		failed:         s.ActivitiesFailed,
		cursor: models.PageParams{
			Page:    1,
			PerPage: perPage,
			After:   s.TimeRange.After,
			Before:  s.TimeRange.Before,
		},
	}
	if cp != nil {
		st.completedUnits = cp.CompletedPages
		st.errorActivities = cp.ErrorActivities
		if cp.Cursor.Page > 0 {
			st.cursor = cp.Cursor
		}
	}
	return st
}

func (st *syncState) startPhase() int {
	return st.completedUnits
}

func (st *syncState) checkpoint(phase models.SyncPhase) *models.Checkpoint {
	return &models.Checkpoint{
		Phase:           phase,
		Cursor:          st.cursor,
		CompletedPages:  st.completedUnits,
		Fetched:         st.fetched,
		Enriched:        st.enriched,
		Stored:          st.stored,
		Failed:          st.failed,
		ErrorActivities: st.errorActivities,
	}
}

func (st *syncState) update() *models.SessionUpdate {
	return &models.SessionUpdate{
		TotalEstimated:     &st.totalEstimated,
		ActivitiesFetched:  &st.fetched,
		ActivitiesEnriched: &st.enriched,
		ActivitiesStored:   &st.stored,
		ActivitiesFailed:   &st.failed,
	}
}

// runSync executes the full phase pass for one session, including the
// retry/backoff cycle. All terminal transitions happen here.
func (e *Engine) runSync(ctx context.Context, s *models.SyncSession, r *run, opts Options) {
	log := logging.Ctx(ctx).With().
		Str("session_id", s.ID.String()).
		Str("user_id", s.UserID).
		Logger()

	cp, err := e.sessions.LoadCheckpoint(ctx, s.ID)
	if err != nil {
		e.failSession(ctx, s, models.ClassifyError(err, s.CurrentPhase), true)
		return
	}
	st := newSyncState(s, cp, r, opts, e.fetcher.PerPage())

	stopHeartbeat := make(chan struct{})
	go e.heartbeat(ctx, s.ID, stopHeartbeat)
	defer close(stopHeartbeat)

	start := 0
	if cp != nil && cp.Phase.Valid() {
		for i, p := range phaseOrder {
			if p == cp.Phase {
				start = i
			}
		}
	}
	// The transition table only admits forward edges, so a resumed session
	// walks through the intermediate statuses to reach its checkpoint phase.
	for i := 0; i < start; i++ {
		if _, err := e.sessions.Transition(ctx, s.ID, phaseOrder[i].Status()); err != nil {
			e.failSession(ctx, s, models.ClassifyError(err, phaseOrder[i]), true)
			return
		}
	}

	for i := start; i < len(phaseOrder); {
		phase := phaseOrder[i]
		if _, err := e.sessions.Transition(ctx, s.ID, phase.Status()); err != nil {
			e.failSession(ctx, s, models.ClassifyError(err, phase), true)
			return
		}

		err := e.runPhase(ctx, st, phase)
		if err == nil {
			// Unit counters are phase-scoped; the next phase starts at zero.
			st.completedUnits = 0
			i++
			continue
		}
		if errors.Is(err, errCancelled) {
			e.finishCancelled(ctx, st, phase)
			return
		}

		syncErr := toSyncError(err, phase)
		latest, gerr := e.sessions.Get(ctx, s.ID)
		if gerr != nil {
			log.Error().Err(gerr).Msg("Failed to reload session after phase error")
			e.failSession(ctx, s, syncErr, true)
			return
		}

		if !syncErr.Retryable || latest.RetryCount >= st.opts.MaxRetries {
			e.failSession(ctx, s, syncErr, true)
			e.publish(ctx, st, models.StatusFailed, syncErr, nil)
			return
		}

		// failed -> retrying immediately, then sleep the backoff while in
		// retrying status so the user's active-session slot stays held.
		if err := e.sessions.MarkFailed(ctx, s.ID, syncErr, false); err != nil {
			log.Error().Err(err).Msg("Failed to record retryable failure")
			return
		}
		if _, err := e.sessions.BeginRetry(ctx, s.ID); err != nil {
			log.Error().Err(err).Msg("Failed to begin retry")
			return
		}

		// The checkpoint written here carries the unit that was in flight
		// when the phase failed; a crash during backoff leaves a record of
		// what the retry was about to redo. The next successful commit
		// clears it.
		cp := st.checkpoint(phase)
		cp.PendingBatch = &models.BatchInfo{
			BatchID:    fmt.Sprintf("%s-%d", phase, st.completedUnits),
			Phase:      phase,
			RetryCount: latest.RetryCount + 1,
			LastError:  syncErr,
		}
		if err := e.sessions.SaveCheckpoint(ctx, s.ID, cp); err != nil {
			log.Warn().Err(err).Msg("Failed to record in-flight batch before backoff")
		}
		e.publish(ctx, st, models.StatusRetrying, syncErr, nil)

		delay := e.backoffDelay(latest.RetryCount)
		log.Warn().
			Str("phase", string(phase)).
			Str("kind", string(syncErr.Kind)).
			Dur("backoff", delay).
			Int("retry_count", latest.RetryCount+1).
			Msg("Phase failed, retrying after backoff")
		if e.wait(ctx, r, delay) != nil {
			e.finishCancelled(ctx, st, phase)
			return
		}
	}

	if err := e.sessions.Complete(ctx, s.ID); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to complete session")
		return
	}
	results := st.results()
	e.publish(ctx, st, models.StatusCompleted, nil, results)
	log.Info().
		Int("fetched", st.fetched).
		Int("enriched", st.enriched).
		Int("stored", st.stored).
		Int("failed", st.failed).
		Msg("Sync completed")
}

func (e *Engine) runPhase(ctx context.Context, st *syncState, phase models.SyncPhase) error {
	st.phase = phase
	switch phase {
	case models.PhaseFetching:
		return e.runFetching(ctx, st)
	case models.PhaseEnriching:
		return e.runEnriching(ctx, st)
	case models.PhaseStoring:
		return e.runStoring(ctx, st)
	}
	return nil
}

// runFetching pulls pages in increasing order, persisting each page's raw
// activities before checkpointing its cursor. Raw records are written
// un-enriched; the enrichment phase rewrites them in place.
func (e *Engine) runFetching(ctx context.Context, st *syncState) error {
	s := st.session
	for {
		if st.run.cancelRequested() || ctx.Err() != nil {
			return errCancelled
		}

		page, err := e.fetcher.FetchPage(ctx, s.UserID, st.cursor)
		if err != nil {
			return err
		}

		res, err := e.storer.StoreBatch(ctx, s.UserID, page.Activities)
		if err != nil {
			return err
		}

		st.fetched += len(page.Activities)
		st.stored += res.Stored()
		st.failed += len(page.Failed) + len(res.Failed)
		for id := range res.Failed {
			st.errorActivities = append(st.errorActivities, id)
		}
		if page.EstimatedTotal > st.totalEstimated {
			st.totalEstimated = page.EstimatedTotal
		}
		if st.fetched > st.totalEstimated {
			st.totalEstimated = st.fetched
		}

		st.cursor = page.Next
		st.completedUnits++
		if err := e.commit(ctx, st, models.PhaseFetching); err != nil {
			return err
		}
		e.publish(ctx, st, models.StatusFetching, nil, nil)

		if !page.HasMore {
			return nil
		}
	}
}

// runEnriching pages through the stored activities for this sync window in
// fixed batches, enriches each batch, and writes the enrichment back. A
// checkpointed batch count means resumption skips batches that already
// committed.
func (e *Engine) runEnriching(ctx context.Context, st *syncState) error {
	s := st.session
	batchSize := st.opts.BatchSize
	enrichOpts := enrich.Options{SkipWeather: st.opts.SkipWeather, SkipGeocode: st.opts.SkipGeocode}

	for batch := st.startPhase(); ; batch++ {
		if st.run.cancelRequested() || ctx.Err() != nil {
			return errCancelled
		}

		items, err := e.reader.ListActivitiesForEnrichment(ctx, s.UserID, s.TimeRange, batchSize, batch*batchSize)
		if err != nil {
			return models.NewSyncError(models.ErrKindDBTimeout, models.PhaseEnriching,
				"list_failed", err.Error())
		}
		if len(items) == 0 {
			return nil
		}

		result := e.enricher.EnrichBatch(ctx, items, enrichOpts)

		// Every item failing points at the provider, not the data: escalate
		// as a batch-level retryable error so the batch is re-enriched. The
		// raw records are already durable from the fetch phase.
		if len(result.Failed) == len(items) {
			return models.NewSyncError(models.ErrKindTemporaryAPI, models.PhaseEnriching,
				"batch_enrich_failed",
				fmt.Sprintf("enrichment failed for all %d items in the batch", len(items)))
		}

		// Enrichment failures never block storage: every item in the batch
		// is written back, failed ones un-enriched with recorded errors.
		if _, err := e.storer.StoreBatch(ctx, s.UserID, items); err != nil {
			return err
		}

		st.enriched += len(items) - len(result.Failed)
		st.failed += len(result.Failed)
		st.errorActivities = append(st.errorActivities, result.Failed...)

		st.completedUnits = batch + 1
		if err := e.commit(ctx, st, models.PhaseEnriching); err != nil {
			return err
		}
		e.publish(ctx, st, models.StatusEnriching, nil, nil)

		if len(items) < batchSize {
			return nil
		}
	}
}

// runStoring reconciles counters against what is actually durable and writes
// the final checkpoint. Per-item writes already happened in the earlier
// phases through the idempotent upsert.
func (e *Engine) runStoring(ctx context.Context, st *syncState) error {
	if st.run.cancelRequested() || ctx.Err() != nil {
		return errCancelled
	}

	count, err := e.reader.CountActivities(ctx, st.session.UserID, st.session.TimeRange)
	if err != nil {
		return models.NewSyncError(models.ErrKindDBTimeout, models.PhaseStoring,
			"count_failed", err.Error())
	}
	if st.stored > count {
		// The database is authoritative; counters drift only when a retry
		// replayed a page.
		st.stored = count
	}

	if err := e.commit(ctx, st, models.PhaseStoring); err != nil {
		return err
	}
	e.publish(ctx, st, models.StatusStoring, nil, nil)
	return nil
}

// commit persists the counters and the checkpoint. Called only after the
// batch's side effects are durable.
func (e *Engine) commit(ctx context.Context, st *syncState, phase models.SyncPhase) error {
	if err := e.sessions.Update(ctx, st.session.ID, st.update()); err != nil {
		return models.NewSyncError(models.ErrKindDBTimeout, phase, "update_failed", err.Error())
	}
	if err := e.sessions.SaveCheckpoint(ctx, st.session.ID, st.checkpoint(phase)); err != nil {
		return models.NewSyncError(models.ErrKindDBTimeout, phase, "checkpoint_failed", err.Error())
	}
	return nil
}

// finishCancelled checkpoints what completed and moves the session to
// cancelled. The checkpoint survives, so a later resume continues from here.
func (e *Engine) finishCancelled(ctx context.Context, st *syncState, phase models.SyncPhase) {
	if err := e.commit(ctx, st, phase); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to checkpoint during cancellation")
	}
	if err := e.sessions.Cancel(ctx, st.session.ID); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to mark session cancelled")
		return
	}
	e.publish(ctx, st, models.StatusCancelled, nil, nil)
	logging.Ctx(ctx).Info().
		Str("session_id", st.session.ID.String()).
		Str("phase", string(phase)).
		Int("completed_units", st.completedUnits).
		Msg("Sync cancelled")
}

func (e *Engine) failSession(ctx context.Context, s *models.SyncSession, syncErr *models.SyncError, final bool) {
	if err := e.sessions.MarkFailed(ctx, s.ID, syncErr, final); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to mark session failed")
	}
}

func toSyncError(err error, phase models.SyncPhase) *models.SyncError {
	var se *models.SyncError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewSyncError(models.ErrKindNetwork, phase, "timeout", err.Error())
	}
	// An open breaker is a provider brown-out, not a data problem; the
	// backoff cycle outlives the breaker's own recovery timeout.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.NewSyncError(models.ErrKindTemporaryAPI, phase, "circuit_open", err.Error())
	}
	return models.ClassifyError(err, phase)
}

func (st *syncState) results() *models.SyncResults {
	return &models.SyncResults{
		ActivitiesFetched:  st.fetched,
		ActivitiesEnriched: st.enriched,
		ActivitiesStored:   st.stored,
		ActivitiesFailed:   st.failed,
	}
}

// publish emits one progress event. Publish failures are the sink's problem;
// the sync never blocks on them.
func (e *Engine) publish(ctx context.Context, st *syncState, status models.SessionStatus, syncErr *models.SyncError, results *models.SyncResults) {
	if e.events == nil {
		return
	}
	e.events.PublishProgress(ctx, &models.ProgressEvent{
		SyncID:    st.session.ID,
		UserID:    st.session.UserID,
		Status:    status,
		Progress:  st.progress(status),
		Results:   results,
		Error:     syncErr,
		Timestamp: time.Now().UTC(),
	})
}

func (st *syncState) progress(status models.SessionStatus) models.Progress {
	processed := st.stored
	if st.enriched > processed {
		processed = st.enriched
	}
	phase := st.phase
	if p := models.SyncPhase(status); p.Valid() {
		phase = p
	}
	if !phase.Valid() {
		phase = models.PhaseFetching
	}

	p := models.Progress{
		TotalActivities:     st.totalEstimated,
		ProcessedActivities: processed,
		CurrentPhase:        phase,
		PercentComplete:     models.PercentComplete(processed, st.totalEstimated),
		StartTime:           st.session.StartedAt,
		PhaseProgress: map[models.SyncPhase]models.PhaseProgress{
			models.PhaseFetching:  phaseSnapshot(phase, models.PhaseFetching, st.fetched, st.totalEstimated),
			models.PhaseEnriching: phaseSnapshot(phase, models.PhaseEnriching, st.enriched, st.fetched),
			models.PhaseStoring:   phaseSnapshot(phase, models.PhaseStoring, st.stored, st.fetched),
		},
	}
	p.PhaseProgress[phase] = models.PhaseProgress{
		Status:    "in_progress",
		Processed: p.PhaseProgress[phase].Processed,
		Total:     p.PhaseProgress[phase].Total,
		Errors:    len(st.errorActivities),
	}

	if p.PercentComplete > 0 && p.PercentComplete < 100 {
		elapsed := time.Since(st.session.StartedAt)
		remaining := time.Duration(float64(elapsed) * (100 - p.PercentComplete) / p.PercentComplete)
		eta := time.Now().UTC().Add(remaining)
		p.EstimatedCompletion = &eta
	}
	return p
}

func phaseSnapshot(current, phase models.SyncPhase, processed, total int) models.PhaseProgress {
	status := "pending"
	done := map[models.SyncPhase]int{models.PhaseFetching: 0, models.PhaseEnriching: 1, models.PhaseStoring: 2}
	if done[phase] < done[current] {
		status = "completed"
	}
	return models.PhaseProgress{Status: status, Processed: processed, Total: total}
}
