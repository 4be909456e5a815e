// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package orchestrator drives sync sessions through the fetch, enrich, and
// store phases. One worker goroutine runs per session; phases are sequential
// and each durable step is checkpointed before the session advances, so a
// crash at any point resumes without loss or duplication.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strideworks/stridesync/internal/config"
	"github.com/strideworks/stridesync/internal/enrich"
	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/models"
	"github.com/strideworks/stridesync/internal/session"
	"github.com/strideworks/stridesync/internal/source"
	"github.com/strideworks/stridesync/internal/store"
)

// errCancelled signals cooperative cancellation out of a phase loop.
var errCancelled = errors.New("sync cancelled")

// Fetcher pulls pages from the source API.
type Fetcher interface {
	FetchPage(ctx context.Context, userID string, params models.PageParams) (*source.Page, error)
	PerPage() int
}

// Enricher augments a batch of activities in place.
type Enricher interface {
	EnrichBatch(ctx context.Context, activities []*models.EnrichedActivity, opts enrich.Options) *enrich.BatchResult
}

// ActivityStore persists activity batches idempotently.
type ActivityStore interface {
	StoreBatch(ctx context.Context, userID string, activities []*models.EnrichedActivity) (*store.Result, error)
}

// ActivityReader is the storage read path the enrichment and reconciliation
// phases page through.
type ActivityReader interface {
	ListActivitiesForEnrichment(ctx context.Context, userID string, tr models.TimeRange, limit, offset int) ([]*models.EnrichedActivity, error)
	CountActivities(ctx context.Context, userID string, tr models.TimeRange) (int, error)
}

// ProgressSink receives one progress event per batch and per terminal
// transition. Implementations must never block the sync on publish failure.
type ProgressSink interface {
	PublishProgress(ctx context.Context, event *models.ProgressEvent)
}

// Options adjusts one sync request. Zero values fall back to configuration.
type Options struct {
	BatchSize   int
	MaxRetries  int
	SkipWeather bool
	SkipGeocode bool
}

func (o Options) withDefaults(cfg config.SyncConfig) Options {
	if o.BatchSize <= 0 {
		o.BatchSize = cfg.BatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = cfg.MaxRetries
	}
	return o
}

// Request starts a sync for one user.
type Request struct {
	UserID    string
	SyncType  models.SyncType
	TimeRange models.TimeRange
	Options   Options
}

// run tracks one in-flight session worker. Cancellation is a closed channel,
// never a context: in-flight calls finish, the worker stops at the next poll
// point.
type run struct {
	cancel chan struct{}
	once   sync.Once
}

func (r *run) requestCancel() {
	r.once.Do(func() { close(r.cancel) })
}

func (r *run) cancelRequested() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// Engine owns the sync workers. It implements suture.Service; Serve blocks
// until shutdown, then cancels running syncs cooperatively and waits for them
// to checkpoint and stop.
type Engine struct {
	sessions *session.Manager
	fetcher  Fetcher
	enricher Enricher
	storer   ActivityStore
	reader   ActivityReader
	events   ProgressSink
	cfg      config.SyncConfig

	runCtx    context.Context
	runCancel context.CancelFunc

	mu   sync.Mutex
	runs map[uuid.UUID]*run
	wg   sync.WaitGroup
}

// NewEngine wires the orchestrator.
func NewEngine(sessions *session.Manager, fetcher Fetcher, enricher Enricher, storer ActivityStore, reader ActivityReader, events ProgressSink, cfg config.SyncConfig) *Engine {
	// Workers outlive their originating HTTP request; their context is owned
	// by the engine and cancelled only as a last resort during shutdown.
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Engine{
		sessions:  sessions,
		fetcher:   fetcher,
		enricher:  enricher,
		storer:    storer,
		reader:    reader,
		events:    events,
		cfg:       cfg,
		runCtx:    runCtx,
		runCancel: runCancel,
		runs:      make(map[uuid.UUID]*run),
	}
}

// StartSync creates a fresh session and launches its worker. Returns
// models.ErrSessionConflict when the user already has a live session.
func (e *Engine) StartSync(ctx context.Context, req Request) (*models.SyncSession, error) {
	opts := req.Options.withDefaults(e.cfg)
	s, err := e.sessions.Create(ctx, req.UserID, req.SyncType, req.TimeRange)
	if err != nil {
		return nil, err
	}
	e.launch(s, opts)
	return s, nil
}

// ResumeSync seeds a session from the user's last resumable checkpoint and
// launches its worker.
func (e *Engine) ResumeSync(ctx context.Context, userID string) (*models.SyncSession, error) {
	s, err := e.sessions.Resume(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.launch(s, Options{}.withDefaults(e.cfg))
	return s, nil
}

// RequestCancel asks a running session to stop after its current batch. For
// sessions with no local worker (orphaned rows from a previous process) it
// transitions the row directly.
func (e *Engine) RequestCancel(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		r.requestCancel()
		logging.Ctx(ctx).Info().Str("session_id", id.String()).Msg("Cancellation requested")
		return nil
	}
	return e.sessions.Cancel(ctx, id)
}

// Running reports whether the session has a live worker in this process.
func (e *Engine) Running(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

// Serve blocks until ctx is cancelled, then shuts workers down: cooperative
// cancel first, hard context cancel if they overrun the drain window.
func (e *Engine) Serve(ctx context.Context) error {
	<-ctx.Done()

	e.mu.Lock()
	for _, r := range e.runs {
		r.requestCancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logging.Warn().Msg("Sync workers did not drain in time, forcing stop")
		e.runCancel()
		<-done
	}
	e.runCancel()
	return ctx.Err()
}

func (e *Engine) launch(s *models.SyncSession, opts Options) {
	r := &run{cancel: make(chan struct{})}
	e.mu.Lock()
	e.runs[s.ID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runs, s.ID)
			e.mu.Unlock()
		}()

		ctx := logging.ContextWithCorrelationID(e.runCtx, s.ID.String()[:8])
		e.runSync(ctx, s, r, opts)
	}()
}

// wait sleeps for the backoff delay, returning early on cancellation.
func (e *Engine) wait(ctx context.Context, r *run, delay time.Duration) error {
	select {
	case <-time.After(delay):
		return nil
	case <-r.cancel:
		return errCancelled
	case <-ctx.Done():
		return errCancelled
	}
}

// backoffDelay computes base * 2^n capped at the configured maximum.
func (e *Engine) backoffDelay(retryCount int) time.Duration {
	delay := e.cfg.BaseRetryDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= e.cfg.MaxRetryDelay {
			return e.cfg.MaxRetryDelay
		}
	}
	if delay > e.cfg.MaxRetryDelay {
		delay = e.cfg.MaxRetryDelay
	}
	return delay
}

// heartbeat refreshes last_activity_at while a worker runs, so the session is
// never reclaimed as stale mid-sync.
func (e *Engine) heartbeat(ctx context.Context, id uuid.UUID, stop <-chan struct{}) {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.sessions.Heartbeat(ctx, id); err != nil {
				logging.Ctx(ctx).Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
