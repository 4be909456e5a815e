// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package metrics exposes Prometheus collectors for the sync engine:
// session lifecycle, per-phase batch throughput, external API calls,
// enrichment cache efficiency, storage upserts, and the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle

	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_sessions_started_total",
			Help: "Total sync sessions created, labeled by sync type",
		},
		[]string{"sync_type"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_sessions_finished_total",
			Help: "Total sync sessions reaching a terminal status",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_sessions_active",
			Help: "Sync sessions currently in a non-terminal status",
		},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_session_duration_seconds",
			Help:    "End-to-end duration of finished sync sessions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	SessionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_session_retries_total",
			Help: "Retry transitions, labeled by the phase being retried",
		},
		[]string{"phase"},
	)

	StaleSessionsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_stale_sessions_reclaimed_total",
			Help: "Sessions reclaimed because their heartbeat went stale",
		},
	)

	// Phase throughput

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_batch_duration_seconds",
			Help:    "Duration of one batch through one phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	ActivitiesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_activities_processed_total",
			Help: "Activities flowing through each phase, labeled by outcome",
		},
		[]string{"phase", "outcome"}, // outcome: ok, failed, skipped
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Structured sync errors by kind and phase",
		},
		[]string{"kind", "phase"},
	)

	// External APIs

	SourceAPIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_api_requests_total",
			Help: "Requests to the activity source API by status code",
		},
		[]string{"status"},
	)

	SourceAPIRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "source_api_rate_limited_total",
			Help: "Requests deferred or retried due to source API rate limiting",
		},
	)

	EnrichmentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_requests_total",
			Help: "Requests to enrichment providers by provider and result",
		},
		[]string{"provider", "result"}, // provider: weather, geocode
	)

	WeatherCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weather_cache_hits_total",
			Help: "Weather lookups served from the local cache",
		},
	)

	WeatherCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weather_cache_misses_total",
			Help: "Weather lookups that required a provider call",
		},
	)

	// Storage

	ActivityUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_upserts_total",
			Help: "Activity upsert outcomes",
		},
		[]string{"outcome"}, // inserted, updated, skipped, failed
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// Events

	ProgressEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "progress_events_published_total",
			Help: "Progress events successfully handed to the publisher",
		},
	)

	ProgressEventErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "progress_event_errors_total",
			Help: "Progress events that failed to publish",
		},
	)

	// HTTP API

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordDBQuery observes one database query and counts its error, if any.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordBatch observes one batch passing through a phase.
func RecordBatch(phase string, duration time.Duration, ok, failed, skipped int) {
	BatchDuration.WithLabelValues(phase).Observe(duration.Seconds())
	if ok > 0 {
		ActivitiesProcessed.WithLabelValues(phase, "ok").Add(float64(ok))
	}
	if failed > 0 {
		ActivitiesProcessed.WithLabelValues(phase, "failed").Add(float64(failed))
	}
	if skipped > 0 {
		ActivitiesProcessed.WithLabelValues(phase, "skipped").Add(float64(skipped))
	}
}

// RecordSessionFinished counts a terminal transition and its duration.
func RecordSessionFinished(status string, started time.Time) {
	SessionsCompleted.WithLabelValues(status).Inc()
	SessionDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
	SessionsActive.Dec()
}
