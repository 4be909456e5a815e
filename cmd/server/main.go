// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package main is the entry point for the StrideSync server.
//
// StrideSync synchronizes fitness activities from a Strava-compatible API
// into an embedded DuckDB database, enriching each activity with historical
// weather and reverse-geocoded location data along the way. Syncs are
// resumable: progress is checkpointed after every batch, so an interrupted
// sync picks up where it left off instead of starting over.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered env vars > config file > defaults (Koanf v2)
//  2. Database: embedded DuckDB with activity, session, and cache tables
//  3. Source client: rate-limited Strava-compatible API client with
//     per-user OAuth token refresh
//  4. Enrichment: Open-Meteo weather + Nominatim reverse geocoding, both
//     behind circuit breakers with DuckDB-backed weather caching
//  5. Events (optional): progress publishing over NATS JetStream, with an
//     optional embedded broker for single-node deployments
//  6. Orchestrator: the resumable sync engine and its session manager
//  7. HTTP API: chi router with JWT auth, rate limiting, and Prometheus
//     metrics
//
// All long-running components run under a suture supervisor tree and are
// restarted with exponential backoff if they fail.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, then config.yaml, then built-in
// defaults.
//
// Minimal multi-user setup:
//
//	export SOURCE_CLIENT_ID=your-oauth-app-id
//	export SOURCE_CLIENT_SECRET=your-oauth-app-secret
//	./stridesync
//
// Single-user setup with a fixed token (no token storage):
//
//	export SOURCE_ACCESS_TOKEN=your-access-token
//	./stridesync
//
// With API authentication:
//
//	export AUTH_ENABLED=true
//	export AUTH_JWT_SECRET=$(openssl rand -base64 32)
//	./stridesync
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: running syncs
// checkpoint their position and stop, in-flight HTTP requests drain, and
// the embedded broker (if any) flushes its JetStream store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strideworks/stridesync/internal/api"
	"github.com/strideworks/stridesync/internal/auth"
	"github.com/strideworks/stridesync/internal/config"
	"github.com/strideworks/stridesync/internal/database"
	"github.com/strideworks/stridesync/internal/enrich"
	"github.com/strideworks/stridesync/internal/events"
	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/orchestrator"
	"github.com/strideworks/stridesync/internal/session"
	"github.com/strideworks/stridesync/internal/source"
	"github.com/strideworks/stridesync/internal/store"
	"github.com/strideworks/stridesync/internal/supervisor"
	"github.com/strideworks/stridesync/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting StrideSync")
	logging.Info().
		Str("source_url", cfg.Source.BaseURL).
		Str("db_path", cfg.Database.Path).
		Bool("weather", cfg.Weather.Enabled).
		Bool("geocode", cfg.Geocode.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Bool("auth", cfg.Auth.Enabled).
		Msg("Configuration loaded")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	// Source client. A fixed access token skips per-user token storage;
	// otherwise tokens live in the user_tokens table and are refreshed
	// against the provider's OAuth endpoint before expiry.
	var tokens source.TokenProvider
	if cfg.Source.AccessToken != "" {
		tokens = &source.StaticTokenProvider{Token: cfg.Source.AccessToken}
		logging.Info().Msg("Using static access token (single-user mode)")
	} else {
		tokens = source.NewRefreshingTokenProvider(db, cfg.Source.TokenURL, cfg.Source.ClientID, cfg.Source.ClientSecret)
	}
	sourceClient := source.NewClient(&cfg.Source, tokens)

	// Enrichment providers. A disabled provider is nil and the service
	// skips that enrichment entirely.
	var weather enrich.WeatherProvider
	if cfg.Weather.Enabled {
		weather = enrich.NewWeatherClient(&cfg.Weather, db)
	} else {
		logging.Info().Msg("Weather enrichment disabled (WEATHER_ENABLED=false)")
	}
	var geocoder enrich.Geocoder
	if cfg.Geocode.Enabled {
		geocoder = enrich.NewGeocodeClient(&cfg.Geocode)
	} else {
		logging.Info().Msg("Geocoding disabled (GEOCODE_ENABLED=false)")
	}
	enricher := enrich.NewService(weather, geocoder)

	// Progress events. With NATS disabled events are discarded; with the
	// embedded broker enabled the publisher connects to the in-process
	// JetStream instance.
	var progressSink orchestrator.ProgressSink = events.NopPublisher{}
	var broker *events.EmbeddedServer
	if cfg.NATS.Enabled {
		natsURL := cfg.NATS.URL
		if cfg.NATS.EmbeddedServer {
			broker, err = events.NewEmbeddedServer(&events.ServerConfig{
				Host:              "127.0.0.1",
				Port:              -1, // random port, reachable via ClientURL
				StoreDir:          cfg.NATS.StoreDir,
				JetStreamMaxMem:   cfg.NATS.MaxMemory,
				JetStreamMaxStore: cfg.NATS.MaxStore,
			})
			if err != nil {
				logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
			}
			natsURL = broker.ClientURL()
			logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
		}

		publisher, err := events.NewPublisher(events.DefaultPublisherConfig(natsURL, cfg.NATS.ProgressTopic), nil)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to create progress publisher")
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing progress publisher")
			}
		}()
		progressSink = publisher
		logging.Info().Str("topic", cfg.NATS.ProgressTopic).Msg("Progress publishing enabled")
	} else {
		logging.Info().Msg("NATS disabled - progress events are not published")
	}

	sessions := session.NewManager(db, cfg.Sync.StaleThreshold)
	storer := store.New(db)
	engine := orchestrator.NewEngine(sessions, sourceClient, enricher, storer, db, progressSink, cfg.Sync)

	var jwtManager *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtManager, err = auth.NewJWTManager(cfg.Auth)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
		}
		logging.Info().Msg("JWT authentication enabled")
	} else {
		logging.Warn().Msg("Authentication is DISABLED (AUTH_ENABLED=false) - all endpoints are public")
	}

	handler := api.NewHandler(engine, sessions, db, db, cfg)
	router := api.NewRouter(handler, jwtManager, cfg.Server)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// Supervision. The slog adapter bridges zerolog to sutureslog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if broker != nil {
		tree.AddEventService(services.NewBrokerService(broker, 10*time.Second))
	}
	tree.AddSyncService(services.NewEngineService(engine))
	tree.AddAPIService(services.NewHTTPService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("StrideSync stopped gracefully")
}
