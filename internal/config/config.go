// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package config loads and validates the service configuration from three
// layers with clear precedence: environment variables over an optional YAML
// config file over built-in defaults.
package config

import "time"

// Config is the root configuration for the sync engine and its HTTP surface.
type Config struct {
	Source   SourceConfig   `koanf:"source"`
	Weather  WeatherConfig  `koanf:"weather"`
	Geocode  GeocodeConfig  `koanf:"geocode"`
	Database DatabaseConfig `koanf:"database"`
	Sync     SyncConfig     `koanf:"sync"`
	NATS     NATSConfig     `koanf:"nats"`
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// SourceConfig configures the upstream activity API (Strava-compatible).
type SourceConfig struct {
	BaseURL string `koanf:"base_url"`

	// TokenURL is the OAuth token endpoint used to refresh user tokens.
	TokenURL string `koanf:"token_url"`

	// OAuth application credentials used when refreshing user tokens.
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`

	// AccessToken, when set, bypasses per-user token storage and uses one
	// fixed token for every request. Single-user deployments only.
	AccessToken string `koanf:"access_token"`

	Timeout time.Duration `koanf:"timeout"`

	// PerPage is the page size requested from the activity listing endpoint.
	PerPage int `koanf:"per_page"`

	// RequestsPerWindow and Window describe the client-side rate budget,
	// kept below the provider's published quota.
	RequestsPerWindow int           `koanf:"requests_per_window"`
	Window            time.Duration `koanf:"window"`
}

// WeatherConfig configures the historical weather provider.
type WeatherConfig struct {
	Enabled  bool          `koanf:"enabled"`
	BaseURL  string        `koanf:"base_url"`
	Timeout  time.Duration `koanf:"timeout"`
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// CoordinatePrecision is the number of decimal places coordinates are
	// rounded to for cache keys. 2 decimals is roughly a 1km cell.
	CoordinatePrecision int `koanf:"coordinate_precision"`
}

// GeocodeConfig configures the reverse-geocoding provider.
type GeocodeConfig struct {
	Enabled bool          `koanf:"enabled"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig configures the embedded DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`

	// Threads caps DuckDB's internal parallelism. 0 uses runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// SyncConfig tunes the orchestrator's batching, retry, and staleness policy.
type SyncConfig struct {
	BatchSize  int `koanf:"batch_size"`
	MaxRetries int `koanf:"max_retries"`

	// BaseRetryDelay seeds the exponential backoff; the delay for attempt n
	// is base * 2^n, capped at MaxRetryDelay.
	BaseRetryDelay time.Duration `koanf:"base_retry_delay"`
	MaxRetryDelay  time.Duration `koanf:"max_retry_delay"`

	// StaleThreshold is how long a session may go without a heartbeat before
	// a new createSession call may reclaim the user's slot.
	StaleThreshold time.Duration `koanf:"stale_threshold"`

	// HeartbeatInterval is how often a running session refreshes
	// last_activity_at.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// NATSConfig configures progress event publishing over NATS JetStream.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	// ProgressTopic is the subject progress events are published to.
	ProgressTopic string `koanf:"progress_topic"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimit caps requests per client IP per minute. 0 disables limiting.
	RateLimit int `koanf:"rate_limit"`

	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	Environment string `koanf:"environment"`
}

// AuthConfig configures bearer-token authentication for the API.
type AuthConfig struct {
	Enabled bool `koanf:"enabled"`

	// JWTSecret signs and verifies API tokens (HS256). Required when
	// Enabled is true.
	JWTSecret string `koanf:"jwt_secret"`

	TokenTTL time.Duration `koanf:"token_ttl"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
