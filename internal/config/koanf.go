// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/stridesync/config.yaml",
	"/etc/stridesync/config.yml",
}

// ConfigPathEnvVar overrides the config file search entirely.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with every field set to a sensible default.
// Defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			BaseURL:           "https://www.strava.com/api/v3",
			TokenURL:          "https://www.strava.com/oauth/token",
			ClientID:          "",
			ClientSecret:      "",
			AccessToken:       "",
			Timeout:           30 * time.Second,
			PerPage:           50,
			RequestsPerWindow: 100, // below Strava's 100 req / 15 min read quota
			Window:            15 * time.Minute,
		},
		Weather: WeatherConfig{
			Enabled:             true,
			BaseURL:             "https://archive-api.open-meteo.com/v1/archive",
			Timeout:             10 * time.Second,
			CacheTTL:            30 * 24 * time.Hour, // historical weather does not change
			CoordinatePrecision: 2,
		},
		Geocode: GeocodeConfig{
			Enabled: true,
			BaseURL: "https://nominatim.openstreetmap.org/reverse",
			Timeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/stridesync.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		Sync: SyncConfig{
			BatchSize:         50,
			MaxRetries:        3,
			BaseRetryDelay:    2 * time.Second,
			MaxRetryDelay:     5 * time.Minute,
			StaleThreshold:    10 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:        true,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30, // 1GB
			MaxStore:       4 << 30, // 4GB
			ProgressTopic:  "sync.progress",
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8090,
			Timeout:            30 * time.Second,
			RateLimit:          120,
			CORSAllowedOrigins: []string{},
			Environment:        "development",
		},
		Auth: AuthConfig{
			Enabled:   false,
			JWTSecret: "",
			TokenTTL:  24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the effective configuration from three layers:
//
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file
//  3. Environment variables: override any setting
//
// The result is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Transform environment variable names to koanf paths:
	// SOURCE_BASE_URL -> source.base_url, SYNC_BATCH_SIZE -> sync.batch_size
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// processSliceFields converts comma-separated env strings into string slices
// for fields declared as []string. koanf's env provider only yields scalars.
func processSliceFields(k *koanf.Koanf) error {
	sliceKeys := []string{
		"server.cors_allowed_origins",
	}
	for _, key := range sliceKeys {
		raw := k.Get(key)
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf paths. Variables
// without an explicit mapping fall through to a generic prefix rule, and
// anything unrecognized is dropped so unrelated env vars never leak into the
// config tree.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Source API
		"source_base_url":            "source.base_url",
		"source_token_url":           "source.token_url",
		"source_client_id":           "source.client_id",
		"source_client_secret":       "source.client_secret",
		"source_access_token":        "source.access_token",
		"source_timeout":             "source.timeout",
		"source_per_page":            "source.per_page",
		"source_requests_per_window": "source.requests_per_window",
		"source_window":              "source.window",

		// Enrichment providers
		"weather_enabled":              "weather.enabled",
		"weather_base_url":             "weather.base_url",
		"weather_timeout":              "weather.timeout",
		"weather_cache_ttl":            "weather.cache_ttl",
		"weather_coordinate_precision": "weather.coordinate_precision",
		"geocode_enabled":              "geocode.enabled",
		"geocode_base_url":             "geocode.base_url",
		"geocode_timeout":              "geocode.timeout",

		// Database
		"duckdb_path":         "database.path",
		"database_path":       "database.path",
		"database_max_memory": "database.max_memory",
		"database_threads":    "database.threads",

		// Sync engine
		"sync_batch_size":         "sync.batch_size",
		"sync_max_retries":        "sync.max_retries",
		"sync_base_retry_delay":   "sync.base_retry_delay",
		"sync_max_retry_delay":    "sync.max_retry_delay",
		"sync_stale_threshold":    "sync.stale_threshold",
		"sync_heartbeat_interval": "sync.heartbeat_interval",

		// NATS / events
		"nats_enabled":         "nats.enabled",
		"nats_url":             "nats.url",
		"nats_embedded_server": "nats.embedded_server",
		"nats_store_dir":       "nats.store_dir",
		"nats_max_memory":      "nats.max_memory",
		"nats_max_store":       "nats.max_store",
		"nats_progress_topic":  "nats.progress_topic",

		// HTTP server
		"http_host":            "server.host",
		"http_port":            "server.port",
		"http_timeout":         "server.timeout",
		"http_rate_limit":      "server.rate_limit",
		"cors_allowed_origins": "server.cors_allowed_origins",
		"environment":          "server.environment",

		// Auth
		"auth_enabled":   "auth.enabled",
		"jwt_secret":     "auth.jwt_secret",
		"auth_token_ttl": "auth.token_ttl",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
