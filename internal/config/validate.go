// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for internal consistency. It is called by
// Load after all layers are merged; callers constructing a Config by hand
// (tests, embedding) should call it themselves.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateSource,
		c.validateWeather,
		c.validateGeocode,
		c.validateDatabase,
		c.validateSync,
		c.validateNATS,
		c.validateServer,
		c.validateAuth,
		c.validateLogging,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateSource() error {
	if err := validateURL("source.base_url", c.Source.BaseURL); err != nil {
		return err
	}
	if c.Source.PerPage < 1 || c.Source.PerPage > 200 {
		return fmt.Errorf("source.per_page must be between 1 and 200, got %d", c.Source.PerPage)
	}
	if c.Source.RequestsPerWindow < 1 {
		return fmt.Errorf("source.requests_per_window must be positive, got %d", c.Source.RequestsPerWindow)
	}
	if c.Source.Window <= 0 {
		return fmt.Errorf("source.window must be positive, got %s", c.Source.Window)
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be positive, got %s", c.Source.Timeout)
	}
	return nil
}

func (c *Config) validateWeather() error {
	if !c.Weather.Enabled {
		return nil
	}
	if err := validateURL("weather.base_url", c.Weather.BaseURL); err != nil {
		return err
	}
	if c.Weather.CoordinatePrecision < 0 || c.Weather.CoordinatePrecision > 6 {
		return fmt.Errorf("weather.coordinate_precision must be between 0 and 6, got %d",
			c.Weather.CoordinatePrecision)
	}
	if c.Weather.CacheTTL < 0 {
		return fmt.Errorf("weather.cache_ttl must not be negative, got %s", c.Weather.CacheTTL)
	}
	return nil
}

func (c *Config) validateGeocode() error {
	if !c.Geocode.Enabled {
		return nil
	}
	return validateURL("geocode.base_url", c.Geocode.BaseURL)
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("database.threads must not be negative, got %d", c.Database.Threads)
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.BaseRetryDelay <= 0 {
		return fmt.Errorf("sync.base_retry_delay must be positive, got %s", c.Sync.BaseRetryDelay)
	}
	if c.Sync.MaxRetryDelay < c.Sync.BaseRetryDelay {
		return fmt.Errorf("sync.max_retry_delay (%s) must not be smaller than sync.base_retry_delay (%s)",
			c.Sync.MaxRetryDelay, c.Sync.BaseRetryDelay)
	}
	if c.Sync.StaleThreshold <= c.Sync.HeartbeatInterval {
		return fmt.Errorf("sync.stale_threshold (%s) must exceed sync.heartbeat_interval (%s), "+
			"otherwise healthy sessions get reclaimed", c.Sync.StaleThreshold, c.Sync.HeartbeatInterval)
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url must not be empty when nats.enabled is true")
	}
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		return fmt.Errorf("nats.store_dir must not be empty when running the embedded server")
	}
	if c.NATS.MaxMemory < 0 || c.NATS.MaxStore < 0 {
		return fmt.Errorf("nats.max_memory and nats.max_store must not be negative")
	}
	if c.NATS.ProgressTopic == "" {
		return fmt.Errorf("nats.progress_topic must not be empty")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative, got %d", c.Server.RateLimit)
	}
	return nil
}

func (c *Config) validateAuth() error {
	if !c.Auth.Enabled {
		return nil
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters when auth is enabled")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive, got %s", c.Auth.TokenTTL)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", field)
	}
	return nil
}
