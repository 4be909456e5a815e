// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("default batch size = %d, want 50", cfg.Sync.BatchSize)
	}
	if !cfg.Weather.Enabled {
		t.Error("weather enrichment should default to enabled")
	}
	if cfg.NATS.ProgressTopic != "sync.progress" {
		t.Errorf("default progress topic = %q", cfg.NATS.ProgressTopic)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "25")
	t.Setenv("SYNC_MAX_RETRIES", "5")
	t.Setenv("SOURCE_BASE_URL", "https://source.test/api/v3")
	t.Setenv("HTTP_PORT", "9191")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("batch size = %d, want 25", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if cfg.Source.BaseURL != "https://source.test/api/v3" {
		t.Errorf("source base url = %q", cfg.Source.BaseURL)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("server port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadUnknownEnvVarsIgnored(t *testing.T) {
	t.Setenv("TOTALLY_UNRELATED_VAR", "value")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config with unrelated env vars should still validate: %v", err)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"sync:",
		"  batch_size: 10",
		"  max_retries: 7",
		"weather:",
		"  enabled: false",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.BatchSize != 10 {
		t.Errorf("batch size = %d, want 10 from file", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxRetries != 7 {
		t.Errorf("max retries = %d, want 7 from file", cfg.Sync.MaxRetries)
	}
	if cfg.Weather.Enabled {
		t.Error("weather should be disabled by the config file")
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  batch_size: 10\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("SYNC_BATCH_SIZE", "77")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.BatchSize != 77 {
		t.Errorf("batch size = %d, env must beat file", cfg.Sync.BatchSize)
	}
}

func TestCORSOriginsFromEnv(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.test, https://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := cfg.Server.CORSAllowedOrigins
	if len(got) != 2 || got[0] != "https://a.test" || got[1] != "https://b.test" {
		t.Errorf("cors origins = %v", got)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Sync.BatchSize = 0 },
			wantSub: "sync.batch_size",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Sync.MaxRetries = -1 },
			wantSub: "sync.max_retries",
		},
		{
			name:    "retry cap below base",
			mutate:  func(c *Config) { c.Sync.MaxRetryDelay = time.Second; c.Sync.BaseRetryDelay = time.Minute },
			wantSub: "sync.max_retry_delay",
		},
		{
			name:    "stale threshold below heartbeat",
			mutate:  func(c *Config) { c.Sync.StaleThreshold = 5 * time.Second },
			wantSub: "sync.stale_threshold",
		},
		{
			name:    "bad source url scheme",
			mutate:  func(c *Config) { c.Source.BaseURL = "ftp://example.com" },
			wantSub: "source.base_url",
		},
		{
			name:    "per page out of range",
			mutate:  func(c *Config) { c.Source.PerPage = 500 },
			wantSub: "source.per_page",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantSub: "database.path",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantSub: "server.port",
		},
		{
			name:    "auth enabled without secret",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			wantSub: "auth.jwt_secret",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantSub: "logging.level",
		},
		{
			name:    "nats enabled without topic",
			mutate:  func(c *Config) { c.NATS.ProgressTopic = "" },
			wantSub: "nats.progress_topic",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestDisabledSectionsSkipValidation(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Weather.Enabled = false
	cfg.Weather.BaseURL = ""
	cfg.Geocode.Enabled = false
	cfg.Geocode.BaseURL = ""
	cfg.NATS.Enabled = false
	cfg.NATS.URL = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled sections must not be validated: %v", err)
	}
}
