// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strideworks/stridesync/internal/config"
	"github.com/strideworks/stridesync/internal/models"
)

// memWeatherCache is an in-memory WeatherCache for tests.
type memWeatherCache struct {
	mu      sync.Mutex
	entries map[string]*models.Weather
}

func newMemWeatherCache() *memWeatherCache {
	return &memWeatherCache{entries: make(map[string]*models.Weather)}
}

func (c *memWeatherCache) GetCachedWeather(_ context.Context, key string, _ time.Duration) (*models.Weather, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *memWeatherCache) PutCachedWeather(_ context.Context, key string, _, _ float64, _ time.Time, w *models.Weather) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = w
	return nil
}

func weatherBody() string {
	return `{"hourly": {
		"time": ["2025-06-01T06:00", "2025-06-01T07:00", "2025-06-01T08:00"],
		"temperature_2m": [15.1, 16.4, 18.0],
		"apparent_temperature": [14.0, 15.2, 17.1],
		"relative_humidity_2m": [80, 75, 70],
		"wind_speed_10m": [10.0, 12.5, 14.0],
		"wind_direction_10m": [180, 190, 200],
		"precipitation": [0.0, 0.2, 0.0],
		"weather_code": [1, 2, 3]
	}}`
}

func testWeatherClient(baseURL string, cache WeatherCache) *WeatherClient {
	return NewWeatherClient(&config.WeatherConfig{
		Enabled:             true,
		BaseURL:             baseURL,
		Timeout:             5 * time.Second,
		CacheTTL:            time.Hour,
		CoordinatePrecision: 2,
	}, cache)
}

func TestWeatherAtPicksMatchingHour(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("start_date"); got != "2025-06-01" {
			t.Errorf("start_date = %q", got)
		}
		fmt.Fprint(w, weatherBody())
	}))
	defer srv.Close()

	c := testWeatherClient(srv.URL, newMemWeatherCache())
	w, err := c.WeatherAt(context.Background(),
		models.Coordinates{Latitude: 52.52, Longitude: 13.405},
		time.Date(2025, 6, 1, 7, 23, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("weather: %v", err)
	}
	if w.TemperatureC == nil || *w.TemperatureC != 16.4 {
		t.Errorf("temperature = %v, want 16.4 (07:00 slot)", w.TemperatureC)
	}
	if w.ConditionCode == nil || *w.ConditionCode != 2 {
		t.Errorf("condition = %v, want 2", w.ConditionCode)
	}
}

func TestWeatherAtUsesCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, weatherBody())
	}))
	defer srv.Close()

	c := testWeatherClient(srv.URL, newMemWeatherCache())
	coords := models.Coordinates{Latitude: 52.52, Longitude: 13.405}
	at := time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)

	if _, err := c.WeatherAt(context.Background(), coords, at); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.WeatherAt(context.Background(), coords, at); err != nil {
		t.Fatalf("second: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1 (second lookup cached)", calls.Load())
	}

	// A nearby coordinate in the same rounded cell also hits the cache.
	near := models.Coordinates{Latitude: 52.521, Longitude: 13.4049}
	if _, err := c.WeatherAt(context.Background(), near, at); err != nil {
		t.Fatalf("near: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1 after same-cell lookup", calls.Load())
	}
}

func TestWeatherAtProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   int
		wantKind models.ErrorKind
	}{
		{http.StatusTooManyRequests, models.ErrKindRateLimit},
		{http.StatusServiceUnavailable, models.ErrKindTemporaryAPI},
		{http.StatusBadRequest, models.ErrKindInvalidData},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("http_%d", tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := testWeatherClient(srv.URL, newMemWeatherCache())
			_, err := c.WeatherAt(context.Background(),
				models.Coordinates{Latitude: 1, Longitude: 1}, time.Now())
			var se *models.SyncError
			if !errors.As(err, &se) {
				t.Fatalf("expected SyncError, got %v", err)
			}
			if se.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", se.Kind, tt.wantKind)
			}
		})
	}
}

func TestWeatherAtNoDataForHour(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"hourly": {"time": [], "temperature_2m": []}}`)
	}))
	defer srv.Close()

	c := testWeatherClient(srv.URL, newMemWeatherCache())
	_, err := c.WeatherAt(context.Background(),
		models.Coordinates{Latitude: 1, Longitude: 1},
		time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC))
	var se *models.SyncError
	if !errors.As(err, &se) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if se.Code != "weather_no_data" {
		t.Errorf("code = %q, want weather_no_data", se.Code)
	}
}
