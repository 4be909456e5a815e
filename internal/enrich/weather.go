// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/strideworks/stridesync/internal/config"
	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

// WeatherCache persists weather lookups keyed by coordinate cell and date.
type WeatherCache interface {
	GetCachedWeather(ctx context.Context, key string, ttl time.Duration) (*models.Weather, error)
	PutCachedWeather(ctx context.Context, key string, lat, lon float64, date time.Time, w *models.Weather) error
}

// WeatherClient looks up historical hourly conditions from an Open-Meteo
// archive compatible endpoint, with a local cache in front. Historical data
// never changes, so the cache hit rate grows with every sync.
type WeatherClient struct {
	baseURL   string
	precision int
	cacheTTL  time.Duration

	cache  WeatherCache
	client *http.Client
	cb     *gobreaker.CircuitBreaker[*models.Weather]
}

// NewWeatherClient builds the weather lookup client.
func NewWeatherClient(cfg *config.WeatherConfig, cache WeatherCache) *WeatherClient {
	cb := gobreaker.NewCircuitBreaker[*models.Weather](gobreaker.Settings{
		Name:        "weather-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Weather API circuit breaker state change")
		},
	})

	return &WeatherClient{
		baseURL:   cfg.BaseURL,
		precision: cfg.CoordinatePrecision,
		cacheTTL:  cfg.CacheTTL,
		cache:     cache,
		client:    &http.Client{Timeout: cfg.Timeout},
		cb:        cb,
	}
}

// WeatherAt returns the conditions at the given coordinates for the hour
// containing t. Cache first, then the provider.
func (c *WeatherClient) WeatherAt(ctx context.Context, coords models.Coordinates, t time.Time) (*models.Weather, error) {
	key := c.cacheKey(coords, t)

	if cached, err := c.cache.GetCachedWeather(ctx, key, c.cacheTTL); err == nil && cached != nil {
		metrics.WeatherCacheHits.Inc()
		return cached, nil
	}
	metrics.WeatherCacheMisses.Inc()

	w, err := c.cb.Execute(func() (*models.Weather, error) {
		return c.fetch(ctx, coords, t)
	})
	if err != nil {
		metrics.EnrichmentRequests.WithLabelValues("weather", "error").Inc()
		return nil, err
	}
	metrics.EnrichmentRequests.WithLabelValues("weather", "ok").Inc()

	if err := c.cache.PutCachedWeather(ctx, key, coords.Latitude, coords.Longitude,
		t.UTC().Truncate(24*time.Hour), w); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Failed to cache weather lookup")
	}
	return w, nil
}

func (c *WeatherClient) cacheKey(coords models.Coordinates, t time.Time) string {
	return fmt.Sprintf("%s:%s:%02d",
		cellKey(coords, c.precision), t.UTC().Format("2006-01-02"), t.UTC().Hour())
}

type weatherResponse struct {
	Hourly struct {
		Time          []string  `json:"time"`
		Temperature   []float64 `json:"temperature_2m"`
		ApparentTemp  []float64 `json:"apparent_temperature"`
		Humidity      []float64 `json:"relative_humidity_2m"`
		WindSpeed     []float64 `json:"wind_speed_10m"`
		WindDirection []float64 `json:"wind_direction_10m"`
		Precipitation []float64 `json:"precipitation"`
		WeatherCode   []int     `json:"weather_code"`
	} `json:"hourly"`
}

func (c *WeatherClient) fetch(ctx context.Context, coords models.Coordinates, t time.Time) (*models.Weather, error) {
	day := t.UTC().Format("2006-01-02")
	q := url.Values{
		"latitude":   {strconv.FormatFloat(coords.Latitude, 'f', 4, 64)},
		"longitude":  {strconv.FormatFloat(coords.Longitude, 'f', 4, 64)},
		"start_date": {day},
		"end_date":   {day},
		"hourly": {"temperature_2m,apparent_temperature,relative_humidity_2m," +
			"wind_speed_10m,wind_direction_10m,precipitation,weather_code"},
		"timezone": {"UTC"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create weather request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.NewSyncError(models.ErrKindNetwork, models.PhaseEnriching,
			"weather_unreachable", err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewSyncError(models.ErrKindRateLimit, models.PhaseEnriching,
			"weather_rate_limited", "weather provider returned HTTP 429")
	case resp.StatusCode >= 500:
		return nil, models.NewSyncError(models.ErrKindTemporaryAPI, models.PhaseEnriching,
			"weather_unavailable", fmt.Sprintf("weather provider returned HTTP %d", resp.StatusCode))
	default:
		return nil, models.NewSyncError(models.ErrKindInvalidData, models.PhaseEnriching,
			"weather_bad_request", fmt.Sprintf("weather provider returned HTTP %d", resp.StatusCode))
	}

	var body weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, models.NewSyncError(models.ErrKindInvalidData, models.PhaseEnriching,
			"weather_malformed", err.Error())
	}

	idx := hourIndex(body.Hourly.Time, t)
	if idx < 0 {
		return nil, models.NewSyncError(models.ErrKindInvalidData, models.PhaseEnriching,
			"weather_no_data", fmt.Sprintf("no hourly data for %s", t.UTC().Format(time.RFC3339)))
	}

	w := &models.Weather{}
	w.TemperatureC = pick(body.Hourly.Temperature, idx)
	w.ApparentTempC = pick(body.Hourly.ApparentTemp, idx)
	w.HumidityPct = pick(body.Hourly.Humidity, idx)
	w.WindSpeedKmh = pick(body.Hourly.WindSpeed, idx)
	w.WindDirDeg = pick(body.Hourly.WindDirection, idx)
	w.PrecipMm = pick(body.Hourly.Precipitation, idx)
	if idx < len(body.Hourly.WeatherCode) {
		code := body.Hourly.WeatherCode[idx]
		w.ConditionCode = &code
	}
	return w, nil
}

// hourIndex finds the hourly slot matching t's UTC hour. The archive API
// returns local-naive timestamps like "2025-06-01T07:00".
func hourIndex(times []string, t time.Time) int {
	want := t.UTC().Format("2006-01-02T15:00")
	for i, ts := range times {
		if ts == want {
			return i
		}
	}
	return -1
}

func pick(values []float64, idx int) *float64 {
	if idx >= len(values) {
		return nil
	}
	v := values[idx]
	return &v
}
