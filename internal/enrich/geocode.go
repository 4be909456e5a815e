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
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/strideworks/stridesync/internal/config"
	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

// GeocodeClient resolves coordinates to a city/state/country triple against
// a Nominatim-compatible reverse endpoint. Results are cached in-process by
// rounded coordinate; activities cluster around the same start locations, so
// even a coarse cache absorbs most lookups. Uncached lookups are held to
// Nominatim's 1 request/second usage policy.
type GeocodeClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter

	mu    sync.RWMutex
	cache map[string]*models.Location
}

// NewGeocodeClient builds the reverse-geocoding client.
func NewGeocodeClient(cfg *config.GeocodeConfig) *GeocodeClient {
	return &GeocodeClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		cache:   make(map[string]*models.Location),
	}
}

// ReverseGeocode resolves the coordinates to a place.
func (c *GeocodeClient) ReverseGeocode(ctx context.Context, coords models.Coordinates) (*models.Location, error) {
	key := cellKey(coords, geocodeCellPrecision)

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.NewSyncError(models.ErrKindNetwork, models.PhaseEnriching,
			"geocode_cancelled", err.Error())
	}

	loc, err := c.fetch(ctx, coords)
	if err != nil {
		metrics.EnrichmentRequests.WithLabelValues("geocode", "error").Inc()
		return nil, err
	}
	metrics.EnrichmentRequests.WithLabelValues("geocode", "ok").Inc()

	c.mu.Lock()
	c.cache[key] = loc
	c.mu.Unlock()
	return loc, nil
}

type geocodeResponse struct {
	Address struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"address"`
}

func (c *GeocodeClient) fetch(ctx context.Context, coords models.Coordinates) (*models.Location, error) {
	q := url.Values{
		"lat":    {strconv.FormatFloat(coords.Latitude, 'f', 5, 64)},
		"lon":    {strconv.FormatFloat(coords.Longitude, 'f', 5, 64)},
		"format": {"jsonv2"},
		"zoom":   {"10"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create geocode request: %w", err)
	}
	req.Header.Set("User-Agent", "stridesync/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.NewSyncError(models.ErrKindNetwork, models.PhaseEnriching,
			"geocode_unreachable", err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewSyncError(models.ErrKindRateLimit, models.PhaseEnriching,
			"geocode_rate_limited", "geocoder returned HTTP 429")
	case resp.StatusCode >= 500:
		return nil, models.NewSyncError(models.ErrKindTemporaryAPI, models.PhaseEnriching,
			"geocode_unavailable", fmt.Sprintf("geocoder returned HTTP %d", resp.StatusCode))
	default:
		return nil, models.NewSyncError(models.ErrKindInvalidData, models.PhaseEnriching,
			"geocode_bad_request", fmt.Sprintf("geocoder returned HTTP %d", resp.StatusCode))
	}

	var body geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, models.NewSyncError(models.ErrKindInvalidData, models.PhaseEnriching,
			"geocode_malformed", err.Error())
	}

	loc := &models.Location{}
	city := body.Address.City
	if city == "" {
		city = body.Address.Town
	}
	if city == "" {
		city = body.Address.Village
	}
	if city != "" {
		loc.City = &city
	}
	if body.Address.State != "" {
		state := body.Address.State
		loc.State = &state
	}
	if body.Address.Country != "" {
		country := body.Address.Country
		loc.Country = &country
	}
	return loc, nil
}

func (c *GeocodeClient) cacheLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
