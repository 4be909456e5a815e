// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package enrich augments fetched activities with weather and location data
// looked up by coordinate and timestamp. Enrichment is best-effort: per-item
// failures are recorded on the activity and never block the batch or the
// subsequent store.
package enrich

import (
	"context"
	"time"

	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

// WeatherProvider looks up point-in-time conditions.
type WeatherProvider interface {
	WeatherAt(ctx context.Context, coords models.Coordinates, t time.Time) (*models.Weather, error)
}

// Geocoder resolves coordinates to a place.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, coords models.Coordinates) (*models.Location, error)
}

// Options adjusts enrichment per sync request.
type Options struct {
	SkipWeather bool
	SkipGeocode bool
}

// BatchResult summarizes one enrichment pass over a page.
type BatchResult struct {
	// Enriched counts activities that received at least one enrichment.
	Enriched int

	// Skipped counts activities without coordinates; they pass through
	// untouched and are not failures.
	Skipped int

	// Failed lists external ids whose enrichment errored entirely. The
	// activities are still stored, un-enriched.
	Failed []string
}

// Service runs the enrichment phase over batches of activities.
type Service struct {
	weather WeatherProvider
	geocode Geocoder
}

// NewService builds the enrichment service. Either provider may be nil, in
// which case that enrichment is disabled globally.
func NewService(weather WeatherProvider, geocode Geocoder) *Service {
	return &Service{weather: weather, geocode: geocode}
}

// EnrichBatch augments the batch in place. Activities without a start
// coordinate are skipped. A provider failure for one activity marks that
// activity and moves on; the batch itself never fails.
func (s *Service) EnrichBatch(ctx context.Context, activities []*models.EnrichedActivity, opts Options) *BatchResult {
	start := time.Now()
	result := &BatchResult{}

	for _, a := range activities {
		if err := ctx.Err(); err != nil {
			// Cancellation between items: remaining activities pass through
			// un-enriched and will be picked up by a resumed session.
			break
		}

		if !a.HasCoordinates() {
			result.Skipped++
			continue
		}

		enriched := false
		if s.weather != nil && !opts.SkipWeather {
			if s.enrichWeather(ctx, a) {
				enriched = true
			}
		}
		if s.geocode != nil && !opts.SkipGeocode {
			if s.enrichLocation(ctx, a) {
				enriched = true
			}
		}

		if enriched {
			result.Enriched++
		} else if len(a.Enrichment.Errors) > 0 {
			result.Failed = append(result.Failed, a.ExternalID)
		} else {
			result.Skipped++
		}
	}

	metrics.RecordBatch(string(models.PhaseEnriching), time.Since(start),
		result.Enriched, len(result.Failed), result.Skipped)
	return result
}

func (s *Service) enrichWeather(ctx context.Context, a *models.EnrichedActivity) bool {
	w, err := s.weather.WeatherAt(ctx, *a.StartCoords, a.StartTime)
	if err != nil {
		a.Enrichment.Errors = append(a.Enrichment.Errors, "weather: "+err.Error())
		logging.Ctx(ctx).Debug().
			Err(err).
			Str("external_id", a.ExternalID).
			Msg("Weather enrichment failed for activity")
		return false
	}
	a.Weather = *w
	a.Enrichment.Weather = true
	return true
}

func (s *Service) enrichLocation(ctx context.Context, a *models.EnrichedActivity) bool {
	loc, err := s.geocode.ReverseGeocode(ctx, *a.StartCoords)
	if err != nil {
		a.Enrichment.Errors = append(a.Enrichment.Errors, "geocode: "+err.Error())
		logging.Ctx(ctx).Debug().
			Err(err).
			Str("external_id", a.ExternalID).
			Msg("Reverse geocoding failed for activity")
		return false
	}
	a.Location = *loc
	a.Enrichment.Geocoded = true
	return true
}
