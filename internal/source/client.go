// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package source implements the paginated client over the external activity
// API. The client owns client-side rate limiting, HTTP 429 backoff with
// Retry-After honoring, circuit breaking, and dedup by external id.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/strideworks/stridesync/internal/config"
	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

const maxRateLimitRetries = 5

// Client fetches activity pages from the source API. Safe for concurrent use
// across sessions; the rate limiter and circuit breaker are shared so the
// process respects one provider budget.
type Client struct {
	baseURL string
	perPage int

	tokens  TokenProvider
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[*Page]

	retryBaseDelay time.Duration
}

// NewClient builds the source API client from configuration.
func NewClient(cfg *config.SourceConfig, tokens TokenProvider) *Client {
	// Spread the per-window budget into a steady request rate with a small
	// burst allowance for page bursts at sync start.
	limit := rate.Limit(float64(cfg.RequestsPerWindow) / cfg.Window.Seconds())
	burst := cfg.RequestsPerWindow / 10
	if burst < 1 {
		burst = 1
	}

	cb := gobreaker.NewCircuitBreaker[*Page](gobreaker.Settings{
		Name:        "source-api",
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
				Msg("Source API circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Auth and data errors are the caller's problem, not provider
			// health; only provider-side failures should trip the breaker.
			var se *models.SyncError
			if errors.As(err, &se) {
				switch se.Kind {
				case models.ErrKindAuthentication, models.ErrKindPermission, models.ErrKindInvalidData:
					return true
				}
			}
			return err == nil
		},
	})

	return &Client{
		baseURL:        cfg.BaseURL,
		perPage:        cfg.PerPage,
		tokens:         tokens,
		client:         &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(limit, burst),
		cb:             cb,
		retryBaseDelay: time.Second,
	}
}

// PerPage returns the configured page size.
func (c *Client) PerPage() int {
	return c.perPage
}

// FetchPage retrieves one page of the user's activities. Pages are requested
// in increasing page order; HasMore is derived from the returned page being
// full.
func (c *Client) FetchPage(ctx context.Context, userID string, params models.PageParams) (*Page, error) {
	return c.cb.Execute(func() (*Page, error) {
		return c.fetchPage(ctx, userID, params)
	})
}

func (c *Client) fetchPage(ctx context.Context, userID string, params models.PageParams) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, ctx.Err()
	}

	token, err := c.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	perPage := params.PerPage
	if perPage <= 0 {
		perPage = c.perPage
	}
	page := params.Page
	if page <= 0 {
		page = 1
	}

	q := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}
	if !params.After.IsZero() {
		q.Set("after", strconv.FormatInt(params.After.Unix(), 10))
	}
	if !params.Before.IsZero() {
		q.Set("before", strconv.FormatInt(params.Before.Unix(), 10))
	}
	reqURL := c.baseURL + "/athlete/activities?" + q.Encode()

	resp, err := c.doRequestWithRateLimit(ctx, reqURL, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	metrics.SourceAPIRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewSyncError(models.ErrKindNetwork, models.PhaseFetching,
			"read_failed", err.Error())
	}

	result, err := c.parsePage(body, userID, page, perPage, params)
	if err != nil {
		return nil, err
	}
	if total := resp.Header.Get("X-Total-Count"); total != "" {
		if n, err := strconv.Atoi(total); err == nil && n >= 0 {
			result.EstimatedTotal = n
		}
	}

	logging.Ctx(ctx).Debug().
		Str("user_id", userID).
		Int("page", page).
		Int("activities", len(result.Activities)).
		Bool("has_more", result.HasMore).
		Msg("Fetched activity page")
	return result, nil
}

func (c *Client) parsePage(body []byte, userID string, page, perPage int, params models.PageParams) (*Page, error) {
	rawItems, err := decodeActivities(body)
	if err != nil {
		return nil, models.NewSyncError(models.ErrKindInvalidData, models.PhaseFetching,
			"malformed_page", err.Error())
	}

	result := &Page{
		HasMore: len(rawItems) == perPage,
		Next: models.PageParams{
			Page:    page + 1,
			PerPage: perPage,
			After:   params.After,
			Before:  params.Before,
		},
	}

	// Dedup by external id within the page; the provider occasionally
	// repeats an item at a page boundary.
	seen := make(map[string]bool, len(rawItems))
	for _, raw := range rawItems {
		var wire apiActivity
		if err := json.Unmarshal(raw, &wire); err != nil {
			result.Failed = append(result.Failed,
				models.NewSyncError(models.ErrKindInvalidData, models.PhaseFetching,
					"malformed_activity", err.Error()))
			continue
		}
		activity, err := wire.toModel(userID, raw)
		if err != nil {
			result.Failed = append(result.Failed,
				models.NewSyncError(models.ErrKindInvalidData, models.PhaseFetching,
					"invalid_activity", err.Error()))
			continue
		}
		if seen[activity.ExternalID] {
			continue
		}
		seen[activity.ExternalID] = true
		result.Activities = append(result.Activities, activity)
	}
	return result, nil
}

// doRequestWithRateLimit performs the request with automatic HTTP 429
// handling: exponential backoff, honoring Retry-After when present, with a
// cancellable wait.
func (c *Client) doRequestWithRateLimit(ctx context.Context, reqURL, token string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRateLimitRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, models.NewSyncError(models.ErrKindNetwork, models.PhaseFetching,
				"request_failed", err.Error())
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		_ = resp.Body.Close()
		metrics.SourceAPIRateLimited.Inc()

		if attempt == maxRateLimitRetries {
			lastErr = models.NewSyncError(models.ErrKindRateLimit, models.PhaseFetching,
				"rate_limit_exhausted",
				fmt.Sprintf("rate limit still exceeded after %d retries", maxRateLimitRetries))
			break
		}

		delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
		// Retry-After (RFC 6585) wins over computed backoff.
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
				delay = time.Duration(seconds) * time.Second
			}
		}

		logging.Ctx(ctx).Warn().
			Dur("delay", delay).
			Int("attempt", attempt+1).
			Msg("Source API rate limited, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

func classifyStatus(status int) *models.SyncError {
	msg := fmt.Sprintf("source API returned HTTP %d", status)
	switch {
	case status == http.StatusUnauthorized:
		return models.NewSyncError(models.ErrKindAuthentication, models.PhaseFetching, "unauthorized", msg)
	case status == http.StatusForbidden:
		return models.NewSyncError(models.ErrKindPermission, models.PhaseFetching, "forbidden", msg)
	case status == http.StatusPaymentRequired:
		return models.NewSyncError(models.ErrKindQuotaExceeded, models.PhaseFetching, "quota_exceeded", msg)
	case status >= 500:
		return models.NewSyncError(models.ErrKindTemporaryAPI, models.PhaseFetching, "server_error", msg)
	case status >= 400:
		return models.NewSyncError(models.ErrKindInvalidData, models.PhaseFetching, "bad_request", msg)
	default:
		return models.NewSyncError(models.ErrKindUnknown, models.PhaseFetching, "unexpected_status", msg)
	}
}
