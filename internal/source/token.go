// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/models"
)

// TokenProvider supplies a valid access token for a user, refreshing
// transparently when the stored token has expired. Failures surface as
// authentication errors and are not retried by the fetcher.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

// StaticTokenProvider returns a fixed token for every user. Used in tests
// and single-user deployments.
type StaticTokenProvider struct {
	Token string
}

func (p *StaticTokenProvider) GetValidAccessToken(_ context.Context, _ string) (string, error) {
	if p.Token == "" {
		return "", models.NewSyncError(models.ErrKindAuthentication, models.PhaseFetching,
			"no_token", "no access token configured")
	}
	return p.Token, nil
}

// UserTokens is one user's OAuth token set.
type UserTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenStore persists per-user OAuth tokens.
type TokenStore interface {
	GetTokens(ctx context.Context, userID string) (*UserTokens, error)
	SaveTokens(ctx context.Context, userID string, tokens *UserTokens) error
}

// RefreshingTokenProvider returns stored access tokens, refreshing them
// against the provider's OAuth endpoint shortly before expiry. Refreshes for
// the same user are serialized so concurrent batches do not race a refresh.
type RefreshingTokenProvider struct {
	store        TokenStore
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client

	mu sync.Mutex
}

// NewRefreshingTokenProvider builds a provider against the given OAuth token
// endpoint.
func NewRefreshingTokenProvider(store TokenStore, tokenURL, clientID, clientSecret string) *RefreshingTokenProvider {
	return &RefreshingTokenProvider{
		store:        store,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

// expiryMargin refreshes tokens a little early so a token never expires
// mid-page.
const expiryMargin = 2 * time.Minute

func (p *RefreshingTokenProvider) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tokens, err := p.store.GetTokens(ctx, userID)
	if err != nil {
		return "", models.NewSyncError(models.ErrKindAuthentication, models.PhaseFetching,
			"token_lookup_failed", err.Error())
	}
	if tokens == nil || tokens.RefreshToken == "" {
		return "", models.NewSyncError(models.ErrKindAuthentication, models.PhaseFetching,
			"not_connected", fmt.Sprintf("user %s has no stored credentials", userID))
	}

	if tokens.AccessToken != "" && time.Until(tokens.ExpiresAt) > expiryMargin {
		return tokens.AccessToken, nil
	}

	refreshed, err := p.refresh(ctx, tokens.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := p.store.SaveTokens(ctx, userID, refreshed); err != nil {
		// The refresh succeeded; losing the persisted copy costs one extra
		// refresh later, not the sync.
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Failed to persist refreshed tokens")
	}
	return refreshed.AccessToken, nil
}

func (p *RefreshingTokenProvider) refresh(ctx context.Context, refreshToken string) (*UserTokens, error) {
	form := url.Values{
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, models.NewSyncError(models.ErrKindNetwork, models.PhaseFetching,
			"refresh_unreachable", err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewSyncError(models.ErrKindAuthentication, models.PhaseFetching,
			"refresh_rejected", fmt.Sprintf("token endpoint returned HTTP %d", resp.StatusCode))
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, models.NewSyncError(models.ErrKindAuthentication, models.PhaseFetching,
			"refresh_malformed", err.Error())
	}
	if body.AccessToken == "" {
		return nil, models.NewSyncError(models.ErrKindAuthentication, models.PhaseFetching,
			"refresh_empty", "token endpoint returned no access token")
	}

	tokens := &UserTokens{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Unix(body.ExpiresAt, 0),
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}
