package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// tokenEarlyExpiry refreshes access tokens this long before they expire.
const tokenEarlyExpiry = 5 * time.Minute

// refreshingTokenSource hands out a cached access token obtained from a
// long-lived refresh token. Invalidate drops the cached token so the next
// call refreshes even if the old one has not expired yet.
type refreshingTokenSource struct {
	ctx context.Context
	cfg *oauth2.Config
	now func() time.Time

	mu      sync.Mutex
	refresh string
	tok     *oauth2.Token
}

func newRefreshingTokenSource(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*refreshingTokenSource, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is empty")
	}
	return &refreshingTokenSource{ctx: ctx, cfg: cfg, refresh: refreshToken, now: time.Now}, nil
}

func driveOAuthConfig(clientID, clientSecret string, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}
}

func (ts *refreshingTokenSource) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || ts.now().Add(tokenEarlyExpiry).Before(tok.Expiry)
}

func (ts *refreshingTokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.fresh(ts.tok) {
		return ts.tok, nil
	}
	// A token without an access token always refreshes.
	tok, err := ts.cfg.TokenSource(ts.ctx, &oauth2.Token{RefreshToken: ts.refresh}).Token()
	if err != nil {
		return nil, err
	}
	// Google may rotate the refresh token.
	if tok.RefreshToken != "" {
		ts.refresh = tok.RefreshToken
	}
	ts.tok = tok
	return tok, nil
}

func (ts *refreshingTokenSource) Invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.mu.Unlock()
}
