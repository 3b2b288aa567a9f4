// Package token implements the Token Provider of spec.md §4.7: it holds a
// bearer token, refreshing it proactively before expiry and on demand after
// a 401. The authorization-code flow that produces the initial token is out
// of scope (spec.md §1) — this package only consumes and refreshes it.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrMissingRefreshToken is returned when a refresh is attempted with no
// refresh token available.
var ErrMissingRefreshToken = errors.New("token: no refresh token available")

// ErrMissingOAuthClient is returned when ClientID is unset.
var ErrMissingOAuthClient = errors.New("token: missing OAuth client configuration")

// DefaultSkew is how far ahead of expiry a token is considered due for refresh.
const DefaultSkew = 60 * time.Second

// Token is the in-memory/on-disk token shape, matching the fields the
// remote API's OAuth token endpoint returns (spec.md §6).
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero value means "no known expiry"
	Scope        string
	TokenType    string
}

// Provider guards a Token behind a mutex and refreshes it against the
// remote OAuth token endpoint.
type Provider struct {
	mu     sync.Mutex
	tok    Token
	skew   time.Duration
	now    func() time.Time
	logger *slog.Logger

	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	// onRefresh, if set, is called after every successful refresh so callers
	// can persist the new token (mirrors tokenfile.Save in the teacher).
	onRefresh func(Token)
}

// Config bundles the Provider's constructor parameters.
type Config struct {
	Initial      Token
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Now          func() time.Time
	Logger       *slog.Logger
	OnRefresh    func(Token)
}

// NewProvider creates a Provider from the given initial token and OAuth client config.
func NewProvider(cfg Config) *Provider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Provider{
		tok:          cfg.Initial,
		skew:         DefaultSkew,
		now:          cfg.Now,
		logger:       cfg.Logger,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   cfg.HTTPClient,
		onRefresh:    cfg.OnRefresh,
	}
}

// Token returns a non-expired bearer token, refreshing proactively if the
// held token expires within skew. Satisfies diskapi.TokenSource.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	needsRefresh := p.needsRefreshLocked()
	tok := p.tok
	p.mu.Unlock()

	if !needsRefresh {
		return tok.AccessToken, nil
	}

	if err := p.RefreshNow(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tok.AccessToken, nil
}

func (p *Provider) needsRefreshLocked() bool {
	if p.tok.ExpiresAt.IsZero() {
		return false
	}

	return !p.tok.ExpiresAt.After(p.now().Add(p.skew))
}

// Current returns a copy of the currently held token without triggering a refresh.
func (p *Provider) Current() Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tok
}

// RefreshNow performs a refresh_token grant against the token endpoint,
// per spec.md §4.7 and §6. Preserves the previous refresh_token/scope/
// token_type when the server omits them in the response.
func (p *Provider) RefreshNow(ctx context.Context) error {
	p.mu.Lock()
	refreshToken := p.tok.RefreshToken
	p.mu.Unlock()

	if refreshToken == "" {
		return ErrMissingRefreshToken
	}

	if p.clientID == "" {
		return ErrMissingOAuthClient
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.clientID},
	}
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("token: building refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("token: refresh failed with HTTP %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}

	if decErr := json.NewDecoder(resp.Body).Decode(&body); decErr != nil {
		return fmt.Errorf("token: decoding refresh response: %w", decErr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.tok.AccessToken = body.AccessToken

	if body.RefreshToken != "" {
		p.tok.RefreshToken = body.RefreshToken
	}

	if body.Scope != "" {
		p.tok.Scope = body.Scope
	}

	if body.TokenType != "" {
		p.tok.TokenType = body.TokenType
	}

	if body.ExpiresIn > 0 {
		p.tok.ExpiresAt = p.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	} else {
		p.tok.ExpiresAt = time.Time{}
	}

	p.logger.Info("token refreshed", slog.Time("expires_at", p.tok.ExpiresAt))

	if p.onRefresh != nil {
		p.onRefresh(p.tok)
	}

	return nil
}
