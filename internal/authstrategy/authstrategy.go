// Package authstrategy implements the IAuthStrategy variant set of spec §4.4:
// one credential-refresh strategy per upstream provider, sharing a common
// capability set (getInitialToken, refreshToken, getCurrentOAuthConfig,
// markConfigAsPersisted, cleanup).
//
// Authorization-code exchange (the initial OAuth setup flow) is out of
// scope here: that is a collaborator the gateway calls once, at
// configuration time, and is not part of the live credential-refresh path
// these strategies implement.
package authstrategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Provider names the upstream's credential-refresh wire format.
type Provider string

const (
	ProviderAPIKey  Provider = "ApiKey"
	ProviderGoogle  Provider = "Google"
	ProviderNotion  Provider = "Notion"
	ProviderFigma   Provider = "Figma"
	ProviderGitHub  Provider = "GitHub"
	ProviderStripe  Provider = "Stripe"
	ProviderZendesk Provider = "Zendesk"
	ProviderCanvas  Provider = "Canvas"
	ProviderPeta    Provider = "Peta"
)

// authMethod selects how client credentials are attached to the refresh request.
type authMethod int

const (
	authMethodBody authMethod = iota
	authMethodBasic
)

// contentType selects the refresh request's body encoding.
type contentType int

const (
	contentTypeForm contentType = iota
	contentTypeJSON
)

// earlyExpiryBuffer: a token is reused without a network call while
// expiresAt - now > this buffer.
const earlyExpiryBuffer = 5 * time.Minute

// OAuthConfig is the cached, possibly-dirty credential state for one
// Server Context. GetCurrentOAuthConfig only returns non-nil when Changed
// is true, so callers can skip no-op persistence writes.
type OAuthConfig struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Changed      bool
}

// IAuthStrategy is the common capability set every provider variant exposes.
type IAuthStrategy interface {
	GetInitialToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	GetCurrentOAuthConfig() *OAuthConfig
	MarkConfigAsPersisted()
	Cleanup() error
}

// providerSpec captures one provider's wire-specific refresh request shape.
type providerSpec struct {
	tokenURL      string // empty for dynamic-URL providers (Zendesk, Canvas): caller must set via WithTokenURL
	method        authMethod
	content       contentType
	defaultExpiry time.Duration // used when the refresh response omits expires_in
}

var providerSpecs = map[Provider]providerSpec{
	ProviderGoogle:  {tokenURL: "https://oauth2.googleapis.com/token", method: authMethodBody, content: contentTypeForm, defaultExpiry: time.Hour},
	ProviderNotion:  {tokenURL: "https://api.notion.com/v1/oauth/token", method: authMethodBasic, content: contentTypeJSON, defaultExpiry: 0}, // Notion tokens don't expire
	ProviderFigma:   {tokenURL: "https://www.figma.com/api/oauth/refresh", method: authMethodBody, content: contentTypeForm, defaultExpiry: 90 * 24 * time.Hour},
	ProviderGitHub:  {tokenURL: "https://github.com/login/oauth/access_token", method: authMethodBody, content: contentTypeForm, defaultExpiry: 8 * time.Hour},
	ProviderStripe:  {tokenURL: "https://connect.stripe.com/oauth/token", method: authMethodBody, content: contentTypeForm, defaultExpiry: 0}, // Stripe Connect tokens don't expire
	ProviderZendesk: {method: authMethodBody, content: contentTypeForm, defaultExpiry: 0},
	ProviderCanvas:  {method: authMethodBody, content: contentTypeForm, defaultExpiry: time.Hour},
	ProviderPeta:    {tokenURL: "https://api.peta.dev/oauth/token", method: authMethodBody, content: contentTypeJSON, defaultExpiry: time.Hour},
}

// tokenResponse is the common shape of a provider's refresh response; not
// every provider populates every field.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	TokenType    string      `json:"token_type"`
}

// oauthStrategy is the generic refresh-capable strategy shared by every
// OAuth provider; providers differ only in their providerSpec.
type oauthStrategy struct {
	provider     Provider
	spec         providerSpec
	clientID     string
	clientSecret string
	tokenURL     string // resolved, may override spec.tokenURL for dynamic-URL providers
	httpClient   *http.Client

	mu      sync.Mutex
	cfg     OAuthConfig
	changed bool
}

// Option configures a New call.
type Option func(*oauthStrategy)

// WithTokenURL overrides the provider's token URL, required for
// instance-scoped providers (Zendesk, Canvas) whose URL is tenant-specific.
func WithTokenURL(tokenURL string) Option {
	return func(s *oauthStrategy) { s.tokenURL = tokenURL }
}

// WithHTTPClient overrides the default HTTP client (tests, custom timeouts).
func WithHTTPClient(c *http.Client) Option {
	return func(s *oauthStrategy) { s.httpClient = c }
}

// New constructs the IAuthStrategy for provider, seeded with its cached
// OAuth state. ApiKey has no refresh capability; use NewAPIKeyStrategy instead.
func New(provider Provider, clientID, clientSecret string, cfg OAuthConfig, opts ...Option) (IAuthStrategy, error) {
	if provider == ProviderAPIKey {
		return nil, fmt.Errorf("authstrategy: provider ApiKey has no refresh strategy, use NewAPIKeyStrategy")
	}
	spec, ok := providerSpecs[provider]
	if !ok {
		return nil, fmt.Errorf("authstrategy: unknown provider %q", provider)
	}

	s := &oauthStrategy{
		provider:     provider,
		spec:         spec,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     spec.tokenURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		cfg:          cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokenURL == "" {
		return nil, fmt.Errorf("authstrategy: provider %q requires an explicit token URL (WithTokenURL)", provider)
	}
	return s, nil
}

// GetInitialToken returns the strategy's already-configured access token.
// Obtaining it in the first place is the authorization-code exchange
// collaborator's job, not this strategy's.
func (s *oauthStrategy) GetInitialToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.AccessToken == "" {
		return "", fmt.Errorf("authstrategy: %s has no initial token configured", s.provider)
	}
	return s.cfg.AccessToken, nil
}

// RefreshToken returns a valid access token, reusing the cached one if it
// has more than the early-expiry buffer of life left, and refreshing over
// the network otherwise.
func (s *oauthStrategy) RefreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if !s.cfg.ExpiresAt.IsZero() && time.Until(s.cfg.ExpiresAt) > earlyExpiryBuffer {
		token := s.cfg.AccessToken
		s.mu.Unlock()
		return token, nil
	}
	refreshToken := s.cfg.RefreshToken
	s.mu.Unlock()

	if refreshToken == "" {
		return "", fmt.Errorf("authstrategy: %s has no refresh token cached", s.provider)
	}

	resp, err := s.doRefresh(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("authstrategy: %s refresh failed: %w", s.provider, err)
	}

	expiresIn := s.spec.defaultExpiry
	if resp.ExpiresIn != "" {
		if secs, err := resp.ExpiresIn.Int64(); err == nil {
			expiresIn = time.Duration(secs) * time.Second
		}
	}

	s.mu.Lock()
	s.cfg.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		s.cfg.RefreshToken = resp.RefreshToken
	}
	if expiresIn > 0 {
		s.cfg.ExpiresAt = time.Now().Add(expiresIn)
	} else {
		s.cfg.ExpiresAt = time.Time{}
	}
	s.changed = true
	token := s.cfg.AccessToken
	s.mu.Unlock()

	return token, nil
}

func (s *oauthStrategy) doRefresh(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	params := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	if s.spec.method == authMethodBody {
		params["client_id"] = s.clientID
		params["client_secret"] = s.clientSecret
	}

	var body *bytes.Reader
	var ctype string
	switch s.spec.content {
	case contentTypeJSON:
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
		ctype = "application/json"
	default:
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body = bytes.NewReader([]byte(form.Encode()))
		ctype = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Accept", "application/json")
	if s.spec.method == authMethodBasic {
		req.SetBasicAuth(s.clientID, s.clientSecret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, classifyError("http", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, classifyError("http", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, classifyError("parse", err)
	}
	if tr.AccessToken == "" {
		return nil, classifyError("parse", fmt.Errorf("refresh response had no access_token"))
	}
	return &tr, nil
}

// RefreshError classifies a failure as http | parse | unknown_provider, per
// the authorization-code exchange router's error taxonomy (spec §4.4),
// reused here since the failure modes are the same.
type RefreshError struct {
	Kind string // "http", "parse", "unknown_provider"
	Err  error
}

func (e *RefreshError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *RefreshError) Unwrap() error { return e.Err }

func classifyError(kind string, err error) error {
	return &RefreshError{Kind: kind, Err: err}
}

// GetCurrentOAuthConfig returns the cached config only if it has changed
// since the last MarkConfigAsPersisted, so callers can skip no-op writes.
func (s *oauthStrategy) GetCurrentOAuthConfig() *OAuthConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.changed {
		return nil
	}
	cfg := s.cfg
	cfg.Changed = true
	return &cfg
}

// MarkConfigAsPersisted clears the dirty flag after the caller has written
// GetCurrentOAuthConfig's result.
func (s *oauthStrategy) MarkConfigAsPersisted() {
	s.mu.Lock()
	s.changed = false
	s.mu.Unlock()
}

// Cleanup is a no-op for OAuth strategies; nothing to release.
func (s *oauthStrategy) Cleanup() error { return nil }

// APIKeyStrategy is the no-refresh variant: the configured key never expires
// from the gateway's point of view.
type APIKeyStrategy struct {
	apiKey string
}

// NewAPIKeyStrategy constructs the ApiKey variant.
func NewAPIKeyStrategy(apiKey string) *APIKeyStrategy {
	return &APIKeyStrategy{apiKey: apiKey}
}

func (a *APIKeyStrategy) GetInitialToken(ctx context.Context) (string, error) {
	if a.apiKey == "" {
		return "", fmt.Errorf("authstrategy: ApiKey strategy has no key configured")
	}
	return a.apiKey, nil
}

func (a *APIKeyStrategy) RefreshToken(ctx context.Context) (string, error) {
	return a.GetInitialToken(ctx)
}

func (a *APIKeyStrategy) GetCurrentOAuthConfig() *OAuthConfig { return nil }
func (a *APIKeyStrategy) MarkConfigAsPersisted()              {}
func (a *APIKeyStrategy) Cleanup() error                      { return nil }
