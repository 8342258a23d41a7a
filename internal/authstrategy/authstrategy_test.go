package authstrategy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRefreshTokenReusesUnexpiredToken(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new", ExpiresIn: "3600"})
	}))
	defer server.Close()

	s, err := New(ProviderGoogle, "client", "secret", OAuthConfig{
		AccessToken:  "cached",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, WithTokenURL(server.URL))
	if err != nil {
		t.Fatalf("unexpected error constructing strategy: %v", err)
	}

	token, err := s.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "cached" {
		t.Fatalf("expected the cached token to be reused, got %q", token)
	}
	if called {
		t.Fatal("a token with more than the early-expiry buffer of life left must not trigger a network refresh")
	}
}

func TestRefreshTokenCallsNetworkWhenNearExpiry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "refreshed", ExpiresIn: "3600"})
	}))
	defer server.Close()

	s, err := New(ProviderGitHub, "client", "secret", OAuthConfig{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(1 * time.Minute),
	}, WithTokenURL(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, err := s.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "refreshed" {
		t.Fatalf("expected refreshed token, got %q", token)
	}

	cfg := s.GetCurrentOAuthConfig()
	if cfg == nil || !cfg.Changed {
		t.Fatal("a successful refresh must mark the config changed")
	}

	s.MarkConfigAsPersisted()
	if s.GetCurrentOAuthConfig() != nil {
		t.Fatal("after MarkConfigAsPersisted, GetCurrentOAuthConfig must return nil until the next change")
	}
}

func TestRefreshTokenClassifiesHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	s, err := New(ProviderFigma, "client", "secret", OAuthConfig{
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, WithTokenURL(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = s.RefreshToken(context.Background())
	if err == nil {
		t.Fatal("expected an error for a non-2xx refresh response")
	}
	var rerr *RefreshError
	if !errors.As(err, &rerr) || rerr.Kind != "http" {
		t.Fatalf("expected a RefreshError of kind \"http\", got %v", err)
	}
}

func TestDynamicURLProviderRequiresExplicitTokenURL(t *testing.T) {
	_, err := New(ProviderZendesk, "client", "secret", OAuthConfig{})
	if err == nil {
		t.Fatal("Zendesk has no default token URL and must fail construction without WithTokenURL")
	}
}

func TestAPIKeyStrategyNeverRefreshesOverNetwork(t *testing.T) {
	s := NewAPIKeyStrategy("secret-key")
	token, err := s.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "secret-key" {
		t.Fatalf("expected the configured key back, got %q", token)
	}
	if s.GetCurrentOAuthConfig() != nil {
		t.Fatal("ApiKey strategy has no OAuth config to persist")
	}
}

func TestNewRejectsAPIKeyProvider(t *testing.T) {
	if _, err := New(ProviderAPIKey, "a", "b", OAuthConfig{}); err == nil {
		t.Fatal("ApiKey must be constructed via NewAPIKeyStrategy, not New")
	}
}
