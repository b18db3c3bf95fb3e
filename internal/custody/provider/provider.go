// Package provider calls external OAuth providers to exchange refresh tokens
// for new access tokens. The remote endpoint is treated as untrusted and
// unreliable: every call carries a deadline and is never assumed idempotent.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/okonek/tokenvault/internal/custody/storage"
	apperrors "github.com/okonek/tokenvault/internal/platform/errors"
)

// Grant is the result of one successful refresh exchange. RefreshToken is
// empty when the provider does not rotate refresh tokens.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Exchanger performs the provider refresh round-trip.
type Exchanger interface {
	Refresh(ctx context.Context, provider storage.Provider, refreshToken string) (Grant, error)
}

// Endpoint holds the token-endpoint configuration for one provider.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Config maps providers to their token endpoints.
type Config struct {
	Endpoints map[storage.Provider]Endpoint
}

type providerEnv struct {
	GoogleTokenURL        string `env:"TOKENVAULT_GOOGLE_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	GoogleClientID        string `env:"TOKENVAULT_GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string `env:"TOKENVAULT_GOOGLE_CLIENT_SECRET"`
	MicrosoftTokenURL     string `env:"TOKENVAULT_MICROSOFT_TOKEN_URL" envDefault:"https://login.microsoftonline.com/common/oauth2/v2.0/token"`
	MicrosoftClientID     string `env:"TOKENVAULT_MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"TOKENVAULT_MICROSOFT_CLIENT_SECRET"`
}

// LoadConfigFromEnv loads provider endpoints from environment variables.
// Providers without a client id are omitted.
func LoadConfigFromEnv() (Config, error) {
	var raw providerEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, apperrors.Wrap(apperrors.CodeConfiguration, "parse provider env", err)
	}

	endpoints := make(map[storage.Provider]Endpoint)
	if raw.GoogleClientID != "" {
		endpoints[storage.ProviderGoogle] = Endpoint{
			TokenURL:     raw.GoogleTokenURL,
			ClientID:     raw.GoogleClientID,
			ClientSecret: raw.GoogleClientSecret,
		}
	}
	if raw.MicrosoftClientID != "" {
		endpoints[storage.ProviderMicrosoft] = Endpoint{
			TokenURL:     raw.MicrosoftTokenURL,
			ClientID:     raw.MicrosoftClientID,
			ClientSecret: raw.MicrosoftClientSecret,
		}
	}
	return Config{Endpoints: endpoints}, nil
}

// HTTPExchanger implements Exchanger against real provider token endpoints.
type HTTPExchanger struct {
	config     Config
	httpClient *http.Client
	clock      func() time.Time
}

// NewHTTPExchanger builds an exchanger. A nil client falls back to a default
// with a conservative timeout; the per-call deadline still governs.
func NewHTTPExchanger(config Config, client *http.Client) *HTTPExchanger {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExchanger{config: config, httpClient: client, clock: time.Now}
}

func (e *HTTPExchanger) meta(provider storage.Provider) map[string]string {
	return map[string]string{"provider": string(provider), "operation": "refresh"}
}

// Refresh posts a refresh_token grant to the provider token endpoint.
func (e *HTTPExchanger) Refresh(ctx context.Context, provider storage.Provider, refreshToken string) (Grant, error) {
	if e == nil || e.httpClient == nil {
		return Grant{}, apperrors.New(apperrors.CodeConfiguration, "provider exchanger is not configured")
	}
	endpoint, ok := e.config.Endpoints[provider]
	if !ok {
		return Grant{}, apperrors.WithMetadata(apperrors.CodeConfiguration,
			"provider has no token endpoint configured", e.meta(provider))
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", endpoint.ClientID)
	form.Set("client_secret", endpoint.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Grant{}, apperrors.WrapWithMetadata(apperrors.CodeProviderFailure, "build refresh request", e.meta(provider), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Grant{}, apperrors.WrapWithMetadata(apperrors.CodeProviderFailure, "refresh call failed", e.meta(provider), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&oauthErr)
		meta := e.meta(provider)
		meta["status"] = resp.Status
		if oauthErr.Error != "" {
			meta["oauth_error"] = oauthErr.Error
		}
		return Grant{}, apperrors.WithMetadata(apperrors.CodeProviderFailure, "refresh rejected by provider", meta)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Grant{}, apperrors.WrapWithMetadata(apperrors.CodeProviderFailure, "decode refresh response", e.meta(provider), err)
	}
	if payload.AccessToken == "" {
		return Grant{}, apperrors.WithMetadata(apperrors.CodeProviderFailure, "refresh response missing access token", e.meta(provider))
	}

	grant := Grant{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if payload.ExpiresIn > 0 {
		grant.ExpiresAt = e.clock().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	if scope := strings.TrimSpace(payload.Scope); scope != "" {
		grant.Scopes = strings.Fields(scope)
	}
	return grant, nil
}
