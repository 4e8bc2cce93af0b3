package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crmhub/internal/types"
)

const requestTimeout = 10 * time.Second

var (
	// ErrAuthExchange is returned when the provider's token response carries
	// no access token.
	ErrAuthExchange = errors.New("token exchange returned no access token")

	// ErrMissingRefreshToken is returned by Refresh when the stored
	// credentials have no refresh token to present.
	ErrMissingRefreshToken = errors.New("no refresh token stored")

	// ErrTokenRefresh wraps provider-side refresh failures.
	ErrTokenRefresh = errors.New("token refresh failed")

	// ErrNoEndpoints is returned when an integration type has no OAuth
	// endpoint configuration.
	ErrNoEndpoints = errors.New("no oauth endpoints configured for integration type")
)

// Manager drives the OAuth credential lifecycle: code exchange, refresh,
// revocation and validation against per-type provider endpoints.
type Manager struct {
	endpoints map[types.IntegrationType]Endpoints
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		endpoints: DefaultEndpoints(),
		client:    &http.Client{Timeout: requestTimeout},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterEndpoints overrides or adds the endpoint set for one type.
func (m *Manager) RegisterEndpoints(integrationType types.IntegrationType, endpoints Endpoints) {
	m.endpoints[integrationType] = endpoints
}

func (m *Manager) endpointsFor(integration *types.Integration) (Endpoints, error) {
	endpoints, ok := m.endpoints[integration.Type]
	if !ok {
		return Endpoints{}, fmt.Errorf("%w: %s", ErrNoEndpoints, integration.Type)
	}
	return endpoints, nil
}

// AuthURL builds the authorization-code redirect URL. The state value is
// used later to correlate the provider callback with the integration id.
func (m *Manager) AuthURL(integration *types.Integration, state string) (string, error) {
	endpoints, err := m.endpointsFor(integration)
	if err != nil {
		return "", err
	}

	clientID := integration.ConfigString("clientId")
	if clientID == "" {
		return "", errors.New("clientId is not configured")
	}

	scopes := endpoints.DefaultScopes
	if configured := integration.ConfigString("scopes"); configured != "" {
		scopes = strings.Fields(configured)
	}

	query := url.Values{}
	query.Set("client_id", clientID)
	query.Set("redirect_uri", integration.ConfigString("redirectUri"))
	query.Set("response_type", "code")
	query.Set("scope", strings.Join(scopes, " "))
	query.Set("state", state)

	return endpoints.AuthURL + "?" + query.Encode(), nil
}

// ExchangeCode trades an authorization code for tokens and normalizes the
// provider's response shape into OAuthTokens.
func (m *Manager) ExchangeCode(ctx context.Context, integration *types.Integration, code string) (types.OAuthTokens, error) {
	endpoints, err := m.endpointsFor(integration)
	if err != nil {
		return types.OAuthTokens{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", integration.ConfigString("clientId"))
	form.Set("client_secret", integration.ConfigString("clientSecret"))
	form.Set("redirect_uri", integration.ConfigString("redirectUri"))

	tokens, err := m.postTokenRequest(ctx, endpoints.TokenURL, form)
	if err != nil {
		return types.OAuthTokens{}, fmt.Errorf("exchange code: %w", err)
	}
	return tokens, nil
}

// Refresh issues a refresh_token grant. When the provider does not rotate
// the refresh token, the previous one is kept.
func (m *Manager) Refresh(ctx context.Context, integration *types.Integration) (types.OAuthTokens, error) {
	endpoints, err := m.endpointsFor(integration)
	if err != nil {
		return types.OAuthTokens{}, err
	}

	existing := integration.Credentials.OAuth
	if existing == nil || existing.RefreshToken == "" {
		return types.OAuthTokens{}, ErrMissingRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", existing.RefreshToken)
	form.Set("client_id", integration.ConfigString("clientId"))
	form.Set("client_secret", integration.ConfigString("clientSecret"))

	tokens, err := m.postTokenRequest(ctx, endpoints.TokenURL, form)
	if err != nil {
		return types.OAuthTokens{}, fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = existing.RefreshToken
	}
	return tokens, nil
}

// Revoke tells the provider to invalidate the access token. Revocation is
// not safety-critical, so failures are logged and swallowed.
func (m *Manager) Revoke(ctx context.Context, integration *types.Integration) error {
	endpoints, err := m.endpointsFor(integration)
	if err != nil {
		return nil
	}
	if endpoints.RevokeURL == "" || integration.Credentials.OAuth == nil {
		return nil
	}

	form := url.Values{}
	form.Set("token", integration.Credentials.OAuth.AccessToken)
	form.Set("client_id", integration.ConfigString("clientId"))
	form.Set("client_secret", integration.ConfigString("clientSecret"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoints.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("token revoke failed", "integrationId", integration.ID, "type", integration.Type, "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.logger.Warn("token revoke rejected", "integrationId", integration.ID, "type", integration.Type, "status", resp.StatusCode)
	}
	return nil
}

// Validate reports whether the stored credentials are currently usable.
func (m *Manager) Validate(ctx context.Context, integration *types.Integration) bool {
	tokens := integration.Credentials.OAuth
	if tokens == nil || tokens.AccessToken == "" {
		return false
	}
	if tokens.Expired(m.now()) {
		return false
	}

	endpoints, err := m.endpointsFor(integration)
	if err != nil || endpoints.ProbeURL == "" {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoints.ProbeURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// tokenResponse accepts both snake_case and camelCase provider shapes.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	AccessTokenAlt  string `json:"accessToken"`
	RefreshToken    string `json:"refresh_token"`
	RefreshTokenAlt string `json:"refreshToken"`
	ExpiresIn       int64  `json:"expires_in"`
	ExpiresInAlt    int64  `json:"expiresIn"`
	TokenType       string `json:"token_type"`
	Scope           string `json:"scope"`
}

func (m *Manager) postTokenRequest(ctx context.Context, tokenURL string, form url.Values) (types.OAuthTokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return types.OAuthTokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return types.OAuthTokens{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return types.OAuthTokens{}, err
	}
	if resp.StatusCode >= 300 {
		return types.OAuthTokens{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return types.OAuthTokens{}, fmt.Errorf("decode token response: %w", err)
	}

	accessToken := parsed.AccessToken
	if accessToken == "" {
		accessToken = parsed.AccessTokenAlt
	}
	if accessToken == "" {
		return types.OAuthTokens{}, ErrAuthExchange
	}

	refreshToken := parsed.RefreshToken
	if refreshToken == "" {
		refreshToken = parsed.RefreshTokenAlt
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn == 0 {
		expiresIn = parsed.ExpiresInAlt
	}

	tokens := types.OAuthTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    parsed.TokenType,
		Scope:        parsed.Scope,
	}
	if expiresIn > 0 {
		expiresAt := m.now().Add(time.Duration(expiresIn) * time.Second)
		tokens.ExpiresAt = &expiresAt
	}
	return tokens, nil
}
