package types

import (
	"strings"
	"time"
)

type IntegrationType string

const (
	IntegrationTypeSlack      IntegrationType = "slack"
	IntegrationTypeGoogle     IntegrationType = "google"
	IntegrationTypeMicrosoft  IntegrationType = "microsoft"
	IntegrationTypeSalesforce IntegrationType = "salesforce"
	IntegrationTypeHubspot    IntegrationType = "hubspot"
	IntegrationTypeZoom       IntegrationType = "zoom"
	IntegrationTypeTypeform   IntegrationType = "typeform"
	IntegrationTypeWebhook    IntegrationType = "webhook"
	IntegrationTypeAPI        IntegrationType = "api"
)

type AuthType string

const (
	AuthTypeOAuth2 AuthType = "oauth2"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeBasic  AuthType = "basic_auth"
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeNone   AuthType = "none"
)

type IntegrationStatus string

const (
	IntegrationStatusPending   IntegrationStatus = "pending"
	IntegrationStatusActive    IntegrationStatus = "active"
	IntegrationStatusError     IntegrationStatus = "error"
	IntegrationStatusDisabled  IntegrationStatus = "disabled"
	IntegrationStatusExpired   IntegrationStatus = "expired"
	IntegrationStatusSuspended IntegrationStatus = "suspended"
)

// IntegrationErrorThreshold is the number of recorded errors after which an
// integration is forced into the error status.
const IntegrationErrorThreshold = 10

type RateLimit struct {
	RequestsPerMinute int `json:"requestsPerMinute"`
	Burst             int `json:"burst,omitempty"`
}

// IntegrationMetadata is an immutable catalog entry describing one supported
// provider type. Entries are registered at startup and never mutated.
type IntegrationMetadata struct {
	Type               IntegrationType `json:"type"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Category           string          `json:"category"`
	Provider           string          `json:"provider"`
	DefaultAuthType    AuthType        `json:"defaultAuthType"`
	SupportedAuthTypes []AuthType      `json:"supportedAuthTypes"`
	DefaultConfig      map[string]any  `json:"defaultConfig,omitempty"`
	DefaultPermissions []string        `json:"defaultPermissions,omitempty"`
	SupportedFeatures  []string        `json:"supportedFeatures,omitempty"`
	RateLimit          *RateLimit      `json:"rateLimit,omitempty"`
}

func (m IntegrationMetadata) SupportsAuthType(authType AuthType) bool {
	for _, candidate := range m.SupportedAuthTypes {
		if candidate == authType {
			return true
		}
	}
	return false
}

// OAuthTokens is the normalized result of a token endpoint exchange.
type OAuthTokens struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	TokenType    string     `json:"tokenType,omitempty"`
	Scope        string     `json:"scope,omitempty"`
}

func (t OAuthTokens) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

type APIKeyCredentials struct {
	Key    string `json:"key"`
	Header string `json:"header,omitempty"`
}

type BasicCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type JWTCredentials struct {
	Token string `json:"token"`
}

// Credentials is a tagged union keyed by AuthType. Exactly one of the
// variant fields is set for a given auth type.
type Credentials struct {
	AuthType AuthType           `json:"authType"`
	OAuth    *OAuthTokens       `json:"oauth,omitempty"`
	APIKey   *APIKeyCredentials `json:"apiKey,omitempty"`
	Basic    *BasicCredentials  `json:"basic,omitempty"`
	JWT      *JWTCredentials    `json:"jwt,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.OAuth == nil && c.APIKey == nil && c.Basic == nil && c.JWT == nil
}

// Expired reports whether oauth2 credentials have passed their expiry.
// Non-oauth credentials never expire.
func (c Credentials) Expired(now time.Time) bool {
	if c.AuthType != AuthTypeOAuth2 || c.OAuth == nil {
		return false
	}
	return c.OAuth.Expired(now)
}

type Integration struct {
	ID             string            `json:"id"`
	Type           IntegrationType   `json:"type"`
	Name           string            `json:"name"`
	AuthType       AuthType          `json:"authType"`
	Status         IntegrationStatus `json:"status"`
	Enabled        bool              `json:"enabled"`
	Config         map[string]any    `json:"config,omitempty"`
	Credentials    Credentials       `json:"credentials,omitempty"`
	LastSync       *SyncSummary      `json:"lastSync,omitempty"`
	LastActivityAt *time.Time        `json:"lastActivityAt,omitempty"`
	ErrorCount     int               `json:"errorCount"`
	LastError      string            `json:"lastError,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// ConfigString returns a string-valued config key, empty when absent.
func (i *Integration) ConfigString(key string) string {
	if i.Config == nil {
		return ""
	}
	if raw, ok := i.Config[key]; ok {
		if s, ok := raw.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func (i *Integration) ConfigBool(key string) bool {
	if i.Config == nil {
		return false
	}
	b, _ := i.Config[key].(bool)
	return b
}

// FeatureEnabled checks the config "features" map for an enabled flag.
func (i *Integration) FeatureEnabled(feature string) bool {
	if i.Config == nil {
		return false
	}
	features, ok := i.Config["features"].(map[string]any)
	if !ok {
		return false
	}
	enabled, _ := features[feature].(bool)
	return enabled
}

// FieldMapping returns the configured canonical-key to provider-field table.
func (i *Integration) FieldMapping() map[string]string {
	if i.Config == nil {
		return nil
	}
	raw, ok := i.Config["fieldMapping"].(map[string]any)
	if !ok {
		return nil
	}
	mapping := make(map[string]string, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok && s != "" {
			mapping[key] = s
		}
	}
	return mapping
}
