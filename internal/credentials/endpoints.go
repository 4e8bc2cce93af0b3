package credentials

import "crmhub/internal/types"

// Endpoints describes one provider's OAuth surface. The token endpoint is
// chosen by integration type, never per call site.
type Endpoints struct {
	AuthURL   string
	TokenURL  string
	RevokeURL string
	// ProbeURL is a cheap authenticated identity endpoint used by Validate.
	// Providers without one are assumed valid while unexpired.
	ProbeURL      string
	DefaultScopes []string
}

// DefaultEndpoints returns the built-in provider endpoint table.
func DefaultEndpoints() map[types.IntegrationType]Endpoints {
	return map[types.IntegrationType]Endpoints{
		types.IntegrationTypeSlack: {
			AuthURL:       "https://slack.com/oauth/v2/authorize",
			TokenURL:      "https://slack.com/api/oauth.v2.access",
			RevokeURL:     "https://slack.com/api/auth.revoke",
			ProbeURL:      "https://slack.com/api/auth.test",
			DefaultScopes: []string{"channels:read", "chat:write", "users:read"},
		},
		types.IntegrationTypeGoogle: {
			AuthURL:       "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:      "https://oauth2.googleapis.com/token",
			RevokeURL:     "https://oauth2.googleapis.com/revoke",
			ProbeURL:      "https://www.googleapis.com/oauth2/v2/userinfo",
			DefaultScopes: []string{"https://www.googleapis.com/auth/contacts.readonly"},
		},
		types.IntegrationTypeMicrosoft: {
			AuthURL:       "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL:      "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			ProbeURL:      "https://graph.microsoft.com/v1.0/me",
			DefaultScopes: []string{"offline_access", "Contacts.Read"},
		},
		types.IntegrationTypeSalesforce: {
			AuthURL:       "https://login.salesforce.com/services/oauth2/authorize",
			TokenURL:      "https://login.salesforce.com/services/oauth2/token",
			RevokeURL:     "https://login.salesforce.com/services/oauth2/revoke",
			ProbeURL:      "https://login.salesforce.com/services/oauth2/userinfo",
			DefaultScopes: []string{"api", "refresh_token"},
		},
		types.IntegrationTypeHubspot: {
			AuthURL:       "https://app.hubspot.com/oauth/authorize",
			TokenURL:      "https://api.hubapi.com/oauth/v1/token",
			DefaultScopes: []string{"crm.objects.contacts.read"},
		},
		types.IntegrationTypeZoom: {
			AuthURL:       "https://zoom.us/oauth/authorize",
			TokenURL:      "https://zoom.us/oauth/token",
			RevokeURL:     "https://zoom.us/oauth/revoke",
			ProbeURL:      "https://api.zoom.us/v2/users/me",
			DefaultScopes: []string{"meeting:read", "user:read"},
		},
		types.IntegrationTypeTypeform: {
			AuthURL:       "https://api.typeform.com/oauth/authorize",
			TokenURL:      "https://api.typeform.com/oauth/token",
			ProbeURL:      "https://api.typeform.com/me",
			DefaultScopes: []string{"forms:read", "responses:read"},
		},
	}
}
