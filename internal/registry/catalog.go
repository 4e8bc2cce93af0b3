package registry

import "crmhub/internal/types"

// DefaultCatalog returns the static catalog of supported providers.
func DefaultCatalog() []types.IntegrationMetadata {
	return []types.IntegrationMetadata{
		{
			Type:               types.IntegrationTypeSlack,
			Name:               "Slack",
			Description:        "Send notifications and sync channel activity with Slack workspaces",
			Category:           "communication",
			Provider:           "Slack Technologies",
			DefaultAuthType:    types.AuthTypeOAuth2,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeOAuth2},
			DefaultConfig: map[string]any{
				"syncDirection": string(types.SyncDirectionInbound),
				"syncFrequency": string(types.SyncFrequencyHourly),
			},
			DefaultPermissions: []string{"channels:read", "chat:write", "users:read"},
			SupportedFeatures:  []string{"contacts", "activities", "notifications"},
			RateLimit:          &types.RateLimit{RequestsPerMinute: 50},
		},
		{
			Type:               types.IntegrationTypeGoogle,
			Name:               "Google Workspace",
			Description:        "Sync contacts and calendar events from Google Workspace",
			Category:           "productivity",
			Provider:           "Google",
			DefaultAuthType:    types.AuthTypeOAuth2,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeOAuth2},
			DefaultConfig: map[string]any{
				"syncDirection": string(types.SyncDirectionBidirectional),
				"syncFrequency": string(types.SyncFrequencyHourly),
			},
			DefaultPermissions: []string{"contacts.readonly", "calendar.events"},
			SupportedFeatures:  []string{"contacts", "activities"},
			RateLimit:          &types.RateLimit{RequestsPerMinute: 60},
		},
		{
			Type:               types.IntegrationTypeMicrosoft,
			Name:               "Microsoft 365",
			Description:        "Sync contacts, mail and calendar from Microsoft 365",
			Category:           "productivity",
			Provider:           "Microsoft",
			DefaultAuthType:    types.AuthTypeOAuth2,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeOAuth2},
			DefaultConfig: map[string]any{
				"syncDirection": string(types.SyncDirectionBidirectional),
				"syncFrequency": string(types.SyncFrequencyHourly),
			},
			DefaultPermissions: []string{"Contacts.Read", "Calendars.Read"},
			SupportedFeatures:  []string{"contacts", "activities"},
			RateLimit:          &types.RateLimit{RequestsPerMinute: 60},
		},
		{
			Type:               types.IntegrationTypeSalesforce,
			Name:               "Salesforce",
			Description:        "Bidirectional record sync with Salesforce objects",
			Category:           "crm",
			Provider:           "Salesforce",
			DefaultAuthType:    types.AuthTypeOAuth2,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeOAuth2, types.AuthTypeJWT},
			DefaultConfig: map[string]any{
				"syncDirection": string(types.SyncDirectionBidirectional),
				"syncFrequency": string(types.SyncFrequencyHourly),
			},
			DefaultPermissions: []string{"api", "refresh_token"},
			SupportedFeatures:  []string{"contacts", "companies", "deals", "tasks"},
			RateLimit:          &types.RateLimit{RequestsPerMinute: 100},
		},
		{
			Type:               types.IntegrationTypeHubspot,
			Name:               "HubSpot",
			Description:        "Sync contacts, companies and deals with HubSpot",
			Category:           "crm",
			Provider:           "HubSpot",
			DefaultAuthType:    types.AuthTypeOAuth2,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeOAuth2, types.AuthTypeAPIKey},
			DefaultConfig: map[string]any{
				"syncDirection": string(types.SyncDirectionBidirectional),
				"syncFrequency": string(types.SyncFrequencyHourly),
			},
			DefaultPermissions: []string{"crm.objects.contacts.read", "crm.objects.companies.read"},
			SupportedFeatures:  []string{"contacts", "companies", "deals"},
			RateLimit:          &types.RateLimit{RequestsPerMinute: 100, Burst: 10},
		},
		{
			Type:               types.IntegrationTypeZoom,
			Name:               "Zoom",
			Description:        "Log meetings as CRM activities and receive meeting webhooks",
			Category:           "communication",
			Provider:           "Zoom",
			DefaultAuthType:    types.AuthTypeOAuth2,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeOAuth2, types.AuthTypeJWT},
			DefaultConfig: map[string]any{
				"syncDirection": string(types.SyncDirectionInbound),
				"syncFrequency": string(types.SyncFrequencyDaily),
			},
			DefaultPermissions: []string{"meeting:read", "user:read"},
			SupportedFeatures:  []string{"activities"},
			RateLimit:          &types.RateLimit{RequestsPerMinute: 30},
		},
		{
			Type:               types.IntegrationTypeTypeform,
			Name:               "Typeform",
			Description:        "Create contacts from Typeform submissions",
			Category:           "forms",
			Provider:           "Typeform",
			DefaultAuthType:    types.AuthTypeOAuth2,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeOAuth2, types.AuthTypeAPIKey},
			DefaultConfig: map[string]any{
				"syncDirection": string(types.SyncDirectionInbound),
				"syncFrequency": string(types.SyncFrequencyManual),
			},
			DefaultPermissions: []string{"forms:read", "responses:read"},
			SupportedFeatures:  []string{"contacts"},
		},
		{
			Type:               types.IntegrationTypeWebhook,
			Name:               "Generic Webhook",
			Description:        "Receive arbitrary JSON payloads from any service",
			Category:           "developer",
			Provider:           "CRMHub",
			DefaultAuthType:    types.AuthTypeNone,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeNone},
			SupportedFeatures:  []string{"notifications"},
		},
		{
			Type:               types.IntegrationTypeAPI,
			Name:               "Generic REST API",
			Description:        "Pull and push records against any JSON REST endpoint",
			Category:           "developer",
			Provider:           "CRMHub",
			DefaultAuthType:    types.AuthTypeAPIKey,
			SupportedAuthTypes: []types.AuthType{types.AuthTypeAPIKey, types.AuthTypeBasic, types.AuthTypeNone},
			DefaultConfig: map[string]any{
				"syncDirection": string(types.SyncDirectionBidirectional),
				"syncFrequency": string(types.SyncFrequencyHourly),
			},
			SupportedFeatures: []string{"contacts", "companies", "deals"},
		},
	}
}

// DefaultFeatured is the curated subset surfaced on the catalog landing page.
var DefaultFeatured = []types.IntegrationType{
	types.IntegrationTypeSlack,
	types.IntegrationTypeHubspot,
	types.IntegrationTypeSalesforce,
	types.IntegrationTypeGoogle,
}

// WithDefaults returns a registry preloaded with the static catalog.
func WithDefaults() *Registry {
	r := New()
	for _, metadata := range DefaultCatalog() {
		r.Register(metadata, nil)
	}
	r.SetFeatured(DefaultFeatured...)
	return r
}
