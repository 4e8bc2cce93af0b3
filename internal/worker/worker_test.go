package worker

import (
	"testing"
	"time"

	"crmhub/internal/types"
)

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(10 * time.Minute)
	soon := now.Add(5 * time.Minute)
	later := now.Add(time.Hour)

	oauth := func(refreshToken string) types.Credentials {
		return types.Credentials{
			AuthType: types.AuthTypeOAuth2,
			OAuth:    &types.OAuthTokens{AccessToken: "at", RefreshToken: refreshToken},
		}
	}

	tests := []struct {
		name        string
		integration types.Integration
		want        bool
	}{
		{
			name: "expiring oauth integration",
			integration: types.Integration{
				AuthType:    types.AuthTypeOAuth2,
				Enabled:     true,
				Credentials: oauth("rt"),
				ExpiresAt:   &soon,
			},
			want: true,
		},
		{
			name: "expiry outside window",
			integration: types.Integration{
				AuthType:    types.AuthTypeOAuth2,
				Enabled:     true,
				Credentials: oauth("rt"),
				ExpiresAt:   &later,
			},
			want: false,
		},
		{
			name: "disabled integration",
			integration: types.Integration{
				AuthType:    types.AuthTypeOAuth2,
				Enabled:     false,
				Credentials: oauth("rt"),
				ExpiresAt:   &soon,
			},
			want: false,
		},
		{
			name: "no refresh token",
			integration: types.Integration{
				AuthType:    types.AuthTypeOAuth2,
				Enabled:     true,
				Credentials: oauth(""),
				ExpiresAt:   &soon,
			},
			want: false,
		},
		{
			name: "api key integration",
			integration: types.Integration{
				AuthType: types.AuthTypeAPIKey,
				Enabled:  true,
				Credentials: types.Credentials{
					AuthType: types.AuthTypeAPIKey,
					APIKey:   &types.APIKeyCredentials{Key: "sk"},
				},
				ExpiresAt: &soon,
			},
			want: false,
		},
		{
			name: "no expiry recorded",
			integration: types.Integration{
				AuthType:    types.AuthTypeOAuth2,
				Enabled:     true,
				Credentials: oauth("rt"),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsRefresh(&tt.integration, deadline); got != tt.want {
				t.Fatalf("needsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}
