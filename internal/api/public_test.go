package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crmhub/internal/events"
	"crmhub/internal/orchestrator"
	"crmhub/internal/registry"
	"crmhub/internal/types"
	"crmhub/internal/webhook"
)

func newPublicEnv(t *testing.T) (*testEnv, *PublicServer) {
	t.Helper()
	env := newTestEnv(t)
	reg := registry.WithDefaults()
	if err := reg.Bind(types.IntegrationTypeSlack, registry.NewSlackHandler(http.DefaultClient, testLogger())); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	gateway := webhook.NewGateway(env.store, env.store, reg, testLogger())
	public := NewPublicServer(env.cfg, gateway, webhook.NewDeliverer(env.store, testLogger()),
		env.orch, events.NopSink{}, testLogger())
	return env, public
}

func postWebhook(t *testing.T, public *PublicServer, integrationID, payload string, headers http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/integrations/webhooks/"+integrationID, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for key, values := range headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
	rec := httptest.NewRecorder()
	public.routes().ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) (bool, string) {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode webhook ack: %v", err)
	}
	return body.Success, body.Message
}

func TestInboundWebhookUnknownIntegrationStill200(t *testing.T) {
	_, public := newPublicEnv(t)

	rec := postWebhook(t, public, "no-such-id", `{"event":"x"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if success, _ := decodeAck(t, rec); success {
		t.Error("unknown integration acked success = true")
	}
}

func TestInboundWebhookDisabledIntegrationStill200(t *testing.T) {
	env, public := newPublicEnv(t)
	integration := env.installHubspot(t)

	rec := postWebhook(t, public, integration.ID, `{"event":"contact.updated"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if success, message := decodeAck(t, rec); success || !strings.Contains(message, "disabled") {
		t.Errorf("disabled ack = %v %q", success, message)
	}
}

func TestInboundWebhookProcessed(t *testing.T) {
	env, public := newPublicEnv(t)
	integration := env.installHubspot(t)
	if err := env.store.SetIntegrationEnabled(context.Background(), integration.ID, true); err != nil {
		t.Fatalf("SetIntegrationEnabled() error = %v", err)
	}

	rec := postWebhook(t, public, integration.ID, `{"event":"contact.updated","objectId":42}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if success, _ := decodeAck(t, rec); !success {
		t.Errorf("enabled integration ack = false, body %s", rec.Body.String())
	}
}

func TestInboundWebhookSignature(t *testing.T) {
	env, public := newPublicEnv(t)
	integration := env.installHubspot(t)
	ctx := context.Background()
	if err := env.store.SetIntegrationEnabled(ctx, integration.ID, true); err != nil {
		t.Fatalf("SetIntegrationEnabled() error = %v", err)
	}
	if err := env.store.UpdateIntegrationConfig(ctx, integration.ID, mergedConfig(integration, "webhookSecret", "s3cret")); err != nil {
		t.Fatalf("UpdateIntegrationConfig() error = %v", err)
	}

	payload := `{"event":"contact.updated"}`

	bad := http.Header{}
	bad.Set(webhook.HeaderSignature, "deadbeef")
	rec := postWebhook(t, public, integration.ID, payload, bad)
	if rec.Code != http.StatusOK {
		t.Fatalf("bad signature status = %d, want 200", rec.Code)
	}
	if success, _ := decodeAck(t, rec); success {
		t.Error("bad signature acked success = true")
	}

	good := http.Header{}
	good.Set(webhook.HeaderSignature, webhook.Sign([]byte(payload), "s3cret"))
	rec = postWebhook(t, public, integration.ID, payload, good)
	if success, _ := decodeAck(t, rec); !success {
		t.Errorf("valid signature ack = false, body %s", rec.Body.String())
	}
}

func TestSlackChallengeEchoed(t *testing.T) {
	env, public := newPublicEnv(t)
	integration, err := env.orch.Install(context.Background(), orchestrator.InstallRequest{
		Type: types.IntegrationTypeSlack,
		Name: "Team Slack",
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := env.store.SetIntegrationEnabled(context.Background(), integration.ID, true); err != nil {
		t.Fatalf("SetIntegrationEnabled() error = %v", err)
	}

	rec := postWebhook(t, public, integration.ID, `{"type":"url_verification","challenge":"c-123"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode challenge response: %v", err)
	}
	if body.Challenge != "c-123" {
		t.Errorf("challenge = %q, want c-123", body.Challenge)
	}
}

func TestOAuthAuthorizeRedirects(t *testing.T) {
	env, public := newPublicEnv(t)
	integration := env.installHubspot(t)

	req := httptest.NewRequest(http.MethodGet, "/integrations/oauth/"+integration.ID+"/authorize", nil)
	rec := httptest.NewRecorder()
	public.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.Contains(location, "state="+integration.ID) {
		t.Errorf("authorize redirect %q does not carry integration state", location)
	}
}

func TestOAuthCallbackExchangesCode(t *testing.T) {
	env, public := newPublicEnv(t)
	integration := env.installHubspot(t)

	req := httptest.NewRequest(http.MethodGet,
		"/integrations/oauth/callback?code=abc&state="+integration.ID, nil)
	rec := httptest.NewRecorder()
	public.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != env.cfg.OAuthSuccessURL {
		t.Errorf("callback redirect = %q, want %q", got, env.cfg.OAuthSuccessURL)
	}

	loaded, err := env.store.GetIntegration(context.Background(), integration.ID)
	if err != nil {
		t.Fatalf("GetIntegration() error = %v", err)
	}
	if loaded.Credentials.OAuth == nil || loaded.Credentials.OAuth.AccessToken != "at-abc" {
		t.Errorf("credentials after callback = %+v", loaded.Credentials)
	}
	if loaded.Status != types.IntegrationStatusActive {
		t.Errorf("status after callback = %s, want active", loaded.Status)
	}
}

func TestOAuthCallbackProviderError(t *testing.T) {
	env, public := newPublicEnv(t)
	integration := env.installHubspot(t)

	req := httptest.NewRequest(http.MethodGet,
		"/integrations/oauth/callback?error=access_denied&state="+integration.ID, nil)
	rec := httptest.NewRecorder()
	public.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != env.cfg.OAuthErrorURL {
		t.Errorf("denied redirect = %q, want %q", got, env.cfg.OAuthErrorURL)
	}

	loaded, err := env.store.GetIntegration(context.Background(), integration.ID)
	if err != nil {
		t.Fatalf("GetIntegration() error = %v", err)
	}
	if loaded.ErrorCount != 1 {
		t.Errorf("error count after denial = %d, want 1", loaded.ErrorCount)
	}
}

func mergedConfig(integration *types.Integration, key string, value any) map[string]any {
	config := map[string]any{}
	for k, v := range integration.Config {
		config[k] = v
	}
	config[key] = value
	return config
}
