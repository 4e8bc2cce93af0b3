package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crmhub/internal/types"
)

func apiIntegration(baseURL string) *types.Integration {
	return &types.Integration{
		ID:     "int-api",
		Type:   types.IntegrationTypeAPI,
		Config: map[string]any{"baseUrl": baseURL},
		Credentials: types.Credentials{
			AuthType: types.AuthTypeOAuth2,
			OAuth:    &types.OAuthTokens{AccessToken: "tok-123"},
		},
	}
}

func TestAPIHandlerPullShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"email":"a@x.com"},{"email":"b@x.com"}]`, 2},
		{"results envelope", `{"results":[{"email":"a@x.com"}]}`, 1},
		{"data envelope", `{"data":[{"email":"a@x.com"}]}`, 1},
		{"empty envelope", `{"paging":{}}`, 0},
		{"empty array", `[]`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
					t.Errorf("Authorization = %q", got)
				}
				if r.URL.Path != "/contacts" {
					t.Errorf("path = %q", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			handler := NewAPIHandler(server.Client(), nil)
			records, err := handler.PullData(context.Background(), apiIntegration(server.URL), "contacts")
			if err != nil {
				t.Fatalf("PullData() error = %v", err)
			}
			if len(records) != tt.want {
				t.Fatalf("len(records) = %d, want %d", len(records), tt.want)
			}
		})
	}
}

func TestAPIHandlerPullFlattensProperties(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"id":"77","properties":{"email":"p@x.com","firstname":"P"}}]}`))
	}))
	defer server.Close()

	handler := NewAPIHandler(server.Client(), nil)
	records, err := handler.PullData(context.Background(), apiIntegration(server.URL), "contacts")
	if err != nil {
		t.Fatalf("PullData() error = %v", err)
	}
	if records[0].String("email") != "p@x.com" {
		t.Fatalf("flattened email = %q", records[0].String("email"))
	}
	if records[0].String("id") != "77" {
		t.Fatalf("outer id lost: %v", records[0])
	}
}

func TestAPIHandlerPushCountFallback(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string][]types.Record
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode push body: %v", err)
		}
		if len(body["records"]) != 2 {
			t.Errorf("records = %d, want 2", len(body["records"]))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	handler := NewAPIHandler(server.Client(), nil)
	result, err := handler.PushData(context.Background(), apiIntegration(server.URL), "deals", []types.Record{
		{"name": "d1"}, {"name": "d2"},
	})
	if err != nil {
		t.Fatalf("PushData() error = %v", err)
	}
	if gotPath != "/deals/batch" {
		t.Fatalf("path = %q", gotPath)
	}
	if result.Created != 2 {
		t.Fatalf("Created = %d, want fallback 2", result.Created)
	}
}

func TestAPIHandlerPushReportedCounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"created":1,"updated":3,"skipped":0}`))
	}))
	defer server.Close()

	handler := NewAPIHandler(server.Client(), nil)
	result, err := handler.PushData(context.Background(), apiIntegration(server.URL), "contacts", []types.Record{{"email": "a@x.com"}})
	if err != nil {
		t.Fatalf("PushData() error = %v", err)
	}
	if result.Created != 1 || result.Updated != 3 {
		t.Fatalf("result = %+v", result)
	}
}

func TestAPIHandlerTestConnectionRejectsAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	handler := NewAPIHandler(server.Client(), nil)
	if err := handler.TestConnection(context.Background(), apiIntegration(server.URL)); err == nil {
		t.Fatal("TestConnection() = nil, want error on 401")
	}
}

func TestAPIHandlerValidateConfig(t *testing.T) {
	handler := NewAPIHandler(nil, nil)

	if err := handler.ValidateConfig(map[string]any{"baseUrl": "https://api.example.com"}); err != nil {
		t.Fatalf("valid baseUrl rejected: %v", err)
	}
	if err := handler.ValidateConfig(map[string]any{}); err != nil {
		t.Fatalf("absent baseUrl rejected: %v", err)
	}
	if err := handler.ValidateConfig(map[string]any{"baseUrl": "not a url"}); err == nil {
		t.Fatal("relative baseUrl accepted")
	}
	if err := handler.ValidateConfig(map[string]any{"baseUrl": 42}); err == nil {
		t.Fatal("non-string baseUrl accepted")
	}
}

func TestSlackHandlerTestConnection(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"ok", `{"ok":true,"team":"acme"}`, false},
		{"invalid auth", `{"ok":false,"error":"invalid_auth"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			handler := NewSlackHandler(server.Client(), nil)
			handler.authURL = server.URL

			err := handler.TestConnection(context.Background(), apiIntegration(""))
			if (err != nil) != tt.wantErr {
				t.Fatalf("TestConnection() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), "invalid_auth") {
				t.Fatalf("error %q does not carry the slack error code", err)
			}
		})
	}
}

func TestSlackHandlerHandleWebhook(t *testing.T) {
	handler := NewSlackHandler(nil, nil)
	integration := &types.Integration{ID: "int-slack", Type: types.IntegrationTypeSlack}

	event, err := handler.HandleWebhook(context.Background(), integration, map[string]any{
		"type":  "event_callback",
		"event": map[string]any{"type": "message", "text": "hi"},
	})
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if event.Event != "slack.message" {
		t.Fatalf("Event = %q", event.Event)
	}
	if event.Data["text"] != "hi" {
		t.Fatalf("Data = %v", event.Data)
	}

	challenge, err := handler.HandleWebhook(context.Background(), integration, map[string]any{
		"type": "url_verification", "challenge": "c-1",
	})
	if err != nil {
		t.Fatalf("url_verification error = %v", err)
	}
	if challenge.Data["challenge"] != "c-1" {
		t.Fatalf("challenge = %v", challenge.Data)
	}

	if _, err := handler.HandleWebhook(context.Background(), integration, map[string]any{}); err == nil {
		t.Fatal("typeless payload accepted")
	}
}

func TestTargetHandlerPing(t *testing.T) {
	var pinged bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pinged = true
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["event"] != "ping" {
			t.Errorf("ping body = %v (err %v)", body, err)
		}
	}))
	defer server.Close()

	handler := NewTargetHandler(server.Client())
	integration := &types.Integration{
		ID:     "int-hook",
		Type:   types.IntegrationTypeWebhook,
		Config: map[string]any{"url": server.URL},
	}
	if err := handler.TestConnection(context.Background(), integration); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if !pinged {
		t.Fatal("target never called")
	}

	if err := handler.ValidateConfig(map[string]any{}); err == nil {
		t.Fatal("missing url accepted")
	}
}

func TestBindDefaultsCoversHandledTypes(t *testing.T) {
	reg := WithDefaults()
	if err := BindDefaults(reg, nil, nil); err != nil {
		t.Fatalf("BindDefaults() error = %v", err)
	}

	for _, integrationType := range []types.IntegrationType{
		types.IntegrationTypeAPI,
		types.IntegrationTypeHubspot,
		types.IntegrationTypeSlack,
		types.IntegrationTypeWebhook,
	} {
		if _, err := reg.Handler(integrationType); err != nil {
			t.Fatalf("Handler(%s) error = %v", integrationType, err)
		}
	}
}
