package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"crmhub/internal/config"
	"crmhub/internal/orchestrator"
	"crmhub/internal/registry"
	"crmhub/internal/store"
	"crmhub/internal/types"
	"crmhub/internal/webhook"
)

var apiDBSeq int

type fakeCreds struct{}

func (fakeCreds) AuthURL(integration *types.Integration, state string) (string, error) {
	return "https://provider.example.com/authorize?state=" + state, nil
}

func (fakeCreds) ExchangeCode(ctx context.Context, integration *types.Integration, code string) (types.OAuthTokens, error) {
	return types.OAuthTokens{AccessToken: "at-" + code, RefreshToken: "rt-1"}, nil
}

func (fakeCreds) Refresh(ctx context.Context, integration *types.Integration) (types.OAuthTokens, error) {
	return types.OAuthTokens{AccessToken: "at-fresh"}, nil
}

func (fakeCreds) Revoke(ctx context.Context, integration *types.Integration) error { return nil }

func (fakeCreds) Validate(ctx context.Context, integration *types.Integration) bool { return true }

type okHandler struct{}

func (okHandler) TestConnection(ctx context.Context, integration *types.Integration) error {
	return nil
}

type stubSyncer struct {
	mu   sync.Mutex
	runs int
}

func (s *stubSyncer) Run(ctx context.Context, integration *types.Integration, opts types.SyncOptions) (*types.SyncResult, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	return &types.SyncResult{Success: true, Processed: 2, Created: 1, Updated: 1}, nil
}

type testEnv struct {
	cfg    config.APIConfig
	store  *store.Store
	orch   *orchestrator.Orchestrator
	server *Server
	syncer *stubSyncer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	apiDBSeq++
	dsn := fmt.Sprintf("file:api_test_%d?mode=memory&cache=shared&_pragma=foreign_keys(ON)", apiDBSeq)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, nil)
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	reg := registry.WithDefaults()
	if err := reg.Bind(types.IntegrationTypeHubspot, okHandler{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	syncer := &stubSyncer{}
	orch := orchestrator.New(reg, st, fakeCreds{}, syncer, nil)

	cfg := config.APIConfig{
		OAuthSuccessURL: "/integrations?connected=1",
		OAuthErrorURL:   "/integrations?error=oauth",
	}
	cfg.JWTSecret = "test-secret"

	server := NewServer(cfg, st, reg, orch, webhook.NewDeliverer(st, nil), testLogger())
	return &testEnv{cfg: cfg, store: st, orch: orch, server: server, syncer: syncer}
}

func (e *testEnv) authCookie(t *testing.T) *http.Cookie {
	t.Helper()
	token, err := e.server.generateJWT(1, "admin@example.com")
	if err != nil {
		t.Fatalf("generateJWT() error = %v", err)
	}
	return &http.Cookie{Name: authCookieName, Value: token}
}

func (e *testEnv) request(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.AddCookie(e.authCookie(t))
	}
	rec := httptest.NewRecorder()
	e.server.routes().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) installHubspot(t *testing.T) *types.Integration {
	t.Helper()
	integration, err := e.orch.Install(context.Background(), orchestrator.InstallRequest{
		Type: types.IntegrationTypeHubspot,
		Name: "Prod HubSpot",
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	return integration
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if err := env.store.EnsureAdminUser(context.Background(), "admin@example.com", string(hash)); err != nil {
		t.Fatalf("EnsureAdminUser() error = %v", err)
	}

	rec := env.request(t, http.MethodPost, "/auth/login",
		`{"email":"admin@example.com","password":"secret123"}`, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", rec.Code)
	}
	cookie := rec.Result().Cookies()
	found := false
	for _, c := range cookie {
		if c.Name == authCookieName && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("login did not set auth cookie")
	}

	rec = env.request(t, http.MethodPost, "/auth/login",
		`{"email":"admin@example.com","password":"wrong"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", rec.Code)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/integrations", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/integrations", "", true)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/catalog", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("catalog status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"hubspot"`)) {
		t.Error("catalog does not list hubspot")
	}

	rec = env.request(t, http.MethodGet, "/catalog/search?q=slack", "", true)
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"slack"`)) {
		t.Error("search did not match slack")
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(`"hubspot"`)) {
		t.Error("search for slack returned hubspot")
	}
}

func TestIntegrationLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/integrations",
		`{"type":"hubspot","name":"Prod HubSpot"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("install status = %d, body %s", rec.Code, rec.Body.String())
	}
	var integration types.Integration
	if err := json.Unmarshal(rec.Body.Bytes(), &integration); err != nil {
		t.Fatalf("decode install response: %v", err)
	}
	if integration.Status != types.IntegrationStatusPending {
		t.Errorf("installed status = %s, want pending", integration.Status)
	}

	rec = env.request(t, http.MethodGet, "/integrations/"+integration.ID, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = env.request(t, http.MethodPut, "/integrations/"+integration.ID+"/credentials",
		`{"authType":"api_key","apiKey":{"key":"sk-test"}}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("set credentials status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodPut, "/integrations/"+integration.ID+"/enabled",
		`{"enabled":true}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodPost, "/integrations/"+integration.ID+"/sync", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result types.SyncResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if !result.Success || result.Processed != 2 {
		t.Errorf("sync result = %+v", result)
	}

	rec = env.request(t, http.MethodGet, "/integrations/"+integration.ID+"/runs", "", true)
	var runs []types.SyncRun
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].TriggeredBy != "manual" {
		t.Errorf("runs = %+v, want one manual run", runs)
	}

	rec = env.request(t, http.MethodDelete, "/integrations/"+integration.ID, "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/integrations/"+integration.ID, "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after remove status = %d, want 404", rec.Code)
	}
}

func TestInstallUnknownType(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/integrations", `{"type":"fax-machine"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", rec.Code)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	integration := env.installHubspot(t)
	base := "/integrations/" + integration.ID + "/subscriptions"

	rec := env.request(t, http.MethodPost, base, `{"url":"https://consumer.example.com/hook","event":"contact.updated"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create subscription status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Subscription types.WebhookSubscription `json:"subscription"`
		Secret       string                    `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Secret == "" {
		t.Error("create did not return the signing secret")
	}

	rec = env.request(t, http.MethodGet, base, "", true)
	var listed []types.WebhookSubscription
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d subscriptions, want 1", len(listed))
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(created.Secret)) {
		t.Error("list response leaks the signing secret")
	}

	rec = env.request(t, http.MethodDelete, "/integrations/other/subscriptions/"+created.Subscription.ID, "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete with wrong integration = %d, want 404", rec.Code)
	}

	rec = env.request(t, http.MethodDelete, base+"/"+created.Subscription.ID, "", true)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
}

func TestMissingURLRejected(t *testing.T) {
	env := newTestEnv(t)
	integration := env.installHubspot(t)

	rec := env.request(t, http.MethodPost, "/integrations/"+integration.ID+"/subscriptions", `{"event":"*"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing url status = %d, want 400", rec.Code)
	}
}

func TestAnalytics(t *testing.T) {
	env := newTestEnv(t)
	env.installHubspot(t)

	rec := env.request(t, http.MethodGet, "/integrations/analytics", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("analytics status = %d", rec.Code)
	}
	var summary store.AnalyticsSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode analytics: %v", err)
	}
	if summary.Total != 1 {
		t.Errorf("analytics total = %d, want 1", summary.Total)
	}
}

func TestHealthAndVersionArePublic(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/version"} {
		rec := env.request(t, http.MethodGet, path, "", false)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
