package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crmhub/internal/types"
)

const handlerTimeout = 15 * time.Second

// defaultBaseURLs maps integration types to their provider API roots. An
// explicit baseUrl in the integration config always wins.
var defaultBaseURLs = map[types.IntegrationType]string{
	types.IntegrationTypeHubspot:    "https://api.hubapi.com/crm/v3/objects",
	types.IntegrationTypeSalesforce: "https://api.salesforce.com/services/data/v60.0",
	types.IntegrationTypeTypeform:   "https://api.typeform.com",
}

// authorize applies the integration's credentials to an outgoing request.
func authorize(req *http.Request, integration *types.Integration) {
	creds := integration.Credentials
	switch {
	case creds.OAuth != nil && creds.OAuth.AccessToken != "":
		req.Header.Set("Authorization", "Bearer "+creds.OAuth.AccessToken)
	case creds.JWT != nil && creds.JWT.Token != "":
		req.Header.Set("Authorization", "Bearer "+creds.JWT.Token)
	case creds.APIKey != nil && creds.APIKey.Key != "":
		header := creds.APIKey.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, creds.APIKey.Key)
	case creds.Basic != nil:
		req.SetBasicAuth(creds.Basic.Username, creds.Basic.Password)
	}
}

// APIHandler is the generic JSON-over-HTTP provider used for the "api" type
// and for CRM providers whose REST surface follows the common shape: GET
// {base}/{entity} returning {"results": [...]} or a bare array, POST
// {base}/{entity}/batch accepting {"records": [...]}.
type APIHandler struct {
	client *http.Client
	logger *slog.Logger
}

func NewAPIHandler(client *http.Client, logger *slog.Logger) *APIHandler {
	if client == nil {
		client = &http.Client{Timeout: handlerTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{client: client, logger: logger}
}

func (h *APIHandler) baseURL(integration *types.Integration) (string, error) {
	if base := integration.ConfigString("baseUrl"); base != "" {
		return strings.TrimRight(base, "/"), nil
	}
	if base, ok := defaultBaseURLs[integration.Type]; ok {
		return base, nil
	}
	return "", fmt.Errorf("integration %s has no baseUrl configured", integration.ID)
}

func (h *APIHandler) ValidateConfig(config map[string]any) error {
	raw, ok := config["baseUrl"]
	if !ok {
		return nil
	}
	base, ok := raw.(string)
	if !ok || base == "" {
		return fmt.Errorf("baseUrl must be a non-empty string")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("baseUrl %q is not an absolute URL", base)
	}
	return nil
}

func (h *APIHandler) TestConnection(ctx context.Context, integration *types.Integration) error {
	base, err := h.baseURL(integration)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return err
	}
	authorize(req, integration)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("connection test rejected: status %d", resp.StatusCode)
	}
	return nil
}

func (h *APIHandler) PullData(ctx context.Context, integration *types.Integration, entity string) ([]types.Record, error) {
	base, err := h.baseURL(integration)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+entity, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	authorize(req, integration)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", entity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pull %s: status %d", entity, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("pull %s: read body: %w", entity, err)
	}
	return decodeRecordList(body)
}

func (h *APIHandler) PushData(ctx context.Context, integration *types.Integration, entity string, records []types.Record) (types.PushResult, error) {
	base, err := h.baseURL(integration)
	if err != nil {
		return types.PushResult{}, err
	}

	payload, err := json.Marshal(map[string]any{"records": records})
	if err != nil {
		return types.PushResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+entity+"/batch", bytes.NewReader(payload))
	if err != nil {
		return types.PushResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req, integration)

	resp, err := h.client.Do(req)
	if err != nil {
		return types.PushResult{}, fmt.Errorf("push %s: %w", entity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.PushResult{}, fmt.Errorf("push %s: status %d", entity, resp.StatusCode)
	}

	var result types.PushResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil || result.Empty() {
		// provider did not report counts; treat the batch as created
		return types.PushResult{Created: len(records)}, nil
	}
	return result, nil
}

// decodeRecordList accepts either a bare JSON array or an envelope with a
// results/data/items key. HubSpot-style records with a nested "properties"
// object are flattened so field mapping sees the property names directly.
func decodeRecordList(body []byte) ([]types.Record, error) {
	var bare []types.Record
	if err := json.Unmarshal(body, &bare); err == nil {
		return flattenRecords(bare), nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("unexpected response shape: %w", err)
	}
	for _, key := range []string{"results", "data", "items"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		var list []types.Record
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("unexpected %s shape: %w", key, err)
		}
		return flattenRecords(list), nil
	}
	return nil, nil
}

func flattenRecords(records []types.Record) []types.Record {
	for i, record := range records {
		nested, ok := record["properties"].(map[string]any)
		if !ok {
			continue
		}
		flat := types.Record{}
		for key, value := range record {
			if key == "properties" {
				continue
			}
			flat[key] = value
		}
		for key, value := range nested {
			flat[key] = value
		}
		records[i] = flat
	}
	return records
}

// SlackHandler covers the notification side: connection tests against
// auth.test and translation of Slack event callbacks into webhook events.
// Slack is not a record source, so it carries no pull or push capability.
type SlackHandler struct {
	client  *http.Client
	logger  *slog.Logger
	authURL string
}

func NewSlackHandler(client *http.Client, logger *slog.Logger) *SlackHandler {
	if client == nil {
		client = &http.Client{Timeout: handlerTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackHandler{client: client, logger: logger, authURL: "https://slack.com/api/auth.test"}
}

func (h *SlackHandler) TestConnection(ctx context.Context, integration *types.Integration) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.authURL, nil)
	if err != nil {
		return err
	}
	authorize(req, integration)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	defer resp.Body.Close()

	var reply struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return fmt.Errorf("slack auth.test: decode: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("slack auth.test: %s", reply.Error)
	}
	return nil
}

func (h *SlackHandler) HandleWebhook(ctx context.Context, integration *types.Integration, payload map[string]any) (types.WebhookEvent, error) {
	kind, _ := payload["type"].(string)
	switch kind {
	case "url_verification":
		challenge, _ := payload["challenge"].(string)
		return types.WebhookEvent{
			Event: "slack.url_verification",
			Data:  map[string]any{"challenge": challenge},
		}, nil
	case "event_callback":
		inner, _ := payload["event"].(map[string]any)
		eventType, _ := inner["type"].(string)
		if eventType == "" {
			return types.WebhookEvent{}, fmt.Errorf("event_callback without event type")
		}
		return types.WebhookEvent{Event: "slack." + eventType, Data: inner}, nil
	case "":
		return types.WebhookEvent{}, fmt.Errorf("slack payload without type")
	default:
		return types.WebhookEvent{Event: "slack." + kind, Data: payload}, nil
	}
}

// TargetHandler backs the bare "webhook" type: an outbound-only target URL.
// The connection test posts a ping the receiver must acknowledge with a 2xx.
type TargetHandler struct {
	client *http.Client
}

func NewTargetHandler(client *http.Client) *TargetHandler {
	if client == nil {
		client = &http.Client{Timeout: handlerTimeout}
	}
	return &TargetHandler{client: client}
}

func (h *TargetHandler) ValidateConfig(config map[string]any) error {
	raw, ok := config["url"]
	if !ok {
		return fmt.Errorf("url is required")
	}
	target, ok := raw.(string)
	if !ok || target == "" {
		return fmt.Errorf("url must be a non-empty string")
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url %q is not an absolute URL", target)
	}
	return nil
}

func (h *TargetHandler) TestConnection(ctx context.Context, integration *types.Integration) error {
	target := integration.ConfigString("url")
	if target == "" {
		return fmt.Errorf("integration %s has no url configured", integration.ID)
	}

	body, _ := json.Marshal(map[string]any{"event": "ping", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ping rejected: status %d", resp.StatusCode)
	}
	return nil
}

// BindDefaults attaches the built-in handlers to a registry holding the
// default catalog. The API handler also serves the CRM providers whose REST
// surfaces it understands.
func BindDefaults(reg *Registry, client *http.Client, logger *slog.Logger) error {
	api := NewAPIHandler(client, logger)
	for _, integrationType := range []types.IntegrationType{
		types.IntegrationTypeAPI,
		types.IntegrationTypeHubspot,
		types.IntegrationTypeSalesforce,
		types.IntegrationTypeTypeform,
	} {
		if err := reg.Bind(integrationType, api); err != nil {
			return err
		}
	}
	if err := reg.Bind(types.IntegrationTypeSlack, NewSlackHandler(client, logger)); err != nil {
		return err
	}
	return reg.Bind(types.IntegrationTypeWebhook, NewTargetHandler(client))
}
