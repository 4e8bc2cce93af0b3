package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"crmhub/internal/events"
)

const (
	defaultHTTPTimeout  = 4 * time.Second
	defaultDedupeWindow = 5 * time.Minute
)

// Config selects the alert channels and which event types reach them.
type Config struct {
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
	Events           []string
	DedupeWindow     time.Duration
}

// Notifier turns integration lifecycle events into operator alerts on
// Telegram and/or a generic webhook. Errors never propagate to the
// publishing side.
type Notifier struct {
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	enabled map[string]struct{}

	mu         sync.Mutex
	recentSent map[string]time.Time
}

type outboundAlert struct {
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Timestamp string         `json:"timestamp"`
	DedupeKey string         `json:"dedupeKey,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

var _ events.Sink = (*Notifier)(nil)

func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{events.TypeIntegrationError, events.TypeSyncFailed}
	}
	enabled := make(map[string]struct{}, len(cfg.Events))
	for _, event := range cfg.Events {
		enabled[strings.TrimSpace(event)] = struct{}{}
	}
	return &Notifier{
		cfg:        cfg,
		logger:     logger,
		client:     &http.Client{Timeout: defaultHTTPTimeout},
		enabled:    enabled,
		recentSent: make(map[string]time.Time),
	}
}

// Enabled reports whether at least one channel is configured.
func (n *Notifier) Enabled() bool {
	return n.telegramEnabled() || n.cfg.WebhookURL != ""
}

func (n *Notifier) telegramEnabled() bool {
	return n.cfg.TelegramBotToken != "" && n.cfg.TelegramChatID != ""
}

// Publish implements events.Sink.
func (n *Notifier) Publish(ctx context.Context, event events.Event) {
	if !n.Enabled() {
		return
	}
	if _, ok := n.enabled[event.Type]; !ok {
		return
	}

	alert, ok := mapEvent(event)
	if !ok {
		return
	}
	if alert.DedupeKey != "" && n.shouldSuppress(alert.DedupeKey, n.cfg.DedupeWindow) {
		return
	}
	n.send(ctx, alert)
}

// SendTest pushes a test alert through every configured channel.
func (n *Notifier) SendTest(ctx context.Context) error {
	if !n.Enabled() {
		return errors.New("no alert channels configured (telegram/webhook)")
	}
	alert := outboundAlert{
		Event:     "test_alert",
		Title:     "CRMHub test alert",
		Message:   "This is a test alert from CRMHub",
		Severity:  "info",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if n.telegramEnabled() {
		if err := n.sendTelegram(ctx, alert); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	if n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, alert outboundAlert) {
	if n.telegramEnabled() {
		if err := n.sendTelegram(ctx, alert); err != nil {
			n.logger.Error("telegram alert send failed", "err", err, "event", alert.Event)
		}
	}
	if n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			n.logger.Error("webhook alert send failed", "err", err, "event", alert.Event)
		}
	}
}

func (n *Notifier) shouldSuppress(key string, window time.Duration) bool {
	now := time.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, ts := range n.recentSent {
		if now.Sub(ts) > window {
			delete(n.recentSent, k)
		}
	}

	if ts, ok := n.recentSent[key]; ok && now.Sub(ts) <= window {
		return true
	}
	n.recentSent[key] = now
	return false
}

func (n *Notifier) sendTelegram(ctx context.Context, alert outboundAlert) error {
	payload := map[string]any{
		"chat_id": n.cfg.TelegramChatID,
		"text":    formatTelegramText(alert),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBotToken)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sendWebhook(ctx context.Context, alert outboundAlert) error {
	payload := map[string]any{
		"source":  "crmhub",
		"channel": "webhook",
		"alert":   alert,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func mapEvent(event events.Event) (outboundAlert, bool) {
	ts := event.Timestamp.UTC().Format(time.RFC3339)
	details := map[string]any{"integrationId": event.IntegrationID}
	for key, value := range event.Data {
		details[key] = value
	}

	switch event.Type {
	case events.TypeIntegrationError:
		return outboundAlert{
			Event:     event.Type,
			Title:     "Integration error",
			Message:   fmt.Sprintf("Integration %s reported an error", event.IntegrationID),
			Severity:  "error",
			Timestamp: ts,
			DedupeKey: event.Type + ":" + event.IntegrationID,
			Details:   details,
		}, true
	case events.TypeSyncFailed:
		return outboundAlert{
			Event:     event.Type,
			Title:     "Sync failed",
			Message:   fmt.Sprintf("Sync for integration %s failed", event.IntegrationID),
			Severity:  "error",
			Timestamp: ts,
			DedupeKey: event.Type + ":" + event.IntegrationID,
			Details:   details,
		}, true
	case events.TypeIntegrationDisabled:
		return outboundAlert{
			Event:     event.Type,
			Title:     "Integration disabled",
			Message:   fmt.Sprintf("Integration %s was disabled", event.IntegrationID),
			Severity:  "warning",
			Timestamp: ts,
			DedupeKey: event.Type + ":" + event.IntegrationID,
			Details:   details,
		}, true
	default:
		return outboundAlert{
			Event:     event.Type,
			Title:     event.Type,
			Message:   fmt.Sprintf("Event %s on integration %s", event.Type, event.IntegrationID),
			Severity:  "info",
			Timestamp: ts,
			DedupeKey: event.Type + ":" + event.IntegrationID + ":" + ts,
			Details:   details,
		}, true
	}
}

func formatTelegramText(alert outboundAlert) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(alert.Severity))
	b.WriteString("] ")
	b.WriteString(alert.Title)
	b.WriteString("\n")
	b.WriteString(alert.Message)
	b.WriteString("\n")
	b.WriteString("event: ")
	b.WriteString(alert.Event)
	b.WriteString("\n")
	b.WriteString("time: ")
	b.WriteString(alert.Timestamp)

	if value, ok := alert.Details["integrationId"]; ok {
		fmt.Fprintf(&b, "\nintegrationId: %v", value)
	}
	if value, ok := alert.Details["message"]; ok {
		fmt.Fprintf(&b, "\nmessage: %v", value)
	}
	return b.String()
}
