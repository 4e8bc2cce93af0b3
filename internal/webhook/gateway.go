package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"crmhub/internal/registry"
	"crmhub/internal/types"
)

var (
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrIntegrationDisabled = errors.New("integration is disabled")
)

// IntegrationSource is the slice of the store the inbound path needs.
type IntegrationSource interface {
	GetIntegration(ctx context.Context, id string) (*types.Integration, error)
	TouchIntegrationActivity(ctx context.Context, id string, at time.Time) error
}

// SubscriptionStore persists webhook subscription delivery state.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, integrationID string) ([]types.WebhookSubscription, error)
	MarkSubscriptionDelivered(ctx context.Context, id string, at time.Time) error
	RecordSubscriptionFailure(ctx context.Context, id, message string) (int, error)
}

// Gateway verifies and routes inbound webhook payloads.
type Gateway struct {
	integrations  IntegrationSource
	subscriptions SubscriptionStore
	registry      *registry.Registry
	logger        *slog.Logger
	now           func() time.Time
}

func NewGateway(integrations IntegrationSource, subscriptions SubscriptionStore, reg *registry.Registry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		integrations:  integrations,
		subscriptions: subscriptions,
		registry:      reg,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Process handles one inbound payload: load integration, verify signature,
// dispatch to the provider handler, update subscription delivery state.
// Any failure after the integration loads increments the failure count on
// every subscription of that integration before propagating.
func (g *Gateway) Process(ctx context.Context, integrationID string, payload []byte, headers http.Header) (types.WebhookEvent, error) {
	integration, err := g.integrations.GetIntegration(ctx, integrationID)
	if err != nil {
		return types.WebhookEvent{}, err
	}
	if integration == nil {
		inboundRejected.Inc()
		return types.WebhookEvent{}, fmt.Errorf("%w: %s", ErrIntegrationNotFound, integrationID)
	}
	if !integration.Enabled {
		inboundRejected.Inc()
		return types.WebhookEvent{}, fmt.Errorf("%w: %s", ErrIntegrationDisabled, integrationID)
	}

	event, err := g.process(ctx, integration, payload, headers)
	if err != nil {
		inboundRejected.Inc()
		g.recordFailureAll(ctx, integration.ID, err)
		return types.WebhookEvent{}, err
	}

	inboundProcessed.Inc()
	return event, nil
}

func (g *Gateway) process(ctx context.Context, integration *types.Integration, payload []byte, headers http.Header) (types.WebhookEvent, error) {
	if secret := integration.ConfigString("webhookSecret"); secret != "" {
		if err := VerifySignature(payload, SignatureFromHeaders(headers), secret); err != nil {
			return types.WebhookEvent{}, err
		}
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return types.WebhookEvent{}, fmt.Errorf("decode webhook payload: %w", err)
	}

	event, err := g.dispatch(ctx, integration, body)
	if err != nil {
		return types.WebhookEvent{}, err
	}

	now := g.now()
	if err := g.integrations.TouchIntegrationActivity(ctx, integration.ID, now); err != nil {
		g.logger.Error("touch integration activity failed", "integrationId", integration.ID, "err", err)
	}

	subscriptions, err := g.subscriptions.ListSubscriptions(ctx, integration.ID)
	if err != nil {
		return types.WebhookEvent{}, err
	}
	for _, sub := range subscriptions {
		if !sub.Matches(event.Event) {
			continue
		}
		if err := g.subscriptions.MarkSubscriptionDelivered(ctx, sub.ID, now); err != nil {
			return types.WebhookEvent{}, err
		}
	}

	return event, nil
}

// dispatch routes to the provider's webhook processor when it has one;
// every other integration treats the whole payload as a generic event.
func (g *Gateway) dispatch(ctx context.Context, integration *types.Integration, body map[string]any) (types.WebhookEvent, error) {
	handler, err := g.registry.Handler(integration.Type)
	if err == nil {
		if processor, ok := handler.(registry.WebhookProcessor); ok {
			return processor.HandleWebhook(ctx, integration, body)
		}
	} else if errors.Is(err, registry.ErrNotSupported) {
		return types.WebhookEvent{}, err
	}
	return types.WebhookEvent{Event: "webhook.received", Data: body}, nil
}

func (g *Gateway) recordFailureAll(ctx context.Context, integrationID string, cause error) {
	subscriptions, err := g.subscriptions.ListSubscriptions(ctx, integrationID)
	if err != nil {
		g.logger.Error("list subscriptions for failure accounting failed", "integrationId", integrationID, "err", err)
		return
	}
	for _, sub := range subscriptions {
		if _, err := g.subscriptions.RecordSubscriptionFailure(ctx, sub.ID, cause.Error()); err != nil {
			g.logger.Error("record subscription failure failed", "subscriptionId", sub.ID, "err", err)
		}
	}
}
