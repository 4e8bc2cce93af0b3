package events

import (
	"context"
	"time"
)

// Event is one integration activity record fanned out to subscribers: the
// AMQP exchange and the dashboard websocket hub.
type Event struct {
	Type          string         `json:"type"`
	IntegrationID string         `json:"integrationId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// Well-known event types.
const (
	TypeIntegrationInstalled  = "integration.installed"
	TypeIntegrationConfigured = "integration.configured"
	TypeIntegrationEnabled    = "integration.enabled"
	TypeIntegrationDisabled   = "integration.disabled"
	TypeIntegrationRemoved    = "integration.removed"
	TypeIntegrationError      = "integration.error"
	TypeAuthCompleted         = "integration.authenticated"
	TypeSyncCompleted         = "sync.completed"
	TypeSyncFailed            = "sync.failed"
	TypeWebhookReceived       = "webhook.received"
)

// Sink receives events. Publish must not block the caller's critical path;
// implementations either buffer or spawn.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// NopSink drops everything. Used when messaging is not configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) {}

type multiSink []Sink

func (m multiSink) Publish(ctx context.Context, event Event) {
	for _, sink := range m {
		sink.Publish(ctx, event)
	}
}

// Multi fans one event out to several sinks.
func Multi(sinks ...Sink) Sink {
	filtered := make(multiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return filtered
}
