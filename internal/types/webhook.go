package types

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusDisabled SubscriptionStatus = "disabled"
	SubscriptionStatusError    SubscriptionStatus = "error"
)

// SubscriptionFailureThreshold is the number of consecutive delivery failures
// after which a subscription is forced into the error status.
const SubscriptionFailureThreshold = 5

// WebhookSubscription registers an external URL to be notified of one event
// (or every event via "*") from a single integration.
type WebhookSubscription struct {
	ID             string             `json:"id" db:"id"`
	IntegrationID  string             `json:"integrationId" db:"integration_id"`
	URL            string             `json:"url" db:"url"`
	Event          string             `json:"event" db:"event"`
	Secret         string             `json:"-" db:"secret"`
	Status         SubscriptionStatus `json:"status" db:"status"`
	FailureCount   int                `json:"failureCount" db:"failure_count"`
	LastError      string             `json:"lastError,omitempty" db:"last_error"`
	LastDeliveryAt *time.Time         `json:"lastDeliveryAt,omitempty" db:"last_delivery_at"`
	CreatedAt      time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time          `json:"updatedAt" db:"updated_at"`
}

// Matches reports whether the subscription listens for the given event.
func (s WebhookSubscription) Matches(event string) bool {
	return s.Event == "*" || s.Event == event
}

// WebhookEvent is the normalized output of a handler's webhook processing.
type WebhookEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// BroadcastResult accounts for one fan-out; Sent+Failed equals the number of
// matching active subscriptions that were attempted.
type BroadcastResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}
