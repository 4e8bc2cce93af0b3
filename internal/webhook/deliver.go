package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"crmhub/internal/types"
)

const (
	deliveryTimeout = 30 * time.Second
	defaultRetries  = 3
	userAgent       = "CRMHub-Webhook/1.0"
)

// Deliverer sends signed outbound notifications to subscriber URLs.
type Deliverer struct {
	subscriptions SubscriptionStore
	client        *http.Client
	logger        *slog.Logger
	retries       int
	sleep         func(context.Context, time.Duration)
}

func NewDeliverer(subscriptions SubscriptionStore, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		subscriptions: subscriptions,
		client:        &http.Client{Timeout: deliveryTimeout},
		logger:        logger,
		retries:       defaultRetries,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		},
	}
}

// backoffDelay is the wait before attempt k (k >= 2): 2^(k-2) seconds.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-2)) * time.Second
}

// Deliver POSTs the event payload to one subscription, retrying with
// exponential backoff. Only the terminal outcome mutates the subscription's
// failure state.
func (d *Deliverer) Deliver(ctx context.Context, sub types.WebhookSubscription, event string, data map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"event":     event,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.retries; attempt++ {
		if attempt > 1 {
			d.sleep(ctx, backoffDelay(attempt))
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		if lastErr = d.attempt(ctx, sub, event, body); lastErr == nil {
			deliveriesSent.Inc()
			if err := d.subscriptions.MarkSubscriptionDelivered(ctx, sub.ID, time.Now().UTC()); err != nil {
				d.logger.Error("mark subscription delivered failed", "subscriptionId", sub.ID, "err", err)
			}
			return nil
		}
		d.logger.Warn("webhook delivery attempt failed",
			"subscriptionId", sub.ID, "url", sub.URL, "attempt", attempt, "err", lastErr)
	}

	deliveriesFailed.Inc()
	if count, err := d.subscriptions.RecordSubscriptionFailure(ctx, sub.ID, lastErr.Error()); err != nil {
		d.logger.Error("record subscription failure failed", "subscriptionId", sub.ID, "err", err)
	} else if count >= types.SubscriptionFailureThreshold {
		d.logger.Warn("subscription disabled after repeated failures", "subscriptionId", sub.ID, "failures", count)
	}
	return fmt.Errorf("deliver webhook to %s: %w", sub.URL, lastErr)
}

func (d *Deliverer) attempt(ctx context.Context, sub types.WebhookSubscription, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", uuid.NewString())
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if sub.Secret != "" {
		signature := Sign(body, sub.Secret)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(headerOutboundSignature256, "sha256="+signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
	return nil
}

// Broadcast fans the event out concurrently to every active subscription
// whose event matches exactly or is the wildcard. Sent+Failed always equals
// the number of attempted subscriptions.
func (d *Deliverer) Broadcast(ctx context.Context, integrationID, event string, data map[string]any) (types.BroadcastResult, error) {
	subscriptions, err := d.subscriptions.ListSubscriptions(ctx, integrationID)
	if err != nil {
		return types.BroadcastResult{}, err
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result types.BroadcastResult
	)
	for _, sub := range subscriptions {
		if sub.Status != types.SubscriptionStatusActive || !sub.Matches(event) {
			continue
		}
		wg.Add(1)
		go func(sub types.WebhookSubscription) {
			defer wg.Done()
			err := d.Deliver(ctx, sub, event, data)
			mu.Lock()
			if err != nil {
				result.Failed++
			} else {
				result.Sent++
			}
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	return result, nil
}
