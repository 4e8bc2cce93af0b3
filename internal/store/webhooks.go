package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"crmhub/internal/types"
)

const subscriptionColumns = `
	id, integration_id, url, event, secret, status,
	failure_count, last_error, last_delivery_at, created_at, updated_at
`

func (s *Store) CreateSubscription(ctx context.Context, sub *types.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Event == "" {
		sub.Event = "*"
	}
	if sub.Status == "" {
		sub.Status = types.SubscriptionStatusActive
	}

	query := s.db.Rebind(`
		INSERT INTO webhook_subscription (
			id, integration_id, url, event, secret, status,
			failure_count, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.IntegrationID, sub.URL, sub.Event, sub.Secret,
		string(sub.Status), sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*types.WebhookSubscription, error) {
	var sub types.WebhookSubscription
	query := s.db.Rebind(`SELECT ` + subscriptionColumns + ` FROM webhook_subscription WHERE id = ? LIMIT 1`)
	if err := s.db.GetContext(ctx, &sub, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, integrationID string) ([]types.WebhookSubscription, error) {
	subs := []types.WebhookSubscription{}
	query := s.db.Rebind(`
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscription
		WHERE integration_id = ?
		ORDER BY created_at
	`)
	if err := s.db.SelectContext(ctx, &subs, query, integrationID); err != nil {
		return nil, err
	}
	return subs, nil
}

// MarkSubscriptionDelivered records a successful delivery: failure count
// resets and the subscription returns to active.
func (s *Store) MarkSubscriptionDelivered(ctx context.Context, id string, at time.Time) error {
	query := s.db.Rebind(`
		UPDATE webhook_subscription
		SET failure_count = 0, last_error = '', status = ?,
			last_delivery_at = ?, updated_at = ?
		WHERE id = ?
	`)
	return s.exec(ctx, query, string(types.SubscriptionStatusActive), at.UTC(), time.Now().UTC(), id)
}

// RecordSubscriptionFailure increments the failure counter and returns the
// new count. Crossing the threshold disables the subscription with error
// status.
func (s *Store) RecordSubscriptionFailure(ctx context.Context, id, message string) (int, error) {
	query := s.db.Rebind(`
		UPDATE webhook_subscription
		SET failure_count = failure_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`)
	if err := s.exec(ctx, query, message, time.Now().UTC(), id); err != nil {
		return 0, err
	}

	var count int
	countQuery := s.db.Rebind(`SELECT failure_count FROM webhook_subscription WHERE id = ?`)
	if err := s.db.GetContext(ctx, &count, countQuery, id); err != nil {
		return 0, err
	}

	if count >= types.SubscriptionFailureThreshold {
		statusQuery := s.db.Rebind(`UPDATE webhook_subscription SET status = ?, updated_at = ? WHERE id = ?`)
		if err := s.exec(ctx, statusQuery, string(types.SubscriptionStatusError), time.Now().UTC(), id); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM webhook_subscription WHERE id = ?`)
	return s.exec(ctx, query, id)
}

func (s *Store) DeleteIntegrationSubscriptions(ctx context.Context, integrationID string) error {
	query := s.db.Rebind(`DELETE FROM webhook_subscription WHERE integration_id = ?`)
	_, err := s.db.ExecContext(ctx, query, integrationID)
	return err
}
