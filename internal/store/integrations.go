package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crmhub/internal/types"
)

type integrationRow struct {
	ID              string         `db:"id"`
	Type            string         `db:"type"`
	Name            string         `db:"name"`
	AuthType        string         `db:"auth_type"`
	Status          string         `db:"status"`
	Enabled         bool           `db:"enabled"`
	ConfigJSON      string         `db:"config_json"`
	CredentialsJSON string         `db:"credentials_json"`
	LastSyncJSON    sql.NullString `db:"last_sync_json"`
	LastActivityAt  sql.NullTime   `db:"last_activity_at"`
	ErrorCount      int            `db:"error_count"`
	LastError       string         `db:"last_error"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (row integrationRow) toIntegration() (*types.Integration, error) {
	integration := &types.Integration{
		ID:         row.ID,
		Type:       types.IntegrationType(row.Type),
		Name:       row.Name,
		AuthType:   types.AuthType(row.AuthType),
		Status:     types.IntegrationStatus(row.Status),
		Enabled:    row.Enabled,
		ErrorCount: row.ErrorCount,
		LastError:  row.LastError,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}

	if row.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(row.ConfigJSON), &integration.Config); err != nil {
			return nil, fmt.Errorf("decode config for %s: %w", row.ID, err)
		}
	}
	if row.CredentialsJSON != "" && row.CredentialsJSON != "{}" {
		if err := json.Unmarshal([]byte(row.CredentialsJSON), &integration.Credentials); err != nil {
			return nil, fmt.Errorf("decode credentials for %s: %w", row.ID, err)
		}
	}
	if row.LastSyncJSON.Valid && row.LastSyncJSON.String != "" {
		summary := types.SyncSummary{}
		if err := json.Unmarshal([]byte(row.LastSyncJSON.String), &summary); err != nil {
			return nil, fmt.Errorf("decode last sync for %s: %w", row.ID, err)
		}
		integration.LastSync = &summary
	}
	if row.LastActivityAt.Valid {
		at := row.LastActivityAt.Time
		integration.LastActivityAt = &at
	}
	if row.ExpiresAt.Valid {
		at := row.ExpiresAt.Time
		integration.ExpiresAt = &at
	}

	return integration, nil
}

const integrationColumns = `
	id, type, name, auth_type, status, enabled,
	config_json, credentials_json, last_sync_json,
	last_activity_at, error_count, last_error, expires_at,
	created_at, updated_at
`

func (s *Store) CreateIntegration(ctx context.Context, integration *types.Integration) error {
	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	integration.CreatedAt = now
	integration.UpdatedAt = now
	if integration.Status == "" {
		integration.Status = types.IntegrationStatusPending
	}

	configJSON, err := json.Marshal(integration.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	credentialsJSON, err := json.Marshal(integration.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO integration (
			id, type, name, auth_type, status, enabled,
			config_json, credentials_json, error_count, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		integration.ID, string(integration.Type), integration.Name,
		string(integration.AuthType), string(integration.Status), integration.Enabled,
		string(configJSON), string(credentialsJSON),
		integration.CreatedAt, integration.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

// GetIntegration returns (nil, nil) when the id is unknown so the webhook
// gateway can map absence to its own error.
func (s *Store) GetIntegration(ctx context.Context, id string) (*types.Integration, error) {
	var row integrationRow
	query := s.db.Rebind(`SELECT ` + integrationColumns + ` FROM integration WHERE id = ? LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toIntegration()
}

func (s *Store) ListIntegrations(ctx context.Context) ([]types.Integration, error) {
	rows := []integrationRow{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+integrationColumns+` FROM integration ORDER BY created_at`); err != nil {
		return nil, err
	}

	integrations := make([]types.Integration, 0, len(rows))
	for _, row := range rows {
		integration, err := row.toIntegration()
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, *integration)
	}
	return integrations, nil
}

// ListScheduled returns enabled integrations with autoSync turned on, the
// set the worker keeps recurring jobs for.
func (s *Store) ListScheduled(ctx context.Context) ([]types.Integration, error) {
	integrations, err := s.ListIntegrations(ctx)
	if err != nil {
		return nil, err
	}
	scheduled := make([]types.Integration, 0, len(integrations))
	for _, integration := range integrations {
		if integration.Enabled && integration.ConfigBool("autoSync") {
			scheduled = append(scheduled, integration)
		}
	}
	return scheduled, nil
}

func (s *Store) UpdateIntegrationConfig(ctx context.Context, id string, config map[string]any) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	query := s.db.Rebind(`UPDATE integration SET config_json = ?, updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, string(configJSON), time.Now().UTC(), id)
}

// SaveCredentials stores fresh credentials and moves the integration back to
// active with a clean error slate.
func (s *Store) SaveCredentials(ctx context.Context, id string, credentials types.Credentials, expiresAt *time.Time) error {
	credentialsJSON, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	query := s.db.Rebind(`
		UPDATE integration
		SET credentials_json = ?, expires_at = ?, status = ?,
			error_count = 0, last_error = '', updated_at = ?
		WHERE id = ?
	`)
	return s.exec(ctx, query, string(credentialsJSON), expiresAt,
		string(types.IntegrationStatusActive), time.Now().UTC(), id)
}

func (s *Store) SetIntegrationStatus(ctx context.Context, id string, status types.IntegrationStatus) error {
	query := s.db.Rebind(`UPDATE integration SET status = ?, updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, string(status), time.Now().UTC(), id)
}

func (s *Store) SetIntegrationEnabled(ctx context.Context, id string, enabled bool) error {
	query := s.db.Rebind(`UPDATE integration SET enabled = ?, updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, enabled, time.Now().UTC(), id)
}

func (s *Store) UpdateLastSync(ctx context.Context, id string, summary types.SyncSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode last sync: %w", err)
	}
	query := s.db.Rebind(`UPDATE integration SET last_sync_json = ?, updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, string(summaryJSON), time.Now().UTC(), id)
}

// RecordIntegrationError increments the error counter and returns the new
// count. Crossing the threshold flips the integration to error status.
func (s *Store) RecordIntegrationError(ctx context.Context, id, message string) (int, error) {
	query := s.db.Rebind(`
		UPDATE integration
		SET error_count = error_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`)
	if err := s.exec(ctx, query, message, time.Now().UTC(), id); err != nil {
		return 0, err
	}

	var count int
	countQuery := s.db.Rebind(`SELECT error_count FROM integration WHERE id = ?`)
	if err := s.db.GetContext(ctx, &count, countQuery, id); err != nil {
		return 0, err
	}

	if count >= types.IntegrationErrorThreshold {
		if err := s.SetIntegrationStatus(ctx, id, types.IntegrationStatusError); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (s *Store) ResetIntegrationErrors(ctx context.Context, id string) error {
	query := s.db.Rebind(`UPDATE integration SET error_count = 0, last_error = '', updated_at = ? WHERE id = ?`)
	return s.exec(ctx, query, time.Now().UTC(), id)
}

func (s *Store) TouchIntegrationActivity(ctx context.Context, id string, at time.Time) error {
	query := s.db.Rebind(`UPDATE integration SET last_activity_at = ? WHERE id = ?`)
	return s.exec(ctx, query, at.UTC(), id)
}

// DeleteIntegration removes the integration; subscriptions and sync runs go
// with it via ON DELETE CASCADE.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM integration WHERE id = ?`)
	return s.exec(ctx, query, id)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}
