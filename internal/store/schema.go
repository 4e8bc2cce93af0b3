package store

import (
	"context"
	"fmt"
)

// schema keeps portable SQL: TEXT timestamps and JSON columns work the same
// on postgres and sqlite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS integration (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		auth_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		enabled INTEGER NOT NULL DEFAULT 0,
		config_json TEXT NOT NULL DEFAULT '{}',
		credentials_json TEXT NOT NULL DEFAULT '{}',
		last_sync_json TEXT,
		last_activity_at TIMESTAMP,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_integration_type ON integration (type)`,
	`CREATE INDEX IF NOT EXISTS idx_integration_status ON integration (status)`,

	`CREATE TABLE IF NOT EXISTS webhook_subscription (
		id TEXT PRIMARY KEY,
		integration_id TEXT NOT NULL REFERENCES integration (id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		event TEXT NOT NULL DEFAULT '*',
		secret TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_delivery_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_subscription_integration ON webhook_subscription (integration_id)`,

	`CREATE TABLE IF NOT EXISTS sync_run (
		id TEXT PRIMARY KEY,
		integration_id TEXT NOT NULL REFERENCES integration (id) ON DELETE CASCADE,
		triggered_by TEXT NOT NULL DEFAULT 'manual',
		direction TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT NOT NULL DEFAULT '[]',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_run_integration ON sync_run (integration_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS crm_record (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			data_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crm_record_entity_updated ON crm_record (entity, updated_at)`,

	`CREATE TABLE IF NOT EXISTS crm_record_key (
			record_id TEXT NOT NULL REFERENCES crm_record (id) ON DELETE CASCADE,
			entity TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (record_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crm_record_key_lookup ON crm_record_key (entity, name, value)`,

	`CREATE TABLE IF NOT EXISTS account (
		id INTEGER PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT,
		email TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'admin',
		created_at TIMESTAMP NOT NULL
	)`,
}

// EnsureSchema creates the tables when they do not exist yet. Deployments
// with managed migrations can skip it.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
