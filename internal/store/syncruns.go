package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crmhub/internal/types"
)

// RecordSyncRun persists one sync invocation for the run log.
func (s *Store) RecordSyncRun(ctx context.Context, integrationID, triggeredBy, direction string, result *types.SyncResult) (*types.SyncRun, error) {
	run := &types.SyncRun{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		TriggeredBy:   triggeredBy,
		Direction:     direction,
		Success:       result.Success,
		Processed:     result.Processed,
		Created:       result.Created,
		Updated:       result.Updated,
		Skipped:       result.Skipped,
		ErrorCount:    len(result.Errors),
		DurationMs:    result.DurationMs,
		StartedAt:     time.Now().UTC(),
	}

	errorsJSON, err := json.Marshal(result.Errors)
	if err != nil {
		return nil, fmt.Errorf("encode sync errors: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO sync_run (
			id, integration_id, triggered_by, direction, success,
			processed, created, updated, skipped, error_count,
			errors_json, duration_ms, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.IntegrationID, run.TriggeredBy, run.Direction, run.Success,
		run.Processed, run.Created, run.Updated, run.Skipped, run.ErrorCount,
		string(errorsJSON), run.DurationMs, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert sync run: %w", err)
	}
	return run, nil
}

func (s *Store) ListSyncRuns(ctx context.Context, integrationID string, limit int) ([]types.SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	runs := []types.SyncRun{}
	query := s.db.Rebind(`
		SELECT id, integration_id, triggered_by, direction, success,
			processed, created, updated, skipped, error_count,
			duration_ms, started_at
		FROM sync_run
		WHERE integration_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`)
	if err := s.db.SelectContext(ctx, &runs, query, integrationID, limit); err != nil {
		return nil, err
	}
	return runs, nil
}

// AnalyticsSummary is the management dashboard rollup.
type AnalyticsSummary struct {
	Total        int                             `json:"total"`
	Enabled      int                             `json:"enabled"`
	ByStatus     map[types.IntegrationStatus]int `json:"byStatus"`
	RecentErrors []IntegrationError              `json:"recentErrors"`
}

type IntegrationError struct {
	IntegrationID string `json:"integrationId" db:"id"`
	Name          string `json:"name" db:"name"`
	LastError     string `json:"lastError" db:"last_error"`
	ErrorCount    int    `json:"errorCount" db:"error_count"`
}

func (s *Store) Analytics(ctx context.Context) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{
		ByStatus:     map[types.IntegrationStatus]int{},
		RecentErrors: []IntegrationError{},
	}

	rows := []struct {
		Status  string `db:"status"`
		Enabled bool   `db:"enabled"`
		Count   int    `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, enabled, COUNT(*) AS count
		FROM integration
		GROUP BY status, enabled
	`)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		summary.Total += row.Count
		summary.ByStatus[types.IntegrationStatus(row.Status)] += row.Count
		if row.Enabled {
			summary.Enabled += row.Count
		}
	}

	errQuery := s.db.Rebind(`
		SELECT id, name, last_error, error_count
		FROM integration
		WHERE last_error != ''
		ORDER BY updated_at DESC
		LIMIT ?
	`)
	if err := s.db.SelectContext(ctx, &summary.RecentErrors, errQuery, 10); err != nil {
		return nil, err
	}

	return summary, nil
}
