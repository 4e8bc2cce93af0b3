package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crmhub/internal/types"
)

// Records returns the CRM record store the sync engine reconciles against.
func (s *Store) Records() *RecordStore {
	return &RecordStore{store: s}
}

// RecordStore persists CRM records as JSON documents with a side table of
// natural keys so lookups stay indexed on both postgres and sqlite.
type RecordStore struct {
	store *Store
}

func (r *RecordStore) Find(ctx context.Context, entity string, keys map[string]string) (types.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(keys))
	args := []any{entity}
	for name, value := range keys {
		clauses = append(clauses, `(k.name = ? AND k.value = ?)`)
		args = append(args, name, value)
	}

	db := r.store.db
	query := db.Rebind(`
		SELECT r.data_json FROM crm_record r
		JOIN crm_record_key k ON k.record_id = r.id
		WHERE r.entity = ? AND (` + strings.Join(clauses, " OR ") + `)
		LIMIT 1
	`)

	var raw string
	if err := db.GetContext(ctx, &raw, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	record := types.Record{}
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode crm record: %w", err)
	}
	return record, nil
}

func (r *RecordStore) Create(ctx context.Context, entity string, record types.Record) (string, error) {
	id := record.String("id")
	if id == "" {
		id = uuid.NewString()
	}

	stored := types.Record{}
	for key, value := range record {
		stored[key] = value
	}
	stored["id"] = id

	raw, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("encode crm record: %w", err)
	}

	db := r.store.db
	now := time.Now().UTC()
	query := db.Rebind(`
		INSERT INTO crm_record (id, entity, data_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if _, err := db.ExecContext(ctx, query, id, entity, string(raw), now, now); err != nil {
		return "", err
	}

	if err := r.indexKeys(ctx, id, entity, stored); err != nil {
		return "", err
	}
	return id, nil
}

func (r *RecordStore) Update(ctx context.Context, entity, id string, record types.Record) error {
	stored := types.Record{}
	for key, value := range record {
		stored[key] = value
	}
	stored["id"] = id

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode crm record: %w", err)
	}

	db := r.store.db
	query := db.Rebind(`
		UPDATE crm_record SET data_json = ?, updated_at = ? WHERE id = ? AND entity = ?
	`)
	result, err := db.ExecContext(ctx, query, string(raw), time.Now().UTC(), id, entity)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}

	return r.indexKeys(ctx, id, entity, stored)
}

func (r *RecordStore) UpdatedSince(ctx context.Context, entity string, since time.Time, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	db := r.store.db
	query := db.Rebind(`
		SELECT data_json FROM crm_record
		WHERE entity = ? AND updated_at > ?
		ORDER BY updated_at ASC
		LIMIT ?
	`)

	rows := []string{}
	if err := db.SelectContext(ctx, &rows, query, entity, since, limit); err != nil {
		return nil, err
	}

	records := make([]types.Record, 0, len(rows))
	for _, raw := range rows {
		record := types.Record{}
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode crm record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// indexKeys rewrites the natural key rows for one record.
func (r *RecordStore) indexKeys(ctx context.Context, id, entity string, record types.Record) error {
	db := r.store.db

	del := db.Rebind(`DELETE FROM crm_record_key WHERE record_id = ?`)
	if _, err := db.ExecContext(ctx, del, id); err != nil {
		return err
	}

	ins := db.Rebind(`INSERT INTO crm_record_key (record_id, entity, name, value) VALUES (?, ?, ?, ?)`)
	for name, value := range types.NaturalKeys(entity, record) {
		if _, err := db.ExecContext(ctx, ins, id, entity, name, value); err != nil {
			return err
		}
	}
	return nil
}
