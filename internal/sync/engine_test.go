package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"crmhub/internal/registry"
	"crmhub/internal/types"
)

type memoryRecordStore struct {
	records map[string][]types.Record // entity -> records, each with "id"
	nextID  int
	updated map[string][]types.Record // entity -> records returned by UpdatedSince
}

func newMemoryRecordStore() *memoryRecordStore {
	return &memoryRecordStore{
		records: make(map[string][]types.Record),
		updated: make(map[string][]types.Record),
	}
}

func (s *memoryRecordStore) Find(ctx context.Context, entity string, keys map[string]string) (types.Record, error) {
	for _, record := range s.records[entity] {
		for key, value := range keys {
			if record.String(key) == value {
				return record, nil
			}
		}
	}
	return nil, nil
}

func (s *memoryRecordStore) Create(ctx context.Context, entity string, record types.Record) (string, error) {
	s.nextID++
	id := fmt.Sprintf("crm-%d", s.nextID)
	stored := types.Record{"id": id}
	for key, value := range record {
		stored[key] = value
	}
	s.records[entity] = append(s.records[entity], stored)
	return id, nil
}

func (s *memoryRecordStore) Update(ctx context.Context, entity, id string, record types.Record) error {
	for i, existing := range s.records[entity] {
		if existing.String("id") == id {
			s.records[entity][i] = record
			return nil
		}
	}
	return fmt.Errorf("record %s not found", id)
}

func (s *memoryRecordStore) UpdatedSince(ctx context.Context, entity string, since time.Time, limit int) ([]types.Record, error) {
	return s.updated[entity], nil
}

// pullHandler pulls canned pages per entity; entities mapped to an error
// value fail the pull.
type pullHandler struct {
	pages  map[string][]types.Record
	errs   map[string]error
	pushed map[string][]types.Record
	push   types.PushResult
}

func (h *pullHandler) TestConnection(ctx context.Context, integration *types.Integration) error {
	return nil
}

func (h *pullHandler) PullData(ctx context.Context, integration *types.Integration, entity string) ([]types.Record, error) {
	if err := h.errs[entity]; err != nil {
		return nil, err
	}
	return h.pages[entity], nil
}

func (h *pullHandler) PushData(ctx context.Context, integration *types.Integration, entity string, records []types.Record) (types.PushResult, error) {
	if h.pushed == nil {
		h.pushed = make(map[string][]types.Record)
	}
	h.pushed[entity] = records
	return h.push, nil
}

// pullOnlyHandler has no push capability.
type pullOnlyHandler struct {
	pages map[string][]types.Record
}

func (h *pullOnlyHandler) TestConnection(ctx context.Context, integration *types.Integration) error {
	return nil
}

func (h *pullOnlyHandler) PullData(ctx context.Context, integration *types.Integration, entity string) ([]types.Record, error) {
	return h.pages[entity], nil
}

func newEngineWith(t *testing.T, handler registry.Handler, crm RecordStore) *Engine {
	t.Helper()
	reg := registry.WithDefaults()
	if err := reg.Bind(types.IntegrationTypeHubspot, handler); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	return NewEngine(reg, crm, slog.Default())
}

func inboundIntegration() *types.Integration {
	return &types.Integration{
		ID:     "int-1",
		Type:   types.IntegrationTypeHubspot,
		Status: types.IntegrationStatusActive,
		Config: map[string]any{"syncDirection": string(types.SyncDirectionInbound)},
	}
}

func TestRunReconciliationCreateAndUpdate(t *testing.T) {
	crm := newMemoryRecordStore()
	// existing CRM contact for the update path
	if _, err := crm.Create(context.Background(), "contacts", types.Record{"email": "known@example.com", "firstName": "Old"}); err != nil {
		t.Fatalf("seed create: %v", err)
	}

	handler := &pullHandler{pages: map[string][]types.Record{
		"contacts": {
			{"email": "known@example.com", "first_name": "New"},
			{"email_address": "fresh@example.com", "first_name": "Fresh"},
		},
	}}
	engine := newEngineWith(t, handler, crm)

	result, err := engine.Run(context.Background(), inboundIntegration(), types.SyncOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !result.Success {
		t.Fatalf("Success = false, errors = %v", result.Errors)
	}
	if result.Processed != 2 {
		t.Fatalf("Processed = %d, want 2", result.Processed)
	}
	if result.Updated != 1 {
		t.Fatalf("Updated = %d, want 1", result.Updated)
	}
	if result.Created != 1 {
		t.Fatalf("Created = %d, want 1", result.Created)
	}

	// the update merged the new mapped value over the existing record
	updated, _ := crm.Find(context.Background(), "contacts", map[string]string{"email": "known@example.com"})
	if updated.String("firstName") != "New" {
		t.Fatalf("merged firstName = %q, want New", updated.String("firstName"))
	}
	// the fallback chain mapped email_address for the created record
	created, _ := crm.Find(context.Background(), "contacts", map[string]string{"email": "fresh@example.com"})
	if created == nil {
		t.Fatal("record with fallback-mapped email not created")
	}
}

func TestRunPartialFailureIsolation(t *testing.T) {
	crm := newMemoryRecordStore()
	handler := &pullHandler{
		pages: map[string][]types.Record{
			"contacts": {{"email": "a@example.com"}},
		},
		errs: map[string]error{
			"deals": errors.New("provider 500"),
		},
	}
	engine := newEngineWith(t, handler, crm)

	result, err := engine.Run(context.Background(), inboundIntegration(), types.SyncOptions{
		Entities: []string{"contacts", "deals"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if result.Created != 1 {
		t.Fatalf("Created = %d, want contacts result preserved", result.Created)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly one", result.Errors)
	}
	if !strings.Contains(result.Errors[0], "deals") {
		t.Fatalf("error %q does not reference failing entity", result.Errors[0])
	}
}

func TestRunDryRunCountsSkipped(t *testing.T) {
	crm := newMemoryRecordStore()
	handler := &pullHandler{pages: map[string][]types.Record{
		"contacts": {{"email": "a@example.com"}, {"email": "b@example.com"}},
	}}
	engine := newEngineWith(t, handler, crm)

	result, err := engine.Run(context.Background(), inboundIntegration(), types.SyncOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Skipped != 2 || result.Created != 0 || result.Updated != 0 {
		t.Fatalf("dry run result = %+v, want everything skipped", result)
	}
	if len(crm.records["contacts"]) != 0 {
		t.Fatal("dry run wrote to the record store")
	}
}

func TestRunUnmappableRecordSkipped(t *testing.T) {
	crm := newMemoryRecordStore()
	handler := &pullHandler{pages: map[string][]types.Record{
		"contacts": {{"unrelated_key": "nothing maps"}},
	}}
	engine := newEngineWith(t, handler, crm)

	result, err := engine.Run(context.Background(), inboundIntegration(), types.SyncOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Skipped != 1 || result.Created != 0 {
		t.Fatalf("result = %+v, want one skipped", result)
	}
}

func TestRunEmptyPageIsNotAnError(t *testing.T) {
	engine := newEngineWith(t, &pullHandler{}, newMemoryRecordStore())

	result, err := engine.Run(context.Background(), inboundIntegration(), types.SyncOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Success || result.Processed != 0 {
		t.Fatalf("result = %+v, want clean empty run", result)
	}
}

func TestRunOutboundPushWithIdempotencyKey(t *testing.T) {
	crm := newMemoryRecordStore()
	crm.updated["contacts"] = []types.Record{
		{"id": "crm-9", "email": "out@example.com", "firstName": "Out"},
	}
	handler := &pullHandler{push: types.PushResult{Created: 1}}
	engine := newEngineWith(t, handler, crm)

	integration := inboundIntegration()
	integration.Config["syncDirection"] = string(types.SyncDirectionOutbound)
	integration.LastSync = &types.SyncSummary{Timestamp: time.Now().Add(-time.Hour)}

	result, err := engine.Run(context.Background(), integration, types.SyncOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Created != 1 {
		t.Fatalf("Created = %d, want handler-classified 1", result.Created)
	}

	pushed := handler.pushed["contacts"]
	if len(pushed) != 1 {
		t.Fatalf("pushed = %d records, want 1", len(pushed))
	}
	if pushed[0].String("idempotencyKey") != "contacts:crm-9" {
		t.Fatalf("idempotencyKey = %q", pushed[0].String("idempotencyKey"))
	}
	if pushed[0].String("email") != "out@example.com" {
		t.Fatalf("outbound email = %q", pushed[0].String("email"))
	}
}

func TestRunOutboundNoopWithoutPusher(t *testing.T) {
	crm := newMemoryRecordStore()
	crm.updated["contacts"] = []types.Record{{"id": "crm-1", "email": "x@example.com"}}
	engine := newEngineWith(t, &pullOnlyHandler{}, crm)

	// bidirectional with a pull-only handler: outbound silently skipped
	integration := inboundIntegration()
	integration.Config["syncDirection"] = string(types.SyncDirectionBidirectional)

	result, err := engine.Run(context.Background(), integration, types.SyncOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false: %v", result.Errors)
	}

	// explicit outbound against a pull-only handler is a capability error
	if _, err := engine.Run(context.Background(), integration, types.SyncOptions{Direction: types.SyncDirectionOutbound}); !errors.Is(err, ErrHandlerUnavailable) {
		t.Fatalf("outbound Run() error = %v, want ErrHandlerUnavailable", err)
	}
}

func TestRunNextSyncAt(t *testing.T) {
	engine := newEngineWith(t, &pullHandler{}, newMemoryRecordStore())

	tests := []struct {
		frequency string
		autoSync  bool
		wantNext  bool
		interval  time.Duration
	}{
		{"hourly", true, true, time.Hour},
		{"daily", true, true, 24 * time.Hour},
		{"weekly", true, true, 7 * 24 * time.Hour},
		{"unrecognized", true, true, time.Hour},
		{"manual", true, false, 0},
		{"hourly", false, false, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-auto-%v", tt.frequency, tt.autoSync), func(t *testing.T) {
			integration := inboundIntegration()
			integration.Config["autoSync"] = tt.autoSync
			integration.Config["syncFrequency"] = tt.frequency

			result, err := engine.Run(context.Background(), integration, types.SyncOptions{})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if tt.wantNext && result.NextSyncAt == nil {
				t.Fatal("NextSyncAt = nil, want set")
			}
			if !tt.wantNext && result.NextSyncAt != nil {
				t.Fatalf("NextSyncAt = %v, want nil", result.NextSyncAt)
			}
			if tt.wantNext {
				until := time.Until(*result.NextSyncAt)
				if until < tt.interval-time.Minute || until > tt.interval+time.Minute {
					t.Fatalf("NextSyncAt %v away, want ~%v", until, tt.interval)
				}
			}
		})
	}
}

func TestRunUnknownTypeFailsBeforeNetwork(t *testing.T) {
	engine := NewEngine(registry.WithDefaults(), newMemoryRecordStore(), slog.Default())
	integration := &types.Integration{ID: "int-x", Type: "doesnotexist"}

	if _, err := engine.Run(context.Background(), integration, types.SyncOptions{}); !errors.Is(err, ErrHandlerUnavailable) {
		t.Fatalf("Run() error = %v, want ErrHandlerUnavailable", err)
	}
}
