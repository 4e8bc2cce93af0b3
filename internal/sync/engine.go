package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crmhub/internal/registry"
	"crmhub/internal/types"
)

// ErrHandlerUnavailable is returned when no handler is bound for the
// integration's type or the handler lacks the capability the requested
// direction needs.
var ErrHandlerUnavailable = errors.New("handler unavailable for requested sync")

const outboundBatchLimit = 1000

// RecordStore is the CRM-side keyed read/upsert interface the engine
// reconciles against.
type RecordStore interface {
	// Find returns the existing CRM record matching any of the natural keys,
	// or nil when there is no match.
	Find(ctx context.Context, entity string, keys map[string]string) (types.Record, error)
	Create(ctx context.Context, entity string, record types.Record) (string, error)
	Update(ctx context.Context, entity, id string, record types.Record) error
	UpdatedSince(ctx context.Context, entity string, since time.Time, limit int) ([]types.Record, error)
}

// Engine reconciles external records against CRM records in either
// direction for one integration at a time.
type Engine struct {
	registry *registry.Registry
	crm      RecordStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(reg *registry.Registry, crm RecordStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: reg,
		crm:      crm,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one sync for the integration. Record-level and entity-level
// errors are collected into the result, never thrown; the result is always
// returned even when Success is false.
func (e *Engine) Run(ctx context.Context, integration *types.Integration, opts types.SyncOptions) (*types.SyncResult, error) {
	started := e.now()

	handler, err := e.registry.Handler(integration.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandlerUnavailable, err)
	}

	direction := e.resolveDirection(integration, opts)
	puller, canPull := handler.(registry.Puller)
	pusher, canPush := handler.(registry.Pusher)
	if direction == types.SyncDirectionInbound && !canPull {
		return nil, fmt.Errorf("%w: %s cannot pull", ErrHandlerUnavailable, integration.Type)
	}
	if direction == types.SyncDirectionOutbound && !canPush {
		return nil, fmt.Errorf("%w: %s cannot push", ErrHandlerUnavailable, integration.Type)
	}

	entities := e.resolveEntities(integration, opts)
	mapping := integration.FieldMapping()

	result := &types.SyncResult{}
	for _, entity := range entities {
		if direction.Inbound() && canPull {
			partial := e.syncInbound(ctx, puller, integration, entity, mapping, opts.DryRun)
			result.Merge(partial)
		}
		if direction.Outbound() && canPush {
			partial := e.syncOutbound(ctx, pusher, integration, entity, mapping, opts.DryRun)
			result.Merge(partial)
		}
	}

	result.Success = len(result.Errors) == 0
	result.DurationMs = e.now().Sub(started).Milliseconds()

	if integration.ConfigBool("autoSync") {
		frequency := types.SyncFrequency(integration.ConfigString("syncFrequency"))
		if frequency != types.SyncFrequencyManual {
			next := e.now().Add(frequency.Interval())
			result.NextSyncAt = &next
		}
	}

	return result, nil
}

func (e *Engine) resolveDirection(integration *types.Integration, opts types.SyncOptions) types.SyncDirection {
	if opts.Direction != "" {
		return opts.Direction
	}
	if configured := integration.ConfigString("syncDirection"); configured != "" {
		return types.SyncDirection(configured)
	}
	return types.SyncDirectionBidirectional
}

func (e *Engine) resolveEntities(integration *types.Integration, opts types.SyncOptions) []string {
	if len(opts.Entities) > 0 {
		return opts.Entities
	}
	enabled := []string{}
	for entity := range canonicalFields {
		if integration.FeatureEnabled(entity) {
			enabled = append(enabled, entity)
		}
	}
	if len(enabled) > 0 {
		return enabled
	}
	return []string{"contacts"}
}

// syncInbound pulls one page of external records and reconciles each against
// the CRM store. An empty page is not an error. A pull failure contributes a
// single entity-tagged error without aborting sibling entities.
func (e *Engine) syncInbound(ctx context.Context, puller registry.Puller, integration *types.Integration, entity string, mapping map[string]string, dryRun bool) types.SyncResult {
	partial := types.SyncResult{}

	records, err := puller.PullData(ctx, integration, entity)
	if err != nil {
		partial.Errors = append(partial.Errors, fmt.Sprintf("%s: pull failed: %v", entity, err))
		return partial
	}

	for _, external := range records {
		partial.Processed++

		mapped := mapInbound(mapping, entity, external)
		if mapped == nil {
			partial.Skipped++
			continue
		}

		if dryRun {
			partial.Skipped++
			continue
		}

		if err := e.reconcile(ctx, entity, mapped, &partial); err != nil {
			partial.Errors = append(partial.Errors, fmt.Sprintf("%s: %v", entity, err))
		}
	}

	return partial
}

// reconcile decides create vs update by the entity's natural keys.
func (e *Engine) reconcile(ctx context.Context, entity string, mapped types.Record, partial *types.SyncResult) error {
	keys := types.NaturalKeys(entity, mapped)
	if len(keys) == 0 {
		partial.Skipped++
		return nil
	}

	existing, err := e.crm.Find(ctx, entity, keys)
	if err != nil {
		return fmt.Errorf("lookup failed: %w", err)
	}

	if existing != nil {
		id := existing.String("id")
		merged := types.Record{}
		for key, value := range existing {
			merged[key] = value
		}
		for key, value := range mapped {
			merged[key] = value
		}
		if err := e.crm.Update(ctx, entity, id, merged); err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		partial.Updated++
		return nil
	}

	if _, err := e.crm.Create(ctx, entity, mapped); err != nil {
		return fmt.Errorf("create failed: %w", err)
	}
	partial.Created++
	return nil
}

// syncOutbound pushes CRM records updated since the last sync. Each pushed
// record carries an idempotency key so providers can deduplicate retries.
func (e *Engine) syncOutbound(ctx context.Context, pusher registry.Pusher, integration *types.Integration, entity string, mapping map[string]string, dryRun bool) types.SyncResult {
	partial := types.SyncResult{}

	since := time.Time{}
	if integration.LastSync != nil {
		since = integration.LastSync.Timestamp
	}

	records, err := e.crm.UpdatedSince(ctx, entity, since, outboundBatchLimit)
	if err != nil {
		partial.Errors = append(partial.Errors, fmt.Sprintf("%s: fetch updated failed: %v", entity, err))
		return partial
	}
	if len(records) == 0 {
		return partial
	}

	outbound := make([]types.Record, 0, len(records))
	for _, record := range records {
		partial.Processed++
		mapped := mapOutbound(mapping, entity, record)
		if mapped == nil {
			partial.Skipped++
			continue
		}
		if id := record.String("id"); id != "" {
			mapped["idempotencyKey"] = entity + ":" + id
		}
		outbound = append(outbound, mapped)
	}

	if dryRun || len(outbound) == 0 {
		partial.Skipped += len(outbound)
		return partial
	}

	pushed, err := pusher.PushData(ctx, integration, entity, outbound)
	if err != nil {
		partial.Errors = append(partial.Errors, fmt.Sprintf("%s: push failed: %v", entity, err))
		return partial
	}

	partial.Created += pushed.Created
	partial.Updated += pushed.Updated
	partial.Skipped += pushed.Skipped
	for _, pushErr := range pushed.Errors {
		partial.Errors = append(partial.Errors, fmt.Sprintf("%s: %s", entity, pushErr))
	}
	return partial
}
