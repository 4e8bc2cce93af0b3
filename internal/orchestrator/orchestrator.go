package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crmhub/internal/events"
	"crmhub/internal/registry"
	syncengine "crmhub/internal/sync"
	"crmhub/internal/types"
)

var (
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrInvalidConfig       = errors.New("invalid integration config")
)

// Store is the persistence surface the orchestrator drives.
type Store interface {
	CreateIntegration(ctx context.Context, integration *types.Integration) error
	GetIntegration(ctx context.Context, id string) (*types.Integration, error)
	ListIntegrations(ctx context.Context) ([]types.Integration, error)
	UpdateIntegrationConfig(ctx context.Context, id string, config map[string]any) error
	SaveCredentials(ctx context.Context, id string, credentials types.Credentials, expiresAt *time.Time) error
	SetIntegrationStatus(ctx context.Context, id string, status types.IntegrationStatus) error
	SetIntegrationEnabled(ctx context.Context, id string, enabled bool) error
	UpdateLastSync(ctx context.Context, id string, summary types.SyncSummary) error
	RecordIntegrationError(ctx context.Context, id, message string) (int, error)
	ResetIntegrationErrors(ctx context.Context, id string) error
	DeleteIntegration(ctx context.Context, id string) error
	DeleteIntegrationSubscriptions(ctx context.Context, integrationID string) error
	RecordSyncRun(ctx context.Context, integrationID, triggeredBy, direction string, result *types.SyncResult) (*types.SyncRun, error)
}

// Syncer runs one sync for one integration.
type Syncer interface {
	Run(ctx context.Context, integration *types.Integration, opts types.SyncOptions) (*types.SyncResult, error)
}

// CredentialManager is the OAuth lifecycle surface.
type CredentialManager interface {
	AuthURL(integration *types.Integration, state string) (string, error)
	ExchangeCode(ctx context.Context, integration *types.Integration, code string) (types.OAuthTokens, error)
	Refresh(ctx context.Context, integration *types.Integration) (types.OAuthTokens, error)
	Revoke(ctx context.Context, integration *types.Integration) error
	Validate(ctx context.Context, integration *types.Integration) bool
}

// Orchestrator owns the integration lifecycle: install, configure,
// authenticate, sync, toggle, remove. Mutating operations on one integration
// are serialized through a per-integration lock.
type Orchestrator struct {
	registry    *registry.Registry
	store       Store
	credentials CredentialManager
	syncer      Syncer
	scheduler   *Scheduler
	sink        events.Sink
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Orchestrator)

func WithScheduler(scheduler *Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = scheduler }
}

func WithEventSink(sink events.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

func New(reg *registry.Registry, store Store, credentials CredentialManager, syncer Syncer, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		registry:    reg,
		store:       store,
		credentials: credentials,
		syncer:      syncer,
		sink:        events.NopSink{},
		logger:      logger,
		locks:       map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) lock(id string) func() {
	o.mu.Lock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	o.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.locks, id)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(ctx context.Context, eventType, integrationID string, data map[string]any) {
	o.sink.Publish(ctx, events.Event{
		Type:          eventType,
		IntegrationID: integrationID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	})
}

type InstallRequest struct {
	Type     types.IntegrationType `json:"type"`
	Name     string                `json:"name"`
	AuthType types.AuthType        `json:"authType"`
	Config   map[string]any        `json:"config"`
}

// Install registers a new integration in pending status. The type must be in
// the catalog and the auth type must be one the provider supports.
func (o *Orchestrator) Install(ctx context.Context, req InstallRequest) (*types.Integration, error) {
	metadata, err := o.registry.Metadata(req.Type)
	if err != nil {
		return nil, err
	}

	authType := req.AuthType
	if authType == "" {
		authType = metadata.DefaultAuthType
	}
	if !metadata.SupportsAuthType(authType) {
		return nil, fmt.Errorf("%w: %s does not support auth type %s", ErrInvalidConfig, req.Type, authType)
	}

	config := map[string]any{}
	for key, value := range metadata.DefaultConfig {
		config[key] = value
	}
	for key, value := range req.Config {
		config[key] = value
	}
	if err := o.validateConfig(req.Type, config); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = metadata.Name
	}

	integration := &types.Integration{
		Type:     req.Type,
		Name:     name,
		AuthType: authType,
		Status:   types.IntegrationStatusPending,
		Config:   config,
	}
	if err := o.store.CreateIntegration(ctx, integration); err != nil {
		return nil, err
	}

	o.logger.Info("integration installed", "id", integration.ID, "type", integration.Type)
	o.emit(ctx, events.TypeIntegrationInstalled, integration.ID, map[string]any{"type": string(integration.Type)})
	return integration, nil
}

func (o *Orchestrator) validateConfig(integrationType types.IntegrationType, config map[string]any) error {
	handler, err := o.registry.Handler(integrationType)
	if err != nil {
		// catalog-only entries skip handler validation
		if errors.Is(err, registry.ErrNotSupported) {
			return err
		}
		return nil
	}
	if validator, ok := handler.(registry.ConfigValidator); ok {
		if err := validator.ValidateConfig(config); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Get loads one integration or ErrIntegrationNotFound.
func (o *Orchestrator) Get(ctx context.Context, id string) (*types.Integration, error) {
	integration, err := o.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if integration == nil {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, id)
	}
	return integration, nil
}

func (o *Orchestrator) List(ctx context.Context) ([]types.Integration, error) {
	return o.store.ListIntegrations(ctx)
}

// Configure merges new config keys over the existing config and reschedules
// when sync settings changed.
func (o *Orchestrator) Configure(ctx context.Context, id string, config map[string]any) (*types.Integration, error) {
	unlock := o.lock(id)
	defer unlock()

	integration, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	for key, value := range integration.Config {
		merged[key] = value
	}
	for key, value := range config {
		merged[key] = value
	}
	if err := o.validateConfig(integration.Type, merged); err != nil {
		return nil, err
	}
	if err := o.store.UpdateIntegrationConfig(ctx, id, merged); err != nil {
		return nil, err
	}
	integration.Config = merged

	o.reschedule(integration)
	o.emit(ctx, events.TypeIntegrationConfigured, id, nil)
	return integration, nil
}

// AuthURL builds the provider authorization redirect. The integration id
// travels as the OAuth state parameter.
func (o *Orchestrator) AuthURL(ctx context.Context, id string) (string, error) {
	integration, err := o.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return o.credentials.AuthURL(integration, integration.ID)
}

// Authenticate finishes the OAuth flow: exchanges the code, stores the
// credentials and verifies the connection with the fresh token.
func (o *Orchestrator) Authenticate(ctx context.Context, id, code string) (*types.Integration, error) {
	unlock := o.lock(id)
	defer unlock()

	integration, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	tokens, err := o.credentials.ExchangeCode(ctx, integration, code)
	if err != nil {
		o.recordError(ctx, id, fmt.Sprintf("oauth exchange: %v", err))
		return nil, err
	}

	credentials := types.Credentials{AuthType: types.AuthTypeOAuth2, OAuth: &tokens}
	if err := o.store.SaveCredentials(ctx, id, credentials, tokens.ExpiresAt); err != nil {
		return nil, err
	}
	integration.Credentials = credentials
	integration.Status = types.IntegrationStatusActive

	if err := o.testConnection(ctx, integration); err != nil {
		o.logger.Warn("post-auth connection test failed", "id", id, "err", err)
	}

	o.emit(ctx, events.TypeAuthCompleted, id, nil)
	return integration, nil
}

// SetCredentials stores non-OAuth credentials (api key, basic, jwt).
func (o *Orchestrator) SetCredentials(ctx context.Context, id string, credentials types.Credentials) (*types.Integration, error) {
	unlock := o.lock(id)
	defer unlock()

	integration, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if credentials.Empty() {
		return nil, fmt.Errorf("%w: credentials are empty", ErrInvalidConfig)
	}
	if err := o.store.SaveCredentials(ctx, id, credentials, nil); err != nil {
		return nil, err
	}
	integration.Credentials = credentials
	integration.Status = types.IntegrationStatusActive
	return integration, nil
}

// TestConnection exercises the provider with current credentials. Failures
// count toward the integration error threshold.
func (o *Orchestrator) TestConnection(ctx context.Context, id string) error {
	integration, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	return o.testConnection(ctx, integration)
}

func (o *Orchestrator) testConnection(ctx context.Context, integration *types.Integration) error {
	handler, err := o.registry.Handler(integration.Type)
	if err != nil {
		return err
	}
	if err := handler.TestConnection(ctx, integration); err != nil {
		o.recordError(ctx, integration.ID, fmt.Sprintf("connection test: %v", err))
		return err
	}
	return o.store.ResetIntegrationErrors(ctx, integration.ID)
}

// RefreshAuth refreshes expired OAuth credentials before use. Providers with
// their own refresh mechanics get a chance first via the AuthRefresher
// capability.
func (o *Orchestrator) RefreshAuth(ctx context.Context, id string) (*types.Integration, error) {
	unlock := o.lock(id)
	defer unlock()
	return o.refreshLocked(ctx, id)
}

func (o *Orchestrator) refreshLocked(ctx context.Context, id string) (*types.Integration, error) {
	integration, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if handler, err := o.registry.Handler(integration.Type); err == nil {
		if refresher, ok := handler.(registry.AuthRefresher); ok {
			if err := refresher.RefreshAuth(ctx, integration); err != nil {
				o.recordError(ctx, id, fmt.Sprintf("auth refresh: %v", err))
				return nil, err
			}
			return integration, nil
		}
	}

	tokens, err := o.credentials.Refresh(ctx, integration)
	if err != nil {
		o.recordError(ctx, id, fmt.Sprintf("token refresh: %v", err))
		if storeErr := o.store.SetIntegrationStatus(ctx, id, types.IntegrationStatusExpired); storeErr != nil {
			o.logger.Error("mark integration expired", "id", id, "err", storeErr)
		}
		return nil, err
	}

	credentials := types.Credentials{AuthType: types.AuthTypeOAuth2, OAuth: &tokens}
	if err := o.store.SaveCredentials(ctx, id, credentials, tokens.ExpiresAt); err != nil {
		return nil, err
	}
	integration.Credentials = credentials
	integration.Status = types.IntegrationStatusActive

	o.logger.Info("credentials refreshed", "id", id, "type", integration.Type)
	return integration, nil
}

// Sync runs one sync now. Expired OAuth credentials are refreshed first;
// the run is recorded in the sync log and the lastSync summary.
func (o *Orchestrator) Sync(ctx context.Context, id, triggeredBy string, opts types.SyncOptions) (*types.SyncResult, error) {
	unlock := o.lock(id)
	defer unlock()

	integration, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !integration.Enabled {
		return nil, fmt.Errorf("integration %s is disabled", id)
	}

	if integration.AuthType == types.AuthTypeOAuth2 && integration.Credentials.Expired(time.Now().UTC()) {
		refreshed, err := o.refreshLocked(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("refresh before sync: %w", err)
		}
		integration = refreshed
	}

	result, err := o.syncer.Run(ctx, integration, opts)
	if err != nil {
		o.recordError(ctx, id, fmt.Sprintf("sync: %v", err))
		return nil, err
	}

	direction := string(opts.Direction)
	if direction == "" {
		direction = integration.ConfigString("syncDirection")
	}
	if _, err := o.store.RecordSyncRun(ctx, id, triggeredBy, direction, result); err != nil {
		o.logger.Error("record sync run", "id", id, "err", err)
	}

	summary := types.SyncSummary{
		Timestamp:  time.Now().UTC(),
		Processed:  result.Processed,
		Created:    result.Created,
		Updated:    result.Updated,
		Skipped:    result.Skipped,
		Errors:     result.Errors,
		DurationMs: result.DurationMs,
	}
	if err := o.store.UpdateLastSync(ctx, id, summary); err != nil {
		o.logger.Error("update last sync", "id", id, "err", err)
	}

	if result.Success {
		o.emit(ctx, events.TypeSyncCompleted, id, map[string]any{
			"processed": result.Processed,
			"created":   result.Created,
			"updated":   result.Updated,
		})
	} else {
		o.recordError(ctx, id, fmt.Sprintf("sync finished with %d errors", len(result.Errors)))
		o.emit(ctx, events.TypeSyncFailed, id, map[string]any{"errors": result.Errors})
	}
	return result, nil
}

// SetEnabled toggles the integration and its schedule as a unit.
func (o *Orchestrator) SetEnabled(ctx context.Context, id string, enabled bool) (*types.Integration, error) {
	unlock := o.lock(id)
	defer unlock()

	integration, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.store.SetIntegrationEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	integration.Enabled = enabled

	status := types.IntegrationStatusDisabled
	eventType := events.TypeIntegrationDisabled
	if enabled {
		status = types.IntegrationStatusActive
		eventType = events.TypeIntegrationEnabled
	}
	if err := o.store.SetIntegrationStatus(ctx, id, status); err != nil {
		return nil, err
	}
	integration.Status = status

	o.reschedule(integration)
	o.emit(ctx, eventType, id, nil)
	return integration, nil
}

// Remove revokes credentials best-effort, drops subscriptions and cancels
// the schedule, then deletes the integration.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	integration, err := o.Get(ctx, id)
	if err != nil {
		return err
	}

	if integration.AuthType == types.AuthTypeOAuth2 && !integration.Credentials.Empty() {
		if err := o.credentials.Revoke(ctx, integration); err != nil {
			o.logger.Warn("revoke on remove failed", "id", id, "err", err)
		}
	}

	if o.scheduler != nil {
		o.scheduler.Cancel(id)
	}
	if err := o.store.DeleteIntegrationSubscriptions(ctx, id); err != nil {
		o.logger.Warn("delete subscriptions on remove failed", "id", id, "err", err)
	}
	if err := o.store.DeleteIntegration(ctx, id); err != nil {
		return err
	}

	o.forget(id)
	o.logger.Info("integration removed", "id", id, "type", integration.Type)
	o.emit(ctx, events.TypeIntegrationRemoved, id, nil)
	return nil
}

// RecordError tracks a failure against the integration; the store flips the
// status to error once the threshold is crossed.
func (o *Orchestrator) RecordError(ctx context.Context, id, message string) {
	o.recordError(ctx, id, message)
}

func (o *Orchestrator) recordError(ctx context.Context, id, message string) {
	count, err := o.store.RecordIntegrationError(ctx, id, message)
	if err != nil {
		o.logger.Error("record integration error", "id", id, "err", err)
		return
	}
	o.logger.Warn("integration error", "id", id, "count", count, "message", message)
	o.emit(ctx, events.TypeIntegrationError, id, map[string]any{"message": message, "count": count})
}

func (o *Orchestrator) reschedule(integration *types.Integration) {
	if o.scheduler == nil {
		return
	}
	if integration.Enabled && integration.ConfigBool("autoSync") {
		frequency := types.SyncFrequency(integration.ConfigString("syncFrequency"))
		if err := o.scheduler.Schedule(integration.ID, frequency); err != nil {
			o.logger.Error("schedule sync", "id", integration.ID, "err", err)
		}
		return
	}
	o.scheduler.Cancel(integration.ID)
}

// ensure the concrete engine satisfies the orchestrator's dependency
var _ Syncer = (*syncengine.Engine)(nil)
