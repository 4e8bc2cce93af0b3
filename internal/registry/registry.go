package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"crmhub/internal/types"
)

// ErrNotSupported is returned when an integration type has no catalog entry.
// Lookups fail before any network call is made.
var ErrNotSupported = fmt.Errorf("integration type not supported")

// Handler is the capability interface every provider implements. Optional
// capabilities (pull, push, webhook processing, auth refresh, config
// validation) are modeled as interface upgrades so webhook-only providers
// stay small.
type Handler interface {
	TestConnection(ctx context.Context, integration *types.Integration) error
}

type Puller interface {
	PullData(ctx context.Context, integration *types.Integration, entity string) ([]types.Record, error)
}

type Pusher interface {
	PushData(ctx context.Context, integration *types.Integration, entity string, records []types.Record) (types.PushResult, error)
}

type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, integration *types.Integration, payload map[string]any) (types.WebhookEvent, error)
}

type AuthRefresher interface {
	RefreshAuth(ctx context.Context, integration *types.Integration) error
}

type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// Registry maps integration types to catalog metadata and, when bound, a
// protocol handler. Metadata entries are immutable once registered.
type Registry struct {
	mu       sync.RWMutex
	metadata map[types.IntegrationType]types.IntegrationMetadata
	handlers map[types.IntegrationType]Handler
	featured []types.IntegrationType
}

func New() *Registry {
	return &Registry{
		metadata: make(map[types.IntegrationType]types.IntegrationMetadata),
		handlers: make(map[types.IntegrationType]Handler),
	}
}

// Register stores metadata and optionally binds a handler. Passing a nil
// handler registers a catalog-only entry.
func (r *Registry) Register(metadata types.IntegrationMetadata, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[metadata.Type] = metadata
	if handler != nil {
		r.handlers[metadata.Type] = handler
	}
}

// Bind attaches a handler to an already-registered type.
func (r *Registry) Bind(integrationType types.IntegrationType, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metadata[integrationType]; !ok {
		return fmt.Errorf("%w: %s", ErrNotSupported, integrationType)
	}
	r.handlers[integrationType] = handler
	return nil
}

func (r *Registry) Metadata(integrationType types.IntegrationType) (types.IntegrationMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metadata, ok := r.metadata[integrationType]
	if !ok {
		return types.IntegrationMetadata{}, fmt.Errorf("%w: %s", ErrNotSupported, integrationType)
	}
	return metadata, nil
}

func (r *Registry) Handler(integrationType types.IntegrationType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.metadata[integrationType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, integrationType)
	}
	handler, ok := r.handlers[integrationType]
	if !ok {
		return nil, fmt.Errorf("no handler bound for %s", integrationType)
	}
	return handler, nil
}

func (r *Registry) IsSupported(integrationType types.IntegrationType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.metadata[integrationType]
	return ok
}

// List returns all catalog entries ordered by type.
func (r *Registry) List() []types.IntegrationMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]types.IntegrationMetadata, 0, len(r.metadata))
	for _, metadata := range r.metadata {
		entries = append(entries, metadata)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Type < entries[j].Type })
	return entries
}

// Search performs a case-insensitive substring match over name, description,
// category and provider.
func (r *Registry) Search(query string) []types.IntegrationMetadata {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return r.List()
	}

	matches := []types.IntegrationMetadata{}
	for _, metadata := range r.List() {
		haystack := strings.ToLower(strings.Join([]string{
			metadata.Name,
			metadata.Description,
			metadata.Category,
			metadata.Provider,
		}, " "))
		if strings.Contains(haystack, needle) {
			matches = append(matches, metadata)
		}
	}
	return matches
}

// ByCategory groups all catalog entries by category.
func (r *Registry) ByCategory() map[string][]types.IntegrationMetadata {
	grouped := make(map[string][]types.IntegrationMetadata)
	for _, metadata := range r.List() {
		grouped[metadata.Category] = append(grouped[metadata.Category], metadata)
	}
	return grouped
}

// SetFeatured fixes the curated subset returned by Featured.
func (r *Registry) SetFeatured(featured ...types.IntegrationType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.featured = featured
}

func (r *Registry) Featured() []types.IntegrationMetadata {
	r.mu.RLock()
	featured := make([]types.IntegrationType, len(r.featured))
	copy(featured, r.featured)
	r.mu.RUnlock()

	entries := make([]types.IntegrationMetadata, 0, len(featured))
	for _, integrationType := range featured {
		if metadata, err := r.Metadata(integrationType); err == nil {
			entries = append(entries, metadata)
		}
	}
	return entries
}
