package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"crmhub/internal/orchestrator"
	"crmhub/internal/registry"
	"crmhub/internal/types"
	"crmhub/internal/webhook"
)

// catalog

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.List(), http.StatusOK)
}

func (s *Server) handleFeatured(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.Featured(), http.StatusOK)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	writeJSON(w, s.registry.Search(query), http.StatusOK)
}

func (s *Server) handleByCategory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.ByCategory(), http.StatusOK)
}

// integration lifecycle

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req orchestrator.InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	integration, err := s.orchestrator.Install(ctx, req)
	if err != nil {
		s.writeLifecycleError(w, err, "install failed")
		return
	}

	writeJSON(w, integration, http.StatusCreated)
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	integrations, err := s.orchestrator.List(ctx)
	if err != nil {
		s.logger.Error("list integrations failed", "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, integrations, http.StatusOK)
}

func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	integration, err := s.orchestrator.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeLifecycleError(w, err, "lookup failed")
		return
	}

	writeJSON(w, integration, http.StatusOK)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var config map[string]any
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	integration, err := s.orchestrator.Configure(ctx, chi.URLParam(r, "id"), config)
	if err != nil {
		s.writeLifecycleError(w, err, "configure failed")
		return
	}

	writeJSON(w, integration, http.StatusOK)
}

func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var credentials types.Credentials
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	integration, err := s.orchestrator.SetCredentials(ctx, chi.URLParam(r, "id"), credentials)
	if err != nil {
		s.writeLifecycleError(w, err, "credential update failed")
		return
	}

	writeJSON(w, integration, http.StatusOK)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := s.orchestrator.TestConnection(ctx, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, orchestrator.ErrIntegrationNotFound) {
			writeJSONError(w, "integration not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"success": false, "error": err.Error()}, http.StatusOK)
		return
	}

	writeJSON(w, map[string]any{"success": true}, http.StatusOK)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	// manual syncs can page through large datasets
	ctx, cancel := context.WithTimeout(r.Context(), 55*time.Second)
	defer cancel()

	var opts types.SyncOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	result, err := s.orchestrator.Sync(ctx, chi.URLParam(r, "id"), "manual", opts)
	if err != nil {
		s.writeLifecycleError(w, err, "sync failed")
		return
	}

	writeJSON(w, result, http.StatusOK)
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	integration, err := s.orchestrator.SetEnabled(ctx, chi.URLParam(r, "id"), req.Enabled)
	if err != nil {
		s.writeLifecycleError(w, err, "toggle failed")
		return
	}

	writeJSON(w, integration, http.StatusOK)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.orchestrator.Remove(ctx, chi.URLParam(r, "id")); err != nil {
		s.writeLifecycleError(w, err, "remove failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.store.ListSyncRuns(ctx, chi.URLParam(r, "id"), limit)
	if err != nil {
		s.logger.Error("list sync runs failed", "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, runs, http.StatusOK)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	summary, err := s.store.Analytics(ctx)
	if err != nil {
		s.logger.Error("analytics failed", "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, summary, http.StatusOK)
}

// webhook subscriptions

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	subs, err := s.store.ListSubscriptions(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("list subscriptions failed", "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, subs, http.StatusOK)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	integrationID := chi.URLParam(r, "id")
	integration, err := s.orchestrator.Get(ctx, integrationID)
	if err != nil {
		s.writeLifecycleError(w, err, "lookup failed")
		return
	}

	var req struct {
		URL   string `json:"url"`
		Event string `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		writeJSONError(w, "url is required", http.StatusBadRequest)
		return
	}

	secret, err := webhook.GenerateSecret()
	if err != nil {
		s.logger.Error("generate secret failed", "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	sub := &types.WebhookSubscription{
		IntegrationID: integration.ID,
		URL:           req.URL,
		Event:         req.Event,
		Secret:        secret,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		s.logger.Error("create subscription failed", "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	// the secret is returned exactly once, at creation time
	writeJSON(w, map[string]any{
		"subscription": sub,
		"secret":       secret,
	}, http.StatusCreated)
}

func (s *Server) handleTestSubscription(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	sub, err := s.store.GetSubscription(ctx, chi.URLParam(r, "subID"))
	if err != nil {
		writeJSONError(w, "subscription not found", http.StatusNotFound)
		return
	}
	if sub.IntegrationID != chi.URLParam(r, "id") {
		writeJSONError(w, "subscription not found", http.StatusNotFound)
		return
	}

	err = s.deliverer.Deliver(ctx, *sub, "test.ping", map[string]any{
		"subscriptionId": sub.ID,
		"sentAt":         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		writeJSON(w, map[string]any{"success": false, "error": err.Error()}, http.StatusOK)
		return
	}

	writeJSON(w, map[string]any{"success": true}, http.StatusOK)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sub, err := s.store.GetSubscription(ctx, chi.URLParam(r, "subID"))
	if err != nil {
		writeJSONError(w, "subscription not found", http.StatusNotFound)
		return
	}
	if sub.IntegrationID != chi.URLParam(r, "id") {
		writeJSONError(w, "subscription not found", http.StatusNotFound)
		return
	}

	if err := s.store.DeleteSubscription(ctx, sub.ID); err != nil {
		s.logger.Error("delete subscription failed", "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, orchestrator.ErrIntegrationNotFound):
		writeJSONError(w, "integration not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrInvalidConfig), errors.Is(err, registry.ErrNotSupported):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error(logMsg, "err", err)
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}
