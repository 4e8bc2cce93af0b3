package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crmhub/internal/config"
	"crmhub/internal/orchestrator"
	"crmhub/internal/registry"
	"crmhub/internal/store"
	"crmhub/internal/version"
	"crmhub/internal/webhook"
)

// Server is the authenticated management API: catalog browsing, integration
// lifecycle, subscription CRUD, sync runs and the websocket activity feed.
type Server struct {
	cfg          config.APIConfig
	store        *store.Store
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	deliverer    *webhook.Deliverer
	hub          *Hub
	logger       *slog.Logger
	jwtSecret    []byte
	server       *http.Server
}

func NewServer(
	cfg config.APIConfig,
	st *store.Store,
	reg *registry.Registry,
	orch *orchestrator.Orchestrator,
	deliverer *webhook.Deliverer,
	logger *slog.Logger,
) *Server {
	return &Server{
		cfg:          cfg,
		store:        st,
		registry:     reg,
		orchestrator: orch,
		deliverer:    deliverer,
		hub:          NewHub(logger),
		logger:       logger,
		jwtSecret:    jwtSecretFrom(cfg),
	}
}

// EventHub exposes the websocket hub so event sinks can feed it.
func (s *Server) EventHub() *Hub {
	return s.hub
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(otelhttp.NewMiddleware("integration-api"))
	router.Use(corsMiddleware)

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleHealth)
	router.Get("/version", version.HandleVersion)
	router.Handle("/metrics", promhttp.Handler())

	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(w, r)
	})

	router.Post("/auth/login", s.handleLogin)
	router.Post("/auth/logout", s.handleLogout)

	router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/auth/me", s.handleGetCurrentUser)

		// catalog
		r.Get("/catalog", s.handleCatalog)
		r.Get("/catalog/featured", s.handleFeatured)
		r.Get("/catalog/search", s.handleSearch)
		r.Get("/catalog/categories", s.handleByCategory)

		// integration lifecycle
		r.Get("/integrations", s.handleListIntegrations)
		r.Post("/integrations", s.handleInstall)
		r.Get("/integrations/analytics", s.handleAnalytics)
		r.Get("/integrations/{id}", s.handleGetIntegration)
		r.Put("/integrations/{id}/config", s.handleConfigure)
		r.Put("/integrations/{id}/credentials", s.handleSetCredentials)
		r.Post("/integrations/{id}/test", s.handleTestConnection)
		r.Post("/integrations/{id}/sync", s.handleSync)
		r.Put("/integrations/{id}/enabled", s.handleSetEnabled)
		r.Delete("/integrations/{id}", s.handleRemove)
		r.Get("/integrations/{id}/runs", s.handleListSyncRuns)

		// webhook subscriptions
		r.Get("/integrations/{id}/subscriptions", s.handleListSubscriptions)
		r.Post("/integrations/{id}/subscriptions", s.handleCreateSubscription)
		r.Post("/integrations/{id}/subscriptions/{subID}/test", s.handleTestSubscription)
		r.Delete("/integrations/{id}/subscriptions/{subID}", s.handleDeleteSubscription)
	})

	return router
}

func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("management api listening", "addr", s.cfg.HTTPAddr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
