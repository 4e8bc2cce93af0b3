package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crmhub/internal/config"
	"crmhub/internal/events"
	"crmhub/internal/orchestrator"
	"crmhub/internal/version"
	"crmhub/internal/webhook"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// PublicServer serves the unauthenticated surface: provider webhook ingress
// and the OAuth redirect dance. No JWT, providers cannot carry our cookies.
type PublicServer struct {
	cfg          config.APIConfig
	gateway      *webhook.Gateway
	deliverer    *webhook.Deliverer
	orchestrator *orchestrator.Orchestrator
	sink         events.Sink
	logger       *slog.Logger
	server       *http.Server
}

var (
	webhooksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "public_webhooks_received_total",
		Help: "Number of inbound provider webhooks accepted",
	})
	webhooksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "public_webhooks_rejected_total",
		Help: "Number of inbound provider webhooks rejected",
	})
	oauthCallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "public_oauth_callbacks_total",
		Help: "Number of OAuth callbacks handled",
	})
)

func init() {
	prometheus.MustRegister(webhooksReceived, webhooksRejected, oauthCallbacks)
}

func NewPublicServer(
	cfg config.APIConfig,
	gateway *webhook.Gateway,
	deliverer *webhook.Deliverer,
	orch *orchestrator.Orchestrator,
	sink events.Sink,
	logger *slog.Logger,
) *PublicServer {
	if sink == nil {
		sink = events.NopSink{}
	}

	return &PublicServer{
		cfg:          cfg,
		gateway:      gateway,
		deliverer:    deliverer,
		orchestrator: orch,
		sink:         sink,
		logger:       logger,
	}
}

func (s *PublicServer) routes() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(otelhttp.NewMiddleware("integration-api-public"))
	router.Use(corsMiddleware)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/version", version.HandleVersion)

	router.Post("/integrations/webhooks/{integrationID}", s.handleInboundWebhook)
	router.Get("/integrations/oauth/{id}/authorize", s.handleOAuthAuthorize)
	router.Get("/integrations/oauth/callback", s.handleOAuthCallback)

	return router
}

func (s *PublicServer) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.PublicHTTPAddr,
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("public api listening", "addr", s.cfg.PublicHTTPAddr)
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

// handleInboundWebhook always answers 200. Provider retry queues treat
// anything else as transient and hammer the endpoint; signature failures and
// unknown integrations are reported in the body instead.
func (s *PublicServer) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	integrationID := chi.URLParam(r, "integrationID")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		webhooksRejected.Inc()
		writeJSON(w, map[string]any{"success": false, "message": "unreadable payload"}, http.StatusOK)
		return
	}

	event, err := s.gateway.Process(ctx, integrationID, payload, r.Header)
	if err != nil {
		webhooksRejected.Inc()
		s.logger.Warn("inbound webhook rejected", "integrationId", integrationID, "err", err)
		writeJSON(w, map[string]any{"success": false, "message": err.Error()}, http.StatusOK)
		return
	}

	webhooksReceived.Inc()

	// Slack echoes the verification challenge back in the response body.
	if challenge, ok := event.Data["challenge"].(string); ok && challenge != "" && event.Event == "slack.url_verification" {
		writeJSON(w, map[string]any{"challenge": challenge}, http.StatusOK)
		return
	}

	s.sink.Publish(ctx, events.Event{
		Type:          events.TypeWebhookReceived,
		IntegrationID: integrationID,
		Timestamp:     time.Now().UTC(),
		Data:          map[string]any{"event": event.Event},
	})

	// Fan out to subscribers off the request path.
	go func(event string, data map[string]any) {
		fanCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		result, err := s.deliverer.Broadcast(fanCtx, integrationID, event, data)
		if err != nil {
			s.logger.Error("webhook broadcast failed", "integrationId", integrationID, "err", err)
			return
		}
		if result.Failed > 0 {
			s.logger.Warn("webhook broadcast partial",
				"integrationId", integrationID, "sent", result.Sent, "failed", result.Failed)
		}
	}(event.Event, event.Data)

	writeJSON(w, map[string]any{"success": true, "message": "webhook processed"}, http.StatusOK)
}

func (s *PublicServer) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	url, err := s.orchestrator.AuthURL(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrIntegrationNotFound) {
			writeJSONError(w, "integration not found", http.StatusNotFound)
			return
		}
		s.logger.Error("authorize url failed", "err", err)
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// handleOAuthCallback receives the provider redirect. state carries the
// integration id that initiated the flow.
func (s *PublicServer) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	oauthCallbacks.Inc()

	query := r.URL.Query()
	integrationID := query.Get("state")
	code := query.Get("code")

	if errParam := query.Get("error"); errParam != "" {
		s.logger.Warn("oauth callback denied", "integrationId", integrationID, "providerError", errParam)
		if integrationID != "" {
			s.orchestrator.RecordError(ctx, integrationID, "oauth denied: "+errParam)
		}
		http.Redirect(w, r, s.cfg.OAuthErrorURL, http.StatusFound)
		return
	}

	if integrationID == "" || code == "" {
		http.Redirect(w, r, s.cfg.OAuthErrorURL, http.StatusFound)
		return
	}

	if _, err := s.orchestrator.Authenticate(ctx, integrationID, code); err != nil {
		s.logger.Error("oauth exchange failed", "integrationId", integrationID, "err", err)
		http.Redirect(w, r, s.cfg.OAuthErrorURL, http.StatusFound)
		return
	}

	http.Redirect(w, r, s.cfg.OAuthSuccessURL, http.StatusFound)
}
