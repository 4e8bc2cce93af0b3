package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crmhub/internal/config"
	"crmhub/internal/orchestrator"
	"crmhub/internal/store"
	"crmhub/internal/types"
)

// Worker runs the background loops: keeping the sync schedule aligned with
// the database and refreshing OAuth tokens before they expire.
type Worker struct {
	cfg       config.WorkerConfig
	store     *store.Store
	orch      *orchestrator.Orchestrator
	scheduler *orchestrator.Scheduler
	logger    *slog.Logger

	metrics workerMetrics
}

type workerMetrics struct {
	schedulesReconciled prometheus.Counter
	tokensRefreshed     prometheus.Counter
	tokenRefreshFailed  prometheus.Counter
}

func New(cfg config.WorkerConfig, st *store.Store, orch *orchestrator.Orchestrator, scheduler *orchestrator.Scheduler, logger *slog.Logger) *Worker {
	metrics := workerMetrics{
		schedulesReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schedule_reconcile_total",
			Help: "Number of schedule reconciliation passes",
		}),
		tokensRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oauth_tokens_refreshed_total",
			Help: "Number of OAuth tokens refreshed proactively",
		}),
		tokenRefreshFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oauth_token_refresh_failed_total",
			Help: "Number of failed proactive OAuth token refreshes",
		}),
	}
	prometheus.MustRegister(
		metrics.schedulesReconciled,
		metrics.tokensRefreshed,
		metrics.tokenRefreshFailed,
	)

	return &Worker{
		cfg:       cfg,
		store:     st,
		orch:      orch,
		scheduler: scheduler,
		logger:    logger,
		metrics:   metrics,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- w.runScheduleReconciler(ctx) }()
	go func() { errCh <- w.runTokenRefresher(ctx) }()

	if w.cfg.MetricsAddr != "" {
		go w.runMetricsServer(ctx)
	}

	select {
	case <-ctx.Done():
		w.logger.Info("worker shutting down")
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func (w *Worker) runMetricsServer(ctx context.Context) {
	srv := &http.Server{
		Addr:    w.cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	w.logger.Info("metrics server listening", "addr", w.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("metrics server error", "err", err)
	}
}

// runScheduleReconciler keeps the in-process cron aligned with what the
// database says should be scheduled. Integrations toggled or reconfigured
// through another replica converge within one interval.
func (w *Worker) runScheduleReconciler(ctx context.Context) error {
	w.reconcileOnce(ctx)

	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.reconcileOnce(ctx)
		}
	}
}

func (w *Worker) reconcileOnce(ctx context.Context) {
	integrations, err := w.store.ListScheduled(ctx)
	if err != nil {
		w.logger.Error("list scheduled integrations failed", "err", err)
		return
	}
	w.scheduler.Reconcile(integrations)
	w.metrics.schedulesReconciled.Inc()
}

// runTokenRefresher refreshes OAuth credentials that expire within the
// refresh window so scheduled syncs never start with a dead token.
func (w *Worker) runTokenRefresher(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.refreshExpiring(ctx)
		}
	}
}

func (w *Worker) refreshExpiring(ctx context.Context) {
	integrations, err := w.store.ListIntegrations(ctx)
	if err != nil {
		w.logger.Error("list integrations failed", "err", err)
		return
	}

	deadline := time.Now().UTC().Add(w.cfg.RefreshWindow)
	for i := range integrations {
		integration := &integrations[i]
		if !needsRefresh(integration, deadline) {
			continue
		}

		if _, err := w.orch.RefreshAuth(ctx, integration.ID); err != nil {
			w.metrics.tokenRefreshFailed.Inc()
			w.logger.Error("token refresh failed", "id", integration.ID, "err", err)
			continue
		}
		w.metrics.tokensRefreshed.Inc()
		w.logger.Info("token refreshed", "id", integration.ID, "type", integration.Type)
	}
}

func needsRefresh(integration *types.Integration, deadline time.Time) bool {
	if integration.AuthType != types.AuthTypeOAuth2 || !integration.Enabled {
		return false
	}
	if integration.Credentials.OAuth == nil || integration.Credentials.OAuth.RefreshToken == "" {
		return false
	}
	return integration.ExpiresAt != nil && integration.ExpiresAt.Before(deadline)
}
