package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"crmhub/internal/alerts"
	"crmhub/internal/api"
	"crmhub/internal/config"
	"crmhub/internal/credentials"
	"crmhub/internal/db"
	"crmhub/internal/events"
	"crmhub/internal/logger"
	"crmhub/internal/orchestrator"
	"crmhub/internal/registry"
	"crmhub/internal/store"
	syncengine "crmhub/internal/sync"
	"crmhub/internal/telemetry"
	"crmhub/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logg := logger.New(cfg.LogLevel)
	otelShutdown, err := telemetry.Init(ctx, "integration-api", logg)
	if err != nil {
		logg.Error("opentelemetry init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logg.Error("opentelemetry shutdown failed", "err", err)
		}
	}()

	dbConn, err := db.Connect(ctx, cfg.DatabaseURL, logg)
	if err != nil {
		logg.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	st := store.New(dbConn, logg)
	if err := st.EnsureSchema(ctx); err != nil {
		logg.Error("schema init failed", "err", err)
		os.Exit(1)
	}
	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			logg.Error("admin password hash failed", "err", err)
			os.Exit(1)
		}
		if err := st.EnsureAdminUser(ctx, cfg.AdminEmail, string(hash)); err != nil {
			logg.Error("admin user init failed", "err", err)
			os.Exit(1)
		}
	}

	reg := registry.WithDefaults()
	if err := registry.BindDefaults(reg, http.DefaultClient, logg); err != nil {
		logg.Error("handler binding failed", "err", err)
		os.Exit(1)
	}

	publisher := events.NewAMQPPublisher(cfg.RabbitURL, cfg.EventsExchange, logg)
	defer publisher.Close()

	notifier := alerts.New(alerts.Config{
		TelegramBotToken: cfg.AlertTelegramBotToken,
		TelegramChatID:   cfg.AlertTelegramChatID,
		WebhookURL:       cfg.AlertWebhookURL,
		Events:           cfg.AlertEvents,
	}, logg)
	sink := events.Multi(publisher, notifier)

	creds := credentials.NewManager(logg)
	engine := syncengine.NewEngine(reg, st.Records(), logg)
	deliverer := webhook.NewDeliverer(st, logg)
	gateway := webhook.NewGateway(st, st, reg, logg)

	scheduler := orchestrator.NewScheduler(logg)
	orch := orchestrator.New(reg, st, creds, engine, logg,
		orchestrator.WithScheduler(scheduler),
		orchestrator.WithEventSink(sink),
	)
	scheduler.SetTrigger(orch)
	scheduler.Start()
	defer scheduler.Stop()

	// Management API (JWT, for the dashboard)
	managementServer := api.NewServer(cfg, st, reg, orch, deliverer, logg)

	// Public API (no auth, for provider webhooks and OAuth redirects)
	publicServer := api.NewPublicServer(cfg, gateway, deliverer, orch, sink, logg)

	// Bridge the event exchange into the dashboard websocket hub.
	go func() {
		hub := managementServer.EventHub()
		err := publisher.Subscribe(ctx, func(ctx context.Context, event events.Event) {
			hub.Publish(ctx, event)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logg.Error("event subscription ended", "err", err)
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := managementServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := publicServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logg.Info("shutting down")
	case err := <-errCh:
		logg.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}
