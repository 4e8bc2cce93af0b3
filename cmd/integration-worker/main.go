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

	"crmhub/internal/alerts"
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
	"crmhub/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logg := logger.New(cfg.LogLevel)
	otelShutdown, err := telemetry.Init(ctx, "integration-worker", logg)
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

	scheduler := orchestrator.NewScheduler(logg)
	orch := orchestrator.New(reg, st, creds, engine, logg,
		orchestrator.WithScheduler(scheduler),
		orchestrator.WithEventSink(sink),
	)
	scheduler.SetTrigger(orch)
	scheduler.Start()
	defer scheduler.Stop()

	w := worker.New(cfg, st, orch, scheduler, logg)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error("worker exited", "err", err)
		os.Exit(1)
	}
}
