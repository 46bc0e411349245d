package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/opsdesk/tracker-sync/internal/api/http"
	"github.com/opsdesk/tracker-sync/internal/api/http/handlers"
	"github.com/opsdesk/tracker-sync/internal/app"
	"github.com/opsdesk/tracker-sync/internal/auth"
	"github.com/opsdesk/tracker-sync/internal/config"
	"github.com/opsdesk/tracker-sync/internal/observability"
	"github.com/opsdesk/tracker-sync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build sync engine", zap.Error(err))
	}
	defer engine.Close()

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)

	fiberApp := fiber.New(fiber.Config{
		AppName:   cfg.App.Name,
		BodyLimit: max(cfg.Webhook.BodyLimitB, 4<<20),
	})
	httptransport.RegisterMiddlewares(fiberApp, logger, engine.Metrics, cfg.App.RequestTimeout())

	dependencies := map[string]handlers.Pinger{"postgres": engine.Postgres}
	if engine.Redis != nil {
		dependencies["redis"] = engine.Redis
	}

	httptransport.RegisterRoutes(fiberApp, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, dependencies),
		Webhook:        handlers.NewWebhookHandler(cfg.Webhook, cfg.Tracker, engine.Inbound, engine.Queue, engine.Metrics, logger),
		Tickets:        handlers.NewTicketsHandler(engine.Service),
		Operator:       handlers.NewOperatorHandler(engine.Outbound, engine.Reconciler, engine.Attempts, engine.Metrics, logger),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		WebhookLimit:   cfg.Webhook.BodyLimitB,
	})

	var ingest *worker.IngestWorker
	if cfg.Webhook.AsyncMode {
		ingest = worker.NewIngestWorker(engine.Queue, engine.Inbound, worker.IngestConfig{
			ReclaimInterval: cfg.Redis.ReclaimIdle / 2,
		}, logger)
		go func() {
			if err := ingest.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ingest worker stopped", zap.Error(err))
			}
		}()
	}
	go worker.NewSweepWorker(engine.Outbound, cfg.Sync.SweepInterval, logger).Run(ctx)

	go func() {
		if err := fiberApp.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = fiberApp.Shutdown()
	if ingest != nil {
		// Let the batch in flight finish and ack before the context goes away.
		ingest.Stop()
	}
	cancel()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
