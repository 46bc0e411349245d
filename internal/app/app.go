// Package app assembles the sync engine from configuration. Both the API
// server and the operator CLI build the same graph.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/alert"
	"github.com/opsdesk/tracker-sync/internal/config"
	"github.com/opsdesk/tracker-sync/internal/events"
	"github.com/opsdesk/tracker-sync/internal/lock"
	"github.com/opsdesk/tracker-sync/internal/mapping"
	"github.com/opsdesk/tracker-sync/internal/observability"
	"github.com/opsdesk/tracker-sync/internal/persistence"
	"github.com/opsdesk/tracker-sync/internal/queue"
	"github.com/opsdesk/tracker-sync/internal/repository"
	"github.com/opsdesk/tracker-sync/internal/service"
	"github.com/opsdesk/tracker-sync/internal/tracker"
)

// Components is the wired engine.
type Components struct {
	Postgres   *persistence.Postgres
	Redis      *persistence.Redis
	Metrics    *observability.Metrics
	Dispatcher *events.AsyncDispatcher
	Tickets    repository.TicketRepository
	Comments   repository.CommentRepository
	Attempts   repository.SyncAttemptRepository
	Queue      queue.Queue
	Outbound   *service.OutboundSync
	Inbound    *service.InboundSync
	Service    *service.TicketService
	Reconciler *service.Reconciler
}

// Build connects to the stores and wires every service. Redis is optional:
// without it the lock, queue and alert channel stay in-process, which is
// only safe for a single instance.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			pg.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	c := &Components{
		Postgres:   pg,
		Metrics:    observability.NewMetrics(),
		Dispatcher: events.NewAsyncDispatcher(logger),
		Tickets:    repository.NewTicketRepository(pg.PoolHandle()),
		Comments:   repository.NewCommentRepository(pg.PoolHandle()),
		Attempts:   repository.NewSyncAttemptRepository(pg.PoolHandle()),
	}

	guard := lock.NewLocalGuard()
	alerts := alert.NewLogPublisher(logger)
	c.Queue = queue.NewMemoryQueue(1024, 0)

	if cfg.Redis.Addr != "" {
		if c.Redis, err = persistence.NewRedis(ctx, cfg.Redis, logger); err != nil {
			logger.Warn("redis unavailable; using in-process lock, queue and alerts", zap.Error(err))
			c.Redis = nil
		}
	}
	if c.Redis != nil {
		if guard, err = lock.NewRedisGuard(c.Redis.Client, cfg.Redis.LockTTL); err != nil {
			c.Close()
			return nil, err
		}
		if alerts, err = alert.NewStreamPublisher(c.Redis.Client, cfg.Redis.AlertStream, logger); err != nil {
			c.Close()
			return nil, err
		}
		c.Queue, err = queue.NewRedisQueue(ctx, c.Redis.Client, queue.StreamConfig{
			Stream:    cfg.Redis.WebhookStream,
			Group:     cfg.Redis.ConsumerGroup,
			Consumer:  cfg.Redis.ConsumerName,
			DLQStream: cfg.Redis.WebhookStream + "_dlq",
			MinIdle:   cfg.Redis.ReclaimIdle,
		}, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	client, err := tracker.NewClient(cfg.Tracker, tracker.WithLogger(logger))
	if err != nil {
		c.Close()
		return nil, err
	}
	mapper := mapping.New(logger,
		mapping.WithDefaultIssueType(cfg.Tracker.DefaultIssueTypeName),
		mapping.WithUnmappedHook(func(field mapping.Field, value string) {
			c.Metrics.RecordUnmapped(string(field), value)
		}),
	)

	c.Outbound = service.NewOutboundSync(cfg.Tracker, cfg.Sync, service.OutboundDependencies{
		TicketRepo:  c.Tickets,
		CommentRepo: c.Comments,
		AttemptRepo: c.Attempts,
		Tracker:     client,
		Mapper:      mapper,
		Guard:       guard,
		Dispatcher:  c.Dispatcher,
		Metrics:     c.Metrics,
		Logger:      logger,
	})
	c.Outbound.RegisterHandlers(c.Dispatcher)
	service.NewNotificationService(c.Dispatcher, alerts, logger).RegisterHandlers()

	c.Inbound = service.NewInboundSync(service.InboundDependencies{
		TicketRepo:  c.Tickets,
		CommentRepo: c.Comments,
		Mapper:      mapper,
		Metrics:     c.Metrics,
		Logger:      logger,
	})
	c.Service = service.NewTicketService(service.TicketDependencies{
		TicketRepo:  c.Tickets,
		CommentRepo: c.Comments,
		Dispatcher:  c.Dispatcher,
	})
	c.Reconciler = service.NewReconciler(c.Tickets, client, mapper, logger)
	return c, nil
}

// Close waits for in-flight event handlers and releases connections.
func (c *Components) Close() {
	if c.Dispatcher != nil {
		c.Dispatcher.Wait()
	}
	if c.Redis != nil {
		c.Redis.Close()
	}
	c.Postgres.Close()
}
