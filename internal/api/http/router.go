package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/opsdesk/tracker-sync/internal/api/http/handlers"
	"github.com/opsdesk/tracker-sync/internal/auth"
	"github.com/opsdesk/tracker-sync/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Webhook        *handlers.WebhookHandler
	Tickets        *handlers.TicketsHandler
	Operator       *handlers.OperatorHandler
	AuthMiddleware *auth.AuthMiddleware
	WebhookLimit   int
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	// Deliveries authenticate with the webhook secret, not a bearer token.
	app.Post("/webhooks/tracker", bodyLimit(cfg.WebhookLimit), cfg.Webhook.Receive)

	agent := []fiber.Handler{cfg.AuthMiddleware.Handle, auth.RequireRole(domain.RoleAgent, domain.RoleOperator)}
	tickets := app.Group("/tickets", agent...)
	tickets.Get("/", cfg.Tickets.ListTickets)
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Patch("/:id", cfg.Tickets.UpdateTicket)
	tickets.Post("/:id/comments", cfg.Tickets.AddComment)

	comments := app.Group("/comments", agent...)
	comments.Patch("/:id", cfg.Tickets.EditComment)
	comments.Delete("/:id", cfg.Tickets.DeleteComment)

	operators := app.Group("/operator", cfg.AuthMiddleware.Handle, auth.RequireRole(domain.RoleOperator))
	operators.Get("/sync/failed", cfg.Operator.ListFailed)
	operators.Post("/sync/sweep", cfg.Operator.Sweep)
	operators.Post("/tickets/:id/retry", cfg.Operator.RetryTicket)
	operators.Post("/tickets/:id/reconcile", cfg.Operator.Reconcile)
	operators.Get("/metrics", cfg.Operator.Metrics)
}
