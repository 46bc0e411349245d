package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/api/dto"
	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/observability"
	"github.com/opsdesk/tracker-sync/internal/service"
)

// SyncOperator runs manual sync actions.
type SyncOperator interface {
	RetryTicket(ctx context.Context, ticketID string) (*domain.Ticket, error)
	SweepFailed(ctx context.Context) (service.SweepReport, error)
}

// TicketReconciler compares a ticket with its tracker issue.
type TicketReconciler interface {
	Reconcile(ctx context.Context, ticketID string, opts service.ReconcileOptions) (*service.ReconcileReport, error)
}

// FailedLister lists rows parked in a failure state.
type FailedLister interface {
	ListFailed(ctx context.Context, limit int) ([]domain.FailedSync, error)
}

// OperatorHandler exposes operator-only sync endpoints.
type OperatorHandler struct {
	sync       SyncOperator
	reconciler TicketReconciler
	failed     FailedLister
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewOperatorHandler constructs handler.
func NewOperatorHandler(sync SyncOperator, reconciler TicketReconciler, failed FailedLister, metrics *observability.Metrics, logger *zap.Logger) *OperatorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperatorHandler{sync: sync, reconciler: reconciler, failed: failed, metrics: metrics, logger: logger}
}

// ListFailed GET /operator/sync/failed.
func (h *OperatorHandler) ListFailed(c *fiber.Ctx) error {
	rows, err := h.failed.ListFailed(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	items := make([]dto.FailedSyncResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, dto.NewFailedSyncResponse(row))
	}
	return c.JSON(fiber.Map{"data": items})
}

// RetryTicket POST /operator/tickets/:id/retry.
func (h *OperatorHandler) RetryTicket(c *fiber.Ctx) error {
	ticket, err := h.sync.RetryTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	h.logger.Info("operator retry", zap.String("ticket_id", ticket.ID), zap.String("sync_state", string(ticket.SyncState)))
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// Reconcile POST /operator/tickets/:id/reconcile?dry_run=true.
func (h *OperatorHandler) Reconcile(c *fiber.Ctx) error {
	report, err := h.reconciler.Reconcile(c.UserContext(), c.Params("id"), service.ReconcileOptions{
		DryRun: c.QueryBool("dry_run", false),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": report})
}

// Sweep POST /operator/sync/sweep runs one retry pass immediately.
func (h *OperatorHandler) Sweep(c *fiber.Ctx) error {
	report, err := h.sync.SweepFailed(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": report})
}

// Metrics GET /operator/metrics.
func (h *OperatorHandler) Metrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": fiber.Map{
		"counters": h.metrics.Snapshot(),
		"unmapped": h.metrics.UnmappedValues(),
	}})
}
