package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/opsdesk/tracker-sync/internal/api/dto"
	"github.com/opsdesk/tracker-sync/internal/auth"
	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/service"
	apperrors "github.com/opsdesk/tracker-sync/pkg/util/errorutil"
)

// TicketsHandler exposes local ticket and comment mutations. Pushing to the
// tracker happens behind the service and never changes the response.
type TicketsHandler struct {
	service *service.TicketService
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService) *TicketsHandler {
	return &TicketsHandler{service: ticketService}
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if details := dto.Validate(&req); details != nil {
		return apperrors.NewValidationError("invalid payload", details)
	}
	targetDate, err := dto.ParseDate(req.TargetDate)
	if err != nil {
		return apperrors.NewValidationError("invalid target_date", nil)
	}

	ticket, err := h.service.CreateTicket(c.UserContext(), principal.Actor(), service.TicketCreateInput{
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Priority:    req.Priority,
		Channel:     req.Channel,
		TargetDate:  targetDate,
		AssignedTo:  req.AssignedTo,
		ContactID:   req.ContactID,
		CompanyID:   req.CompanyID,
		ProductID:   req.ProductID,
		ModuleID:    req.ModuleID,
		FeatureID:   req.FeatureID,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// UpdateTicket PATCH /tickets/:id.
func (h *TicketsHandler) UpdateTicket(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.UpdateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if details := dto.Validate(&req); details != nil {
		return apperrors.NewValidationError("invalid payload", details)
	}
	targetDate, err := dto.ParseDate(req.TargetDate)
	if err != nil {
		return apperrors.NewValidationError("invalid target_date", nil)
	}

	ticket, err := h.service.UpdateTicket(c.UserContext(), principal.Actor(), c.Params("id"), service.TicketUpdateInput{
		Title:           req.Title,
		Description:     req.Description,
		Type:            req.Type,
		Status:          req.Status,
		Priority:        req.Priority,
		Channel:         req.Channel,
		TargetDate:      targetDate,
		ClearTargetDate: req.ClearTargetDate,
		AssignedTo:      req.AssignedTo,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, comments, err := h.service.GetTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketDetailResponse(ticket, comments)})
}

// ListTickets GET /tickets?sync_state=FAILED_FATAL,UNSYNCED&limit=50.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	var states []domain.SyncState
	if raw := c.Query("sync_state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(strings.ToUpper(part)); part != "" {
				states = append(states, domain.SyncState(part))
			}
		}
	}
	tickets, err := h.service.ListTickets(c.UserContext(), states, c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	items := make([]dto.TicketResponse, 0, len(tickets))
	for i := range tickets {
		items = append(items, dto.NewTicketResponse(&tickets[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// AddComment POST /tickets/:id/comments.
func (h *TicketsHandler) AddComment(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.CreateCommentRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if details := dto.Validate(&req); details != nil {
		return apperrors.NewValidationError("invalid payload", details)
	}
	comment, err := h.service.AddComment(c.UserContext(), principal.Actor(), c.Params("id"), req.CommentType, req.Content)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewCommentResponse(comment)})
}

// EditComment PATCH /comments/:id.
func (h *TicketsHandler) EditComment(c *fiber.Ctx) error {
	var req dto.UpdateCommentRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if details := dto.Validate(&req); details != nil {
		return apperrors.NewValidationError("invalid payload", details)
	}
	comment, err := h.service.EditComment(c.UserContext(), c.Params("id"), req.Content)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewCommentResponse(comment)})
}

// DeleteComment DELETE /comments/:id.
func (h *TicketsHandler) DeleteComment(c *fiber.Ctx) error {
	if err := h.service.DeleteComment(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}
