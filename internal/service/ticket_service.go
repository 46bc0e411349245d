package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/events"
	"github.com/opsdesk/tracker-sync/internal/repository"
)

var (
	// ErrReadOnlyComment is returned for edits of comments that came from
	// the tracker.
	ErrReadOnlyComment = errors.New("comment originates from the tracker and is read-only")
	// ErrInvalidTicket is returned for create and update input that fails
	// domain checks.
	ErrInvalidTicket = errors.New("invalid ticket input")
)

// TicketService coordinates local ticket workflows. Every successful
// mutation publishes an event; pushing to the tracker happens in handlers
// and never blocks or fails the local write.
type TicketService struct {
	tickets    repository.TicketRepository
	comments   repository.CommentRepository
	dispatcher events.Dispatcher
	now        func() time.Time
}

// TicketDependencies bundles repositories for ticket service.
type TicketDependencies struct {
	TicketRepo  repository.TicketRepository
	CommentRepo repository.CommentRepository
	Dispatcher  events.Dispatcher
}

// TicketCreateInput describes ticket creation payload.
type TicketCreateInput struct {
	Title       string
	Description string
	Type        domain.TicketType
	Priority    domain.TicketPriority
	Channel     domain.TicketChannel
	TargetDate  *time.Time
	AssignedTo  *string
	ContactID   *string
	CompanyID   *string
	ProductID   *string
	ModuleID    *string
	FeatureID   *string
}

// TicketUpdateInput carries the fields to change; nil leaves a field as is.
type TicketUpdateInput struct {
	Title       *string
	Description *string
	Type        *domain.TicketType
	Status      *domain.TicketStatus
	Priority    *domain.TicketPriority
	Channel     *domain.TicketChannel
	// TargetDate set together with ClearTargetDate=false changes the date;
	// ClearTargetDate removes it.
	TargetDate      *time.Time
	ClearTargetDate bool
	AssignedTo      *string
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	return &TicketService{
		tickets:    deps.TicketRepo,
		comments:   deps.CommentRepo,
		dispatcher: deps.Dispatcher,
		now:        time.Now,
	}
}

// CreateTicket stores a new local ticket in OPEN status.
func (s *TicketService) CreateTicket(ctx context.Context, actor domain.Actor, input TicketCreateInput) (*domain.Ticket, error) {
	ticket := &domain.Ticket{
		Title:       strings.TrimSpace(input.Title),
		Description: strings.TrimSpace(input.Description),
		Type:        input.Type,
		Status:      domain.TicketStatusOpen,
		Priority:    input.Priority,
		Channel:     input.Channel,
		TargetDate:  input.TargetDate,
		AssignedTo:  input.AssignedTo,
		ContactID:   input.ContactID,
		CompanyID:   input.CompanyID,
		ProductID:   input.ProductID,
		ModuleID:    input.ModuleID,
		FeatureID:   input.FeatureID,
		Origin:      domain.OriginLocal,
		SyncState:   domain.SyncStateUnsynced,
	}
	if actor.ID != "" {
		createdBy := actor.ID
		ticket.CreatedBy = &createdBy
	}
	if ticket.Priority == "" {
		ticket.Priority = domain.TicketPriorityMedium
	}
	if ticket.Type == "" {
		ticket.Type = domain.TicketTypeRequest
	}
	if ticket.Channel == "" {
		ticket.Channel = domain.TicketChannelPortal
	}
	if ticket.Title == "" {
		return nil, errors.Join(ErrInvalidTicket, errors.New("title is required"))
	}

	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketCreated,
		TicketID: ticket.ID,
		Actor:    actor,
		Payload: events.TicketUpdatedPayload{
			LocalVersion: ticket.LocalVersion,
		},
	})
	return ticket, nil
}

// UpdateTicket applies a partial local edit. Only fields whose value
// actually changes are recorded for the next push.
func (s *TicketService) UpdateTicket(ctx context.Context, actor domain.Actor, ticketID string, input TicketUpdateInput) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	var changed []string
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, errors.Join(ErrInvalidTicket, errors.New("title must not be empty"))
		}
		if title != ticket.Title {
			ticket.Title = title
			changed = append(changed, domain.FieldTitle)
		}
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		if description != ticket.Description {
			ticket.Description = description
			changed = append(changed, domain.FieldDescription)
		}
	}
	if input.Type != nil && *input.Type != ticket.Type {
		ticket.Type = *input.Type
		changed = append(changed, domain.FieldType)
	}
	if input.Status != nil && *input.Status != ticket.Status {
		ticket.Status = *input.Status
		changed = append(changed, domain.FieldStatus)
	}
	if input.Priority != nil && *input.Priority != ticket.Priority {
		ticket.Priority = *input.Priority
		changed = append(changed, domain.FieldPriority)
	}
	if input.Channel != nil && *input.Channel != ticket.Channel {
		ticket.Channel = *input.Channel
		changed = append(changed, domain.FieldChannel)
	}
	switch {
	case input.ClearTargetDate && ticket.TargetDate != nil:
		ticket.TargetDate = nil
		changed = append(changed, domain.FieldTargetDate)
	case !input.ClearTargetDate && input.TargetDate != nil && !sameDate(ticket.TargetDate, input.TargetDate):
		ticket.TargetDate = input.TargetDate
		changed = append(changed, domain.FieldTargetDate)
	}

	assigneeChanged := input.AssignedTo != nil && deref(input.AssignedTo) != deref(ticket.AssignedTo)
	if assigneeChanged {
		ticket.AssignedTo = input.AssignedTo
	}
	if len(changed) == 0 && !assigneeChanged {
		return ticket, nil
	}

	if err := s.tickets.UpdateLocal(ctx, ticket, changed); err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		s.publishEvent(ctx, events.Event{
			Type:     events.EventTicketUpdated,
			TicketID: ticket.ID,
			Actor:    actor,
			Payload: events.TicketUpdatedPayload{
				ChangedFields: changed,
				LocalVersion:  ticket.LocalVersion,
			},
		})
	}
	return ticket, nil
}

// GetTicket returns a ticket with its comments.
func (s *TicketService) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, []domain.Comment, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	comments, err := s.comments.ListByTicket(ctx, ticket.ID)
	if err != nil {
		return nil, nil, err
	}
	return ticket, comments, nil
}

// ListTickets lists tickets, optionally filtered by sync state.
func (s *TicketService) ListTickets(ctx context.Context, states []domain.SyncState, limit int) ([]domain.Ticket, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.tickets.ListBySyncState(ctx, states, limit)
}

// AddComment appends a local comment to a ticket.
func (s *TicketService) AddComment(ctx context.Context, actor domain.Actor, ticketID string, commentType domain.CommentType, content string) (*domain.Comment, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.Join(ErrInvalidTicket, errors.New("comment content is required"))
	}
	if commentType == "" {
		commentType = domain.CommentTypeComment
	}

	comment := &domain.Comment{
		TicketID:    ticket.ID,
		Content:     content,
		CommentType: commentType,
		Origin:      domain.OriginLocal,
		SyncState:   domain.SyncStateUnsynced,
	}
	if actor.ID != "" {
		author := actor.ID
		comment.Author = &author
	}
	if err := s.comments.Create(ctx, comment); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.Event{
		Type:     events.EventCommentAdded,
		TicketID: ticket.ID,
		Actor:    actor,
		Payload: events.CommentAddedPayload{
			CommentID:   comment.ID,
			CommentType: comment.CommentType,
		},
	})
	return comment, nil
}

// EditComment changes the content of a local comment. The tracker copy is
// not updated.
func (s *TicketService) EditComment(ctx context.Context, commentID, content string) (*domain.Comment, error) {
	comment, err := s.comments.GetByID(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.ReadOnly() {
		return nil, ErrReadOnlyComment
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.Join(ErrInvalidTicket, errors.New("comment content is required"))
	}
	if err := s.comments.UpdateContent(ctx, comment.ID, content); err != nil {
		return nil, err
	}
	comment.Content = content
	return comment, nil
}

// DeleteComment removes a local comment.
func (s *TicketService) DeleteComment(ctx context.Context, commentID string) error {
	comment, err := s.comments.GetByID(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.ReadOnly() {
		return ErrReadOnlyComment
	}
	return s.comments.Delete(ctx, comment.ID)
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Format(dateLayout) == b.Format(dateLayout)
}
