package dto

import (
	"time"

	"github.com/opsdesk/tracker-sync/internal/domain"
)

// DateLayout is the wire format of target dates.
const DateLayout = "2006-01-02"

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title       string                `json:"title" validate:"required,max=255"`
	Description string                `json:"description" validate:"max=32000"`
	Type        domain.TicketType     `json:"type" validate:"omitempty,oneof=BUG REQUEST ASSISTANCE"`
	Priority    domain.TicketPriority `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	Channel     domain.TicketChannel  `json:"channel" validate:"omitempty,oneof=EMAIL PHONE PORTAL CHAT"`
	TargetDate  *string               `json:"target_date" validate:"omitempty,datetime=2006-01-02"`
	AssignedTo  *string               `json:"assigned_to"`
	ContactID   *string               `json:"contact_id"`
	CompanyID   *string               `json:"company_id"`
	ProductID   *string               `json:"product_id"`
	ModuleID    *string               `json:"module_id"`
	FeatureID   *string               `json:"feature_id"`
}

// UpdateTicketRequest payload. Omitted fields are left unchanged.
type UpdateTicketRequest struct {
	Title           *string                `json:"title" validate:"omitempty,max=255"`
	Description     *string                `json:"description" validate:"omitempty,max=32000"`
	Type            *domain.TicketType     `json:"type" validate:"omitempty,oneof=BUG REQUEST ASSISTANCE"`
	Status          *domain.TicketStatus   `json:"status" validate:"omitempty,oneof=OPEN IN_PROGRESS PENDING_USER RESOLVED CLOSED CANCELLED"`
	Priority        *domain.TicketPriority `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	Channel         *domain.TicketChannel  `json:"channel" validate:"omitempty,oneof=EMAIL PHONE PORTAL CHAT"`
	TargetDate      *string                `json:"target_date" validate:"omitempty,datetime=2006-01-02"`
	ClearTargetDate bool                   `json:"clear_target_date"`
	AssignedTo      *string                `json:"assigned_to"`
}

// CreateCommentRequest payload.
type CreateCommentRequest struct {
	Content     string             `json:"content" validate:"required,max=32000"`
	CommentType domain.CommentType `json:"comment_type" validate:"omitempty,oneof=comment followup"`
}

// UpdateCommentRequest payload.
type UpdateCommentRequest struct {
	Content string `json:"content" validate:"required,max=32000"`
}

// TicketResponse is the API view of a ticket including its sync state.
type TicketResponse struct {
	ID               string                `json:"id"`
	ExternalKey      *string               `json:"external_key"`
	Title            string                `json:"title"`
	Description      string                `json:"description"`
	Type             domain.TicketType     `json:"type"`
	Status           domain.TicketStatus   `json:"status"`
	Priority         domain.TicketPriority `json:"priority"`
	Channel          domain.TicketChannel  `json:"channel"`
	TargetDate       *string               `json:"target_date"`
	CreatedBy        *string               `json:"created_by"`
	AssignedTo       *string               `json:"assigned_to"`
	ExternalAssignee *string               `json:"external_assignee"`
	Origin           domain.Origin         `json:"origin"`
	SyncState        domain.SyncState      `json:"sync_state"`
	SyncError        *string               `json:"sync_error"`
	PendingFields    []string              `json:"pending_fields"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// TicketDetailResponse adds the comment thread.
type TicketDetailResponse struct {
	TicketResponse
	Comments []CommentResponse `json:"comments"`
}

// CommentResponse is the API view of a comment.
type CommentResponse struct {
	ID          string             `json:"id"`
	TicketID    string             `json:"ticket_id"`
	ExternalID  *string            `json:"external_id"`
	Content     string             `json:"content"`
	CommentType domain.CommentType `json:"comment_type"`
	Origin      domain.Origin      `json:"origin"`
	Author      *string            `json:"author"`
	ReadOnly    bool               `json:"read_only"`
	SyncState   domain.SyncState   `json:"sync_state"`
	SyncError   *string            `json:"sync_error"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// FailedSyncResponse is one row parked in a failure state.
type FailedSyncResponse struct {
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	TicketID   string            `json:"ticket_id"`
	State      domain.SyncState  `json:"state"`
	Error      *string           `json:"error"`
	Attempts   int               `json:"attempts"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewTicketResponse maps a ticket to its API view.
func NewTicketResponse(t *domain.Ticket) TicketResponse {
	resp := TicketResponse{
		ID:               t.ID,
		ExternalKey:      t.ExternalKey,
		Title:            t.Title,
		Description:      t.Description,
		Type:             t.Type,
		Status:           t.Status,
		Priority:         t.Priority,
		Channel:          t.Channel,
		CreatedBy:        t.CreatedBy,
		AssignedTo:       t.AssignedTo,
		ExternalAssignee: t.ExternalAssignee,
		Origin:           t.Origin,
		SyncState:        t.SyncState,
		SyncError:        t.SyncError,
		PendingFields:    t.PendingFields,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if resp.PendingFields == nil {
		resp.PendingFields = []string{}
	}
	if t.TargetDate != nil {
		date := t.TargetDate.Format(DateLayout)
		resp.TargetDate = &date
	}
	return resp
}

// NewTicketDetailResponse maps a ticket and its thread.
func NewTicketDetailResponse(t *domain.Ticket, comments []domain.Comment) TicketDetailResponse {
	resp := TicketDetailResponse{TicketResponse: NewTicketResponse(t), Comments: make([]CommentResponse, 0, len(comments))}
	for i := range comments {
		resp.Comments = append(resp.Comments, NewCommentResponse(&comments[i]))
	}
	return resp
}

// NewCommentResponse maps a comment to its API view.
func NewCommentResponse(c *domain.Comment) CommentResponse {
	return CommentResponse{
		ID:          c.ID,
		TicketID:    c.TicketID,
		ExternalID:  c.ExternalID,
		Content:     c.Content,
		CommentType: c.CommentType,
		Origin:      c.Origin,
		Author:      c.Author,
		ReadOnly:    c.ReadOnly(),
		SyncState:   c.SyncState,
		SyncError:   c.SyncError,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// NewFailedSyncResponse maps a failed row.
func NewFailedSyncResponse(f domain.FailedSync) FailedSyncResponse {
	return FailedSyncResponse{
		EntityType: f.EntityType,
		EntityID:   f.EntityID,
		TicketID:   f.TicketID,
		State:      f.State,
		Error:      f.Error,
		Attempts:   f.Attempts,
		UpdatedAt:  f.UpdatedAt,
	}
}

// ParseDate parses an optional YYYY-MM-DD date.
func ParseDate(value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(DateLayout, *value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
