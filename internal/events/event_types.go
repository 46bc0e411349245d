package events

import (
	"time"

	"github.com/opsdesk/tracker-sync/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated EventType = "ticket_created"
	EventTicketUpdated EventType = "ticket_updated"
	EventCommentAdded  EventType = "comment_added"
	EventSyncFailed    EventType = "sync_failed"
)

// Event represents a domain event emitted by services. Only local mutations
// publish ticket and comment events; tracker-originated writes never do.
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	TicketID  string       `json:"ticket_id"`
	Actor     domain.Actor `json:"actor"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   interface{}  `json:"payload"`
}

// TicketUpdatedPayload payload.
type TicketUpdatedPayload struct {
	ChangedFields []string `json:"changed_fields"`
	LocalVersion  int64    `json:"local_version"`
}

// CommentAddedPayload payload.
type CommentAddedPayload struct {
	CommentID   string             `json:"comment_id"`
	CommentType domain.CommentType `json:"comment_type"`
}

// SyncFailedPayload payload.
type SyncFailedPayload struct {
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	State      domain.SyncState  `json:"state"`
	ErrorKind  string            `json:"error_kind"`
	Error      string            `json:"error"`
	Attempts   int               `json:"attempts"`
}
