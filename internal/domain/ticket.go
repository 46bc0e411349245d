package domain

import "time"

// TicketType enumerates the kinds of support requests.
type TicketType string

const (
	TicketTypeBug        TicketType = "BUG"
	TicketTypeRequest    TicketType = "REQUEST"
	TicketTypeAssistance TicketType = "ASSISTANCE"
	TicketTypeUnmapped   TicketType = "UNMAPPED"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen        TicketStatus = "OPEN"
	TicketStatusInProgress  TicketStatus = "IN_PROGRESS"
	TicketStatusPendingUser TicketStatus = "PENDING_USER"
	TicketStatusResolved    TicketStatus = "RESOLVED"
	TicketStatusClosed      TicketStatus = "CLOSED"
	TicketStatusCancelled   TicketStatus = "CANCELLED"
	// TicketStatusUnmapped marks a status the tracker reported but the local
	// vocabulary has no equivalent for.
	TicketStatusUnmapped TicketStatus = "UNMAPPED"
)

// TicketStatuses lists every mappable status.
var TicketStatuses = []TicketStatus{
	TicketStatusOpen,
	TicketStatusInProgress,
	TicketStatusPendingUser,
	TicketStatusResolved,
	TicketStatusClosed,
	TicketStatusCancelled,
}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "LOW"
	TicketPriorityMedium   TicketPriority = "MEDIUM"
	TicketPriorityHigh     TicketPriority = "HIGH"
	TicketPriorityUrgent   TicketPriority = "URGENT"
	TicketPriorityUnmapped TicketPriority = "UNMAPPED"
)

// TicketChannel records how the request reached support.
type TicketChannel string

const (
	TicketChannelEmail    TicketChannel = "EMAIL"
	TicketChannelPhone    TicketChannel = "PHONE"
	TicketChannelPortal   TicketChannel = "PORTAL"
	TicketChannelChat     TicketChannel = "CHAT"
	TicketChannelUnmapped TicketChannel = "UNMAPPED"
)

// Origin tags where the last authoritative write of a row came from.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginExternal Origin = "external"
)

// Ticket is the aggregate for support requests mirrored to the tracker.
type Ticket struct {
	ID               string
	ExternalKey      *string
	Title            string
	Description      string
	Type             TicketType
	Status           TicketStatus
	Priority         TicketPriority
	Channel          TicketChannel
	TargetDate       *time.Time
	CreatedBy        *string
	AssignedTo       *string
	ExternalAssignee *string
	ContactID        *string
	CompanyID        *string
	ProductID        *string
	ModuleID         *string
	FeatureID        *string
	Origin           Origin
	ExternalRevision int64
	LocalVersion     int64
	SyncState        SyncState
	SyncError        *string
	PendingFields    []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasExternalKey reports whether the ticket is bound to a tracker issue.
func (t *Ticket) HasExternalKey() bool {
	return t.ExternalKey != nil && *t.ExternalKey != ""
}

// NeedsPush reports whether local changes still have to reach the tracker.
func (t *Ticket) NeedsPush() bool {
	if !t.HasExternalKey() {
		return t.Origin == OriginLocal
	}
	return len(t.PendingFields) > 0
}

// Key returns the external key or an empty string.
func (t *Ticket) Key() string {
	if t.ExternalKey == nil {
		return ""
	}
	return *t.ExternalKey
}

// Ticket fields tracked in PendingFields and pushed as partial updates.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldType        = "type"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldChannel     = "channel"
	FieldTargetDate  = "target_date"
	FieldAssignee    = "external_assignee"
)
