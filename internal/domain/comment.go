package domain

import "time"

// CommentType differentiates plain comments from follow-ups.
type CommentType string

const (
	CommentTypeComment  CommentType = "comment"
	CommentTypeFollowup CommentType = "followup"
)

// Comment captures a message in a ticket thread.
type Comment struct {
	ID                string
	TicketID          string
	ExternalID        *string
	Content           string
	CommentType       CommentType
	Origin            Origin
	Author            *string
	ExternalUpdatedAt int64
	SyncState         SyncState
	SyncError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasExternalID reports whether the comment exists on the tracker.
func (c *Comment) HasExternalID() bool {
	return c.ExternalID != nil && *c.ExternalID != ""
}

// ReadOnly reports whether local actors may not edit or delete the comment.
func (c *Comment) ReadOnly() bool {
	return c.Origin == OriginExternal
}

// PendingPush reports whether the comment still has to be created remotely.
func (c *Comment) PendingPush() bool {
	return c.Origin == OriginLocal && !c.HasExternalID()
}
