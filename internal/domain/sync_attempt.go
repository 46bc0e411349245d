package domain

import "time"

// SyncState is the outbound state machine of a ticket or comment.
type SyncState string

const (
	SyncStateUnsynced        SyncState = "UNSYNCED"
	SyncStatePushing         SyncState = "PUSHING"
	SyncStateSynced          SyncState = "SYNCED"
	SyncStateFailedRetryable SyncState = "FAILED_RETRYABLE"
	SyncStateFailedFatal     SyncState = "FAILED_FATAL"
)

// Failed reports whether the state is one of the failure states.
func (s SyncState) Failed() bool {
	return s == SyncStateFailedRetryable || s == SyncStateFailedFatal
}

// EntityType identifies the kind of row a sync attempt belongs to.
type EntityType string

const (
	EntityTicket  EntityType = "ticket"
	EntityComment EntityType = "comment"
)

// SyncAttempt records outbound failures for one row.
type SyncAttempt struct {
	EntityType    EntityType
	EntityID      string
	Attempts      int
	LastAttemptAt time.Time
	LastErrorKind string
	LastError     string
}

// FailedSync is an operator-facing view of a row stuck in a failure state.
type FailedSync struct {
	EntityType EntityType
	EntityID   string
	TicketID   string
	State      SyncState
	Error      *string
	Attempts   int
	UpdatedAt  time.Time
}
