package tracker

import (
	"context"
	"time"
)

// Tracker is the remote issue tracker surface the sync services depend on.
type Tracker interface {
	CreateIssue(ctx context.Context, input IssueInput) (string, error)
	GetIssue(ctx context.Context, key string, fields []string) (*IssueSnapshot, error)
	UpdateIssue(ctx context.Context, key string, delta FieldDelta) error
	CreateComment(ctx context.Context, input CommentInput) (string, error)
}

// LookupFunc re-checks local state for an identifier stored by an earlier,
// possibly lost, create. An empty result means nothing is stored yet.
type LookupFunc func(ctx context.Context) (string, error)

// IssueInput is the payload for CreateIssue.
type IssueInput struct {
	ProjectKey   string
	IssueType    string
	Summary      string
	Description  string
	Priority     string
	Labels       []string
	CustomFields map[string]any
	// IdempotencyLabel is attached to the issue and searched for before
	// every POST, so a create whose response was lost is found again.
	IdempotencyLabel string
	// Existing is consulted before the label search.
	Existing LookupFunc
}

// CommentInput is the payload for CreateComment.
type CommentInput struct {
	IssueKey string
	Body     string
	Existing LookupFunc
}

// FieldDelta carries only the fields that changed locally. Nil means untouched.
type FieldDelta struct {
	Summary      *string
	Description  *string
	IssueType    *string
	Priority     *string
	Status       *string
	CustomFields map[string]any
}

// Empty reports whether the delta carries no changes.
func (d FieldDelta) Empty() bool {
	return d.Summary == nil && d.Description == nil && d.IssueType == nil &&
		d.Priority == nil && d.Status == nil && len(d.CustomFields) == 0
}

// IssueSnapshot is the typed view of an issue fetched from the tracker.
// Fields the tracker did not return stay nil.
type IssueSnapshot struct {
	ID           string
	Key          string
	Summary      *string
	Description  *string
	Status       *string
	IssueType    *string
	Priority     *string
	AssigneeName *string
	Labels       []string
	Updated      time.Time
	Custom       map[string]any
}
