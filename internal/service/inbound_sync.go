package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/mapping"
	"github.com/opsdesk/tracker-sync/internal/observability"
	"github.com/opsdesk/tracker-sync/internal/repository"
	"github.com/opsdesk/tracker-sync/internal/retry"
)

// InboundKind is the tracker event type of a delivery.
type InboundKind string

const (
	InboundIssueCreated   InboundKind = "issue_created"
	InboundIssueUpdated   InboundKind = "issue_updated"
	InboundIssueDeleted   InboundKind = "issue_deleted"
	InboundCommentCreated InboundKind = "comment_created"
	InboundCommentUpdated InboundKind = "comment_updated"
)

// IngestResult is the outcome of one acknowledged delivery.
type IngestResult string

const (
	IngestApplied   IngestResult = "applied"
	IngestCreated   IngestResult = "created"
	IngestStale     IngestResult = "stale"
	IngestDuplicate IngestResult = "duplicate"
	IngestIgnored   IngestResult = "ignored"
)

// ErrInvalidEvent rejects deliveries that cannot be processed at all.
var ErrInvalidEvent = retry.Permanent(errors.New("invalid tracker event"))

// InboundEvent is a validated tracker delivery. Nil fields were absent from
// the payload and leave the local value untouched.
type InboundEvent struct {
	Kind     InboundKind `json:"kind"`
	IssueKey string      `json:"issue_key"`
	// Revision orders deliveries for the same issue; larger is newer.
	Revision int64           `json:"revision"`
	Fields   IssueFields     `json:"fields"`
	Comment  *InboundComment `json:"comment,omitempty"`
}

// IssueFields carries the issue fields present in a delivery.
type IssueFields struct {
	Summary     *string    `json:"summary,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty"`
	IssueType   *string    `json:"issue_type,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	Channel     *string    `json:"channel,omitempty"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
	Assignee    *string    `json:"assignee,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
}

// InboundComment is the comment part of a comment delivery.
type InboundComment struct {
	ID      string `json:"id"`
	Body    string `json:"body"`
	Author  string `json:"author,omitempty"`
	Updated int64  `json:"updated"`
}

// InboundSync applies tracker deliveries to the local store. It never
// publishes local mutation events, so nothing it writes is pushed back.
type InboundSync struct {
	tickets  repository.TicketRepository
	comments repository.CommentRepository
	mapper   *mapping.Mapper
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// InboundDependencies bundles collaborators for InboundSync.
type InboundDependencies struct {
	TicketRepo  repository.TicketRepository
	CommentRepo repository.CommentRepository
	Mapper      *mapping.Mapper
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// NewInboundSync constructs the ingestion side of the sync engine.
func NewInboundSync(deps InboundDependencies) *InboundSync {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mapper := deps.Mapper
	if mapper == nil {
		mapper = mapping.New(logger)
	}
	return &InboundSync{
		tickets:  deps.TicketRepo,
		comments: deps.CommentRepo,
		mapper:   mapper,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// maxApplyRounds bounds re-reads when a local edit races an inbound write.
const maxApplyRounds = 3

// Ingest applies one delivery. A nil error acknowledges the delivery,
// including stale and duplicate ones; ErrInvalidEvent rejects it.
func (s *InboundSync) Ingest(ctx context.Context, event InboundEvent) (IngestResult, error) {
	event.IssueKey = strings.TrimSpace(event.IssueKey)
	if event.IssueKey == "" {
		s.metrics.RecordIngest("rejected")
		return "", fmt.Errorf("%w: missing issue key", ErrInvalidEvent)
	}

	var (
		result IngestResult
		err    error
	)
	switch event.Kind {
	case InboundIssueCreated, InboundIssueUpdated:
		result, err = s.upsertTicket(ctx, event)
	case InboundCommentCreated, InboundCommentUpdated:
		if event.Comment == nil || strings.TrimSpace(event.Comment.ID) == "" {
			s.metrics.RecordIngest("rejected")
			return "", fmt.Errorf("%w: comment event without comment id", ErrInvalidEvent)
		}
		result, err = s.upsertComment(ctx, event)
	default:
		// Deletions and unknown types are acknowledged so the tracker stops
		// redelivering them.
		result = IngestIgnored
	}
	if err != nil {
		s.metrics.RecordIngest("error")
		s.logger.Error("ingest failed",
			zap.String("kind", string(event.Kind)),
			zap.String("issue_key", event.IssueKey),
			zap.Int64("revision", event.Revision),
			zap.Error(err))
		return "", err
	}

	s.metrics.RecordIngest(string(result))
	s.logger.Info("tracker event ingested",
		zap.String("kind", string(event.Kind)),
		zap.String("issue_key", event.IssueKey),
		zap.Int64("revision", event.Revision),
		zap.String("result", string(result)))
	return result, nil
}

func (s *InboundSync) upsertTicket(ctx context.Context, event InboundEvent) (IngestResult, error) {
	for round := 0; round < maxApplyRounds; round++ {
		existing, err := s.tickets.GetByExternalKey(ctx, event.IssueKey)
		if errors.Is(err, repository.ErrNotFound) {
			bound, err := s.bindEcho(ctx, event)
			if err != nil {
				return "", err
			}
			if bound {
				continue
			}
			created, err := s.tickets.CreateExternal(ctx, s.newExternalTicket(event))
			if err != nil {
				return "", err
			}
			if created {
				return IngestCreated, nil
			}
			// A concurrent delivery inserted the row first.
			continue
		}
		if err != nil {
			return "", err
		}

		if existing.ExternalRevision >= event.Revision {
			return IngestStale, nil
		}
		merged := s.mergeExternal(existing, event.Fields)
		applied, err := s.tickets.ApplyExternal(ctx, merged, repository.ExternalWrite{
			Revision:        event.Revision,
			ExpectedVersion: existing.LocalVersion,
		})
		if err != nil {
			return "", err
		}
		if applied {
			return IngestApplied, nil
		}
	}
	return "", fmt.Errorf("issue %s changed concurrently %d times", event.IssueKey, maxApplyRounds)
}

func (s *InboundSync) upsertComment(ctx context.Context, event InboundEvent) (IngestResult, error) {
	ticket, err := s.tickets.GetByExternalKey(ctx, event.IssueKey)
	if errors.Is(err, repository.ErrNotFound) {
		// The issue may come from another project or predate the sync.
		s.logger.Warn("comment for unknown issue", zap.String("issue_key", event.IssueKey))
		return IngestIgnored, nil
	}
	if err != nil {
		return "", err
	}

	in := event.Comment
	updated := in.Updated
	if updated == 0 {
		updated = event.Revision
	}

	existing, err := s.comments.GetByExternalID(ctx, ticket.ID, in.ID)
	if err == nil {
		if event.Kind == InboundCommentCreated || existing.ExternalUpdatedAt >= updated || existing.Content == in.Body {
			return IngestDuplicate, nil
		}
		applied, err := s.comments.ApplyExternalUpdate(ctx, existing.ID, in.Body, updated)
		if err != nil {
			return "", err
		}
		if !applied {
			return IngestStale, nil
		}
		return IngestApplied, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	externalID := in.ID
	comment := &domain.Comment{
		TicketID:          ticket.ID,
		ExternalID:        &externalID,
		Content:           in.Body,
		CommentType:       domain.CommentTypeComment,
		Origin:            domain.OriginExternal,
		ExternalUpdatedAt: updated,
		SyncState:         domain.SyncStateSynced,
	}
	if in.Author != "" {
		author := in.Author
		comment.Author = &author
	}
	created, err := s.comments.CreateExternal(ctx, comment)
	if err != nil {
		return "", err
	}
	if !created {
		return IngestDuplicate, nil
	}
	return IngestCreated, nil
}

// bindEcho handles the delivery for an issue this service created whose key
// is not stored yet: the idempotency label names the local ticket.
func (s *InboundSync) bindEcho(ctx context.Context, event InboundEvent) (bool, error) {
	for _, label := range event.Fields.Labels {
		ticketID, ok := strings.CutPrefix(label, idempotencyLabelPrefix)
		if !ok || ticketID == "" {
			continue
		}
		err := s.tickets.BindExternalKey(ctx, ticketID, event.IssueKey)
		switch {
		case err == nil:
			s.logger.Info("bound echoed issue to local ticket",
				zap.String("ticket_id", ticketID),
				zap.String("issue_key", event.IssueKey))
			return true, nil
		case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrExternalKeyConflict):
			continue
		default:
			return false, err
		}
	}
	return false, nil
}

func (s *InboundSync) newExternalTicket(event InboundEvent) *domain.Ticket {
	key := event.IssueKey
	ticket := &domain.Ticket{
		ExternalKey:      &key,
		Title:            key,
		Type:             domain.TicketTypeUnmapped,
		Status:           domain.TicketStatusOpen,
		Priority:         domain.TicketPriorityMedium,
		Channel:          domain.TicketChannelPortal,
		Origin:           domain.OriginExternal,
		ExternalRevision: event.Revision,
		SyncState:        domain.SyncStateSynced,
		PendingFields:    []string{},
	}
	f := event.Fields
	if f.Summary != nil && *f.Summary != "" {
		ticket.Title = *f.Summary
	}
	if f.Description != nil {
		ticket.Description = *f.Description
	}
	if f.IssueType != nil {
		ticket.Type = s.mapper.FromExternalIssueType(*f.IssueType)
	}
	if f.Status != nil {
		ticket.Status = s.mapper.FromExternalStatus(*f.Status)
	}
	if f.Priority != nil {
		ticket.Priority = s.mapper.FromExternalPriority(*f.Priority)
	}
	if f.Channel != nil {
		ticket.Channel = s.mapper.FromExternalChannel(*f.Channel)
	}
	ticket.TargetDate = f.TargetDate
	ticket.ExternalAssignee = f.Assignee
	return ticket
}

// mergeExternal folds tracker fields into a copy of the local row. Status
// and assignee belong to the tracker and always win; other fields only
// apply when no local edit of them is waiting to be pushed.
func (s *InboundSync) mergeExternal(existing *domain.Ticket, f IssueFields) *domain.Ticket {
	merged := cloneTicket(existing)
	pending := existing.PendingFields
	localWins := func(field string) bool {
		return slices.Contains(pending, field)
	}

	if f.Status != nil {
		merged.Status = s.mapper.FromExternalStatus(*f.Status)
		merged.PendingFields = slices.DeleteFunc(merged.PendingFields, func(field string) bool {
			return field == domain.FieldStatus
		})
	}
	if f.Assignee != nil {
		merged.ExternalAssignee = f.Assignee
	}
	if f.Summary != nil && *f.Summary != "" && !localWins(domain.FieldTitle) {
		merged.Title = *f.Summary
	}
	if f.Description != nil && !localWins(domain.FieldDescription) {
		merged.Description = *f.Description
	}
	// Unmapped values of locally owned enums keep the local value.
	if f.IssueType != nil && !localWins(domain.FieldType) {
		if v := s.mapper.FromExternalIssueType(*f.IssueType); v != domain.TicketTypeUnmapped {
			merged.Type = v
		}
	}
	if f.Priority != nil && !localWins(domain.FieldPriority) {
		if v := s.mapper.FromExternalPriority(*f.Priority); v != domain.TicketPriorityUnmapped {
			merged.Priority = v
		}
	}
	if f.Channel != nil && !localWins(domain.FieldChannel) {
		if v := s.mapper.FromExternalChannel(*f.Channel); v != domain.TicketChannelUnmapped {
			merged.Channel = v
		}
	}
	if f.TargetDate != nil && !localWins(domain.FieldTargetDate) {
		merged.TargetDate = f.TargetDate
	}
	return merged
}

func cloneTicket(t *domain.Ticket) *domain.Ticket {
	c := *t
	c.PendingFields = slices.Clone(t.PendingFields)
	return &c
}
