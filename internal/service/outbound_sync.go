package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/config"
	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/events"
	"github.com/opsdesk/tracker-sync/internal/lock"
	"github.com/opsdesk/tracker-sync/internal/mapping"
	"github.com/opsdesk/tracker-sync/internal/observability"
	"github.com/opsdesk/tracker-sync/internal/repository"
	"github.com/opsdesk/tracker-sync/internal/retry"
	"github.com/opsdesk/tracker-sync/internal/tracker"
)

// maxPushRounds bounds how often one caller re-pushes edits that landed
// while it held the ticket lock.
const maxPushRounds = 5

// OutboundSync pushes local ticket and comment changes to the tracker.
type OutboundSync struct {
	tickets     repository.TicketRepository
	comments    repository.CommentRepository
	attempts    repository.SyncAttemptRepository
	tracker     tracker.Tracker
	mapper      *mapping.Mapper
	guard       lock.Guard
	dispatcher  events.Dispatcher
	metrics     *observability.Metrics
	logger      *zap.Logger
	storePolicy retry.Policy
	cfg         outboundConfig
	now         func() time.Time
}

type outboundConfig struct {
	projectKey        string
	channelFieldID    string
	targetDateFieldID string
	maxSweepAttempts  int
	sweepBatchSize    int
	staleAfter        time.Duration
}

// OutboundDependencies bundles collaborators for OutboundSync.
type OutboundDependencies struct {
	TicketRepo  repository.TicketRepository
	CommentRepo repository.CommentRepository
	AttemptRepo repository.SyncAttemptRepository
	Tracker     tracker.Tracker
	Mapper      *mapping.Mapper
	Guard       lock.Guard
	Dispatcher  events.Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	// StorePolicy overrides retry.StorePolicy for writes after a remote
	// create succeeded.
	StorePolicy *retry.Policy
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Retried   int `json:"retried"`
	Recovered int `json:"recovered"`
	Promoted  int `json:"promoted"`
	Failed    int `json:"failed"`
}

// NewOutboundSync constructs the outbound side of the sync engine.
func NewOutboundSync(trackerCfg config.TrackerConfig, syncCfg config.SyncConfig, deps OutboundDependencies) *OutboundSync {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	guard := deps.Guard
	if guard == nil {
		guard = lock.NewLocalGuard()
	}
	mapper := deps.Mapper
	if mapper == nil {
		mapper = mapping.New(logger)
	}
	storePolicy := retry.StorePolicy()
	if deps.StorePolicy != nil {
		storePolicy = *deps.StorePolicy
	}
	cfg := outboundConfig{
		projectKey:        trackerCfg.ProjectKey,
		channelFieldID:    trackerCfg.ChannelFieldID,
		targetDateFieldID: trackerCfg.TargetDateFieldID,
		maxSweepAttempts:  syncCfg.MaxSweepAttempts,
		sweepBatchSize:    syncCfg.SweepBatchSize,
		staleAfter:        syncCfg.SweepInterval,
	}
	if cfg.maxSweepAttempts <= 0 {
		cfg.maxSweepAttempts = 10
	}
	if cfg.sweepBatchSize <= 0 {
		cfg.sweepBatchSize = 50
	}
	return &OutboundSync{
		tickets:     deps.TicketRepo,
		comments:    deps.CommentRepo,
		attempts:    deps.AttemptRepo,
		tracker:     deps.Tracker,
		mapper:      mapper,
		guard:       guard,
		dispatcher:  deps.Dispatcher,
		metrics:     deps.Metrics,
		logger:      logger,
		storePolicy: storePolicy,
		cfg:         cfg,
		now:         time.Now,
	}
}

// RegisterHandlers subscribes the push triggers to local mutation events.
func (s *OutboundSync) RegisterHandlers(dispatcher events.Dispatcher) {
	if dispatcher == nil {
		return
	}
	dispatcher.Subscribe(events.EventTicketCreated, s.handleTicketEvent)
	dispatcher.Subscribe(events.EventTicketUpdated, s.handleTicketEvent)
	dispatcher.Subscribe(events.EventCommentAdded, s.handleCommentAdded)
}

func (s *OutboundSync) handleTicketEvent(ctx context.Context, event events.Event) error {
	return s.PushTicket(ctx, event.TicketID)
}

func (s *OutboundSync) handleCommentAdded(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.CommentAddedPayload)
	if !ok {
		return s.PushTicket(ctx, event.TicketID)
	}
	return s.PushComment(ctx, payload.CommentID)
}

// PushTicket sends pending changes of a ticket and its unsent comments.
// Only one push per ticket runs at a time; a trigger that finds the ticket
// busy returns immediately and the running push picks its change up.
func (s *OutboundSync) PushTicket(ctx context.Context, ticketID string) error {
	for round := 0; round < maxPushRounds; round++ {
		release, acquired, err := s.guard.TryAcquire(ctx, ticketLockKey(ticketID))
		if err != nil {
			return fmt.Errorf("acquire push lock: %w", err)
		}
		if !acquired {
			s.logger.Debug("push coalesced", zap.String("ticket_id", ticketID))
			s.metrics.RecordSync(string(domain.EntityTicket), "coalesced")
			return nil
		}

		pushErr := s.pushLocked(ctx, ticketID)
		if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
			s.logger.Warn("release push lock", zap.String("ticket_id", ticketID), zap.Error(relErr))
		}
		if pushErr != nil {
			return pushErr
		}

		again, err := s.hasPendingWork(ctx, ticketID)
		if err != nil || !again {
			return err
		}
	}
	s.logger.Warn("push rounds exhausted; sweep will continue",
		zap.String("ticket_id", ticketID), zap.Int("rounds", maxPushRounds))
	return nil
}

// PushComment sends one local comment. Comments of a ticket without an
// external key wait until the ticket itself was created remotely.
func (s *OutboundSync) PushComment(ctx context.Context, commentID string) error {
	comment, err := s.comments.GetByID(ctx, commentID)
	if err != nil {
		return err
	}
	if !comment.PendingPush() {
		return nil
	}
	return s.PushTicket(ctx, comment.TicketID)
}

// RetryTicket resets a failed ticket and its failed comments and pushes
// them again. The fresh row is returned.
func (s *OutboundSync) RetryTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.SyncState.Failed() {
		if err := s.tickets.ResetForRetry(ctx, ticketID); err != nil {
			return nil, err
		}
		if err := s.attempts.Clear(ctx, domain.EntityTicket, ticketID); err != nil {
			return nil, err
		}
	}

	failed, err := s.comments.ListBySyncState(ctx, []domain.SyncState{domain.SyncStateFailedRetryable, domain.SyncStateFailedFatal}, 0)
	if err != nil {
		return nil, err
	}
	for _, comment := range failed {
		if comment.TicketID != ticketID {
			continue
		}
		if err := s.comments.ResetForRetry(ctx, comment.ID); err != nil {
			return nil, err
		}
		if err := s.attempts.Clear(ctx, domain.EntityComment, comment.ID); err != nil {
			return nil, err
		}
	}

	if err := s.PushTicket(ctx, ticketID); err != nil {
		s.logger.Warn("retry push failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
	return s.tickets.GetByID(ctx, ticketID)
}

// SweepFailed retries rows parked as FAILED_RETRYABLE, promotes rows that
// ran out of sweep attempts to FAILED_FATAL and picks up unsynced rows whose
// trigger was lost.
func (s *OutboundSync) SweepFailed(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	retryable := []domain.SyncState{domain.SyncStateFailedRetryable}

	tickets, err := s.tickets.ListBySyncState(ctx, retryable, s.cfg.sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list failed tickets: %w", err)
	}
	for _, ticket := range tickets {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		promoted, err := s.promoteIfExhausted(ctx, domain.EntityTicket, ticket.ID, ticket.ID)
		if err != nil {
			return report, err
		}
		if promoted {
			report.Promoted++
			continue
		}
		report.Retried++
		if err := s.PushTicket(ctx, ticket.ID); err != nil {
			report.Failed++
		}
	}

	comments, err := s.comments.ListBySyncState(ctx, retryable, s.cfg.sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list failed comments: %w", err)
	}
	for _, comment := range comments {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		promoted, err := s.promoteIfExhausted(ctx, domain.EntityComment, comment.ID, comment.TicketID)
		if err != nil {
			return report, err
		}
		if promoted {
			report.Promoted++
			continue
		}
		report.Retried++
		if err := s.PushTicket(ctx, comment.TicketID); err != nil {
			report.Failed++
		}
	}

	cutoff := s.now().Add(-s.cfg.staleAfter)
	stale, err := s.tickets.ListUnsynced(ctx, cutoff, s.cfg.sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list unsynced tickets: %w", err)
	}
	for _, ticket := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Recovered++
		if err := s.PushTicket(ctx, ticket.ID); err != nil {
			report.Failed++
		}
	}

	s.logger.Info("sweep finished",
		zap.Int("retried", report.Retried),
		zap.Int("recovered", report.Recovered),
		zap.Int("promoted", report.Promoted),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (s *OutboundSync) pushLocked(ctx context.Context, ticketID string) error {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.SyncState != domain.SyncStateFailedFatal && ticket.NeedsPush() {
		if err := s.pushTicketFields(ctx, ticket); err != nil {
			return s.recordFailure(ctx, domain.EntityTicket, ticket.ID, ticket.ID, err)
		}
	}
	if !ticket.HasExternalKey() {
		return nil
	}
	return s.pushPendingComments(ctx, ticket)
}

// pushTicketFields creates the issue or sends the pending field delta. On
// success ticket.ExternalKey is set.
func (s *OutboundSync) pushTicketFields(ctx context.Context, ticket *domain.Ticket) error {
	if err := s.tickets.MarkPushing(ctx, ticket.ID); err != nil {
		return err
	}

	if !ticket.HasExternalKey() {
		key, err := s.createIssue(ctx, ticket)
		if err != nil {
			return err
		}
		ticket.ExternalKey = &key
	} else {
		delta := s.fieldDelta(ticket, ticket.PendingFields)
		if !delta.Empty() {
			if err := s.tracker.UpdateIssue(ctx, ticket.Key(), delta); err != nil {
				return err
			}
		}
	}

	bookkeeping := context.WithoutCancel(ctx)
	marked, err := s.tickets.MarkSynced(bookkeeping, ticket.ID, ticket.LocalVersion)
	if err != nil {
		return err
	}
	if err := s.attempts.Clear(bookkeeping, domain.EntityTicket, ticket.ID); err != nil {
		s.logger.Warn("clear sync attempts", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
	if marked {
		s.metrics.RecordSync(string(domain.EntityTicket), "synced")
	}
	s.logger.Info("ticket pushed",
		zap.String("ticket_id", ticket.ID),
		zap.String("external_key", ticket.Key()),
		zap.Bool("superseded", !marked))
	return nil
}

func (s *OutboundSync) createIssue(ctx context.Context, ticket *domain.Ticket) (string, error) {
	input := s.issueInput(ticket)
	input.IdempotencyLabel = idempotencyLabel(ticket.ID)
	input.Existing = func(ctx context.Context) (string, error) {
		stored, err := s.tickets.GetByID(ctx, ticket.ID)
		if err != nil {
			return "", err
		}
		return stored.Key(), nil
	}

	key, err := s.tracker.CreateIssue(ctx, input)
	if err != nil {
		return "", err
	}

	// The issue exists remotely from here on; the binding must not be lost.
	bookkeeping := context.WithoutCancel(ctx)
	if err := s.storePolicy.Execute(bookkeeping, func(ctx context.Context) error {
		return s.tickets.BindExternalKey(ctx, ticket.ID, key)
	}); err != nil {
		s.logger.Error("external key not stored",
			zap.String("ticket_id", ticket.ID),
			zap.String("external_key", key),
			zap.Error(err))
		return "", err
	}

	// New issues start in the initial workflow state.
	if ticket.Status != domain.TicketStatusOpen {
		delta := s.fieldDelta(ticket, []string{domain.FieldStatus})
		if !delta.Empty() {
			if err := s.tracker.UpdateIssue(ctx, key, delta); err != nil {
				s.logger.Warn("initial status not applied",
					zap.String("ticket_id", ticket.ID),
					zap.String("external_key", key),
					zap.Error(err))
			}
		}
	}
	return key, nil
}

func (s *OutboundSync) pushPendingComments(ctx context.Context, ticket *domain.Ticket) error {
	pending, err := s.comments.ListPendingByTicket(ctx, ticket.ID)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range pending {
		if err := s.pushComment(ctx, ticket, &pending[i]); err != nil {
			if recErr := s.recordFailure(ctx, domain.EntityComment, pending[i].ID, ticket.ID, err); firstErr == nil {
				firstErr = recErr
			}
		}
	}
	return firstErr
}

func (s *OutboundSync) pushComment(ctx context.Context, ticket *domain.Ticket, comment *domain.Comment) error {
	if err := s.comments.MarkPushing(ctx, comment.ID); err != nil {
		return err
	}
	externalID, err := s.tracker.CreateComment(ctx, tracker.CommentInput{
		IssueKey: ticket.Key(),
		Body:     commentBody(comment),
		Existing: func(ctx context.Context) (string, error) {
			stored, err := s.comments.GetByID(ctx, comment.ID)
			if err != nil || stored.ExternalID == nil {
				return "", err
			}
			return *stored.ExternalID, nil
		},
	})
	if err != nil {
		return err
	}

	bookkeeping := context.WithoutCancel(ctx)
	if err := s.storePolicy.Execute(bookkeeping, func(ctx context.Context) error {
		err := s.comments.BindExternalID(ctx, comment.ID, externalID)
		if errors.Is(err, repository.ErrExternalIDConflict) {
			return s.replaceEchoedComment(ctx, comment, externalID)
		}
		return err
	}); err != nil {
		s.logger.Error("external comment id not stored",
			zap.String("comment_id", comment.ID),
			zap.String("external_id", externalID),
			zap.Error(err))
		return err
	}
	if err := s.comments.MarkSynced(bookkeeping, comment.ID); err != nil {
		return err
	}
	if err := s.attempts.Clear(bookkeeping, domain.EntityComment, comment.ID); err != nil {
		s.logger.Warn("clear sync attempts", zap.String("comment_id", comment.ID), zap.Error(err))
	}
	s.metrics.RecordSync(string(domain.EntityComment), "synced")
	s.logger.Info("comment pushed",
		zap.String("ticket_id", ticket.ID),
		zap.String("comment_id", comment.ID),
		zap.String("external_id", externalID))
	return nil
}

// replaceEchoedComment drops the copy ingested from the tracker's echo of a
// comment this service just created and binds the id to the local row.
func (s *OutboundSync) replaceEchoedComment(ctx context.Context, comment *domain.Comment, externalID string) error {
	echo, err := s.comments.GetByExternalID(ctx, comment.TicketID, externalID)
	if err != nil {
		return err
	}
	if echo.ID == comment.ID || echo.Origin != domain.OriginExternal {
		return repository.ErrExternalIDConflict
	}
	if err := s.comments.Delete(ctx, echo.ID); err != nil {
		return err
	}
	s.logger.Info("replaced echoed comment",
		zap.String("comment_id", comment.ID),
		zap.String("echo_id", echo.ID),
		zap.String("external_id", externalID))
	return s.comments.BindExternalID(ctx, comment.ID, externalID)
}

// recordFailure parks the row in a failure state, alerts on fatal ones and
// returns the original error.
func (s *OutboundSync) recordFailure(ctx context.Context, entityType domain.EntityType, entityID, ticketID string, cause error) error {
	bookkeeping := context.WithoutCancel(ctx)
	kind := errorKind(cause)

	attempts, err := s.attempts.RecordFailure(bookkeeping, entityType, entityID, kind, cause.Error())
	if err != nil {
		s.logger.Error("record sync attempt", zap.String("entity_id", entityID), zap.Error(err))
	}

	state := domain.SyncStateFailedRetryable
	if !retry.IsRetryable(cause) || attempts >= s.cfg.maxSweepAttempts {
		state = domain.SyncStateFailedFatal
	}
	if err := s.markFailed(bookkeeping, entityType, entityID, state, cause.Error()); err != nil {
		s.logger.Error("mark sync failure", zap.String("entity_id", entityID), zap.Error(err))
	}

	s.metrics.RecordSync(string(entityType), string(state))
	s.logger.Warn("push failed",
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.String("state", string(state)),
		zap.String("kind", kind),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if state == domain.SyncStateFailedFatal {
		s.publishFailure(bookkeeping, ticketID, events.SyncFailedPayload{
			EntityType: entityType,
			EntityID:   entityID,
			State:      state,
			ErrorKind:  kind,
			Error:      cause.Error(),
			Attempts:   attempts,
		})
	}
	return cause
}

// promoteIfExhausted moves a retryable row to FAILED_FATAL once it used up
// its sweep attempts.
func (s *OutboundSync) promoteIfExhausted(ctx context.Context, entityType domain.EntityType, entityID, ticketID string) (bool, error) {
	attempt, err := s.attempts.Get(ctx, entityType, entityID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if attempt.Attempts < s.cfg.maxSweepAttempts {
		return false, nil
	}

	message := fmt.Sprintf("gave up after %d sweep attempts: %s", attempt.Attempts, attempt.LastError)
	if err := s.markFailed(ctx, entityType, entityID, domain.SyncStateFailedFatal, message); err != nil {
		return false, err
	}
	s.metrics.RecordSync(string(entityType), string(domain.SyncStateFailedFatal))
	s.publishFailure(ctx, ticketID, events.SyncFailedPayload{
		EntityType: entityType,
		EntityID:   entityID,
		State:      domain.SyncStateFailedFatal,
		ErrorKind:  attempt.LastErrorKind,
		Error:      message,
		Attempts:   attempt.Attempts,
	})
	return true, nil
}

func (s *OutboundSync) markFailed(ctx context.Context, entityType domain.EntityType, entityID string, state domain.SyncState, message string) error {
	if entityType == domain.EntityComment {
		return s.comments.MarkFailed(ctx, entityID, state, message)
	}
	return s.tickets.MarkFailed(ctx, entityID, state, message)
}

func (s *OutboundSync) publishFailure(ctx context.Context, ticketID string, payload events.SyncFailedPayload) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventSyncFailed,
		TicketID:  ticketID,
		Timestamp: s.now(),
		Payload:   payload,
	})
}

// hasPendingWork reports whether edits or comments arrived while the last
// round held the lock.
func (s *OutboundSync) hasPendingWork(ctx context.Context, ticketID string) (bool, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return false, err
	}
	if ticket.SyncState.Failed() {
		return false, nil
	}
	if ticket.NeedsPush() {
		return true, nil
	}
	if !ticket.HasExternalKey() {
		return false, nil
	}
	pending, err := s.comments.ListPendingByTicket(ctx, ticketID)
	if err != nil {
		return false, err
	}
	for _, comment := range pending {
		if !comment.SyncState.Failed() {
			return true, nil
		}
	}
	return false, nil
}

func (s *OutboundSync) issueInput(ticket *domain.Ticket) tracker.IssueInput {
	issueType, _ := s.mapper.ToExternalIssueType(ticket.Type)
	input := tracker.IssueInput{
		ProjectKey:   s.cfg.projectKey,
		IssueType:    issueType,
		Summary:      ticket.Title,
		Description:  ticket.Description,
		CustomFields: map[string]any{},
	}
	if priority, ok := s.mapper.ToExternalPriority(ticket.Priority); ok {
		input.Priority = priority
	}
	if s.cfg.channelFieldID != "" {
		if channel, ok := s.mapper.ToExternalChannel(ticket.Channel); ok {
			input.CustomFields[s.cfg.channelFieldID] = map[string]any{"value": channel}
		}
	}
	if s.cfg.targetDateFieldID != "" && ticket.TargetDate != nil {
		input.CustomFields[s.cfg.targetDateFieldID] = ticket.TargetDate.Format(dateLayout)
	}
	return input
}

// fieldDelta translates pending local fields into a tracker update. Fields
// owned by the tracker and values without a mapping are left out.
func (s *OutboundSync) fieldDelta(ticket *domain.Ticket, fields []string) tracker.FieldDelta {
	var delta tracker.FieldDelta
	custom := map[string]any{}
	for _, field := range fields {
		switch field {
		case domain.FieldTitle:
			delta.Summary = stringPtr(ticket.Title)
		case domain.FieldDescription:
			delta.Description = stringPtr(ticket.Description)
		case domain.FieldType:
			if name, ok := s.mapper.ToExternalIssueType(ticket.Type); ok {
				delta.IssueType = &name
			}
		case domain.FieldPriority:
			if name, ok := s.mapper.ToExternalPriority(ticket.Priority); ok {
				delta.Priority = &name
			}
		case domain.FieldStatus:
			if name, ok := s.mapper.ToExternalStatus(ticket.Status); ok {
				delta.Status = &name
			}
		case domain.FieldChannel:
			if s.cfg.channelFieldID == "" {
				continue
			}
			if value, ok := s.mapper.ToExternalChannel(ticket.Channel); ok {
				custom[s.cfg.channelFieldID] = map[string]any{"value": value}
			}
		case domain.FieldTargetDate:
			if s.cfg.targetDateFieldID == "" {
				continue
			}
			if ticket.TargetDate == nil {
				custom[s.cfg.targetDateFieldID] = nil
			} else {
				custom[s.cfg.targetDateFieldID] = ticket.TargetDate.Format(dateLayout)
			}
		}
	}
	if len(custom) > 0 {
		delta.CustomFields = custom
	}
	return delta
}

const dateLayout = "2006-01-02"

func ticketLockKey(ticketID string) string {
	return "ticket:" + ticketID
}

const idempotencyLabelPrefix = "sync-"

func idempotencyLabel(ticketID string) string {
	return idempotencyLabelPrefix + ticketID
}

func commentBody(comment *domain.Comment) string {
	if comment.CommentType == domain.CommentTypeFollowup {
		return "[Follow-up] " + comment.Content
	}
	return comment.Content
}

func errorKind(err error) string {
	if kind := tracker.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	if !retry.IsRetryable(err) {
		return "store"
	}
	return "internal"
}

func stringPtr(s string) *string {
	return &s
}
