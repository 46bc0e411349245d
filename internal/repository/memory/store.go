// Package memory provides in-process repositories with the same semantics as
// the Postgres ones: unique external keys, conditional revision updates and
// version-checked sync marks.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/repository"
)

// Store holds every table behind one mutex.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	tickets  map[string]*domain.Ticket
	comments map[string]*domain.Comment
	attempts map[attemptKey]*domain.SyncAttempt
}

type attemptKey struct {
	entityType domain.EntityType
	entityID   string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		tickets:  make(map[string]*domain.Ticket),
		comments: make(map[string]*domain.Comment),
		attempts: make(map[attemptKey]*domain.SyncAttempt),
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Tickets returns the ticket repository view.
func (s *Store) Tickets() repository.TicketRepository { return (*ticketStore)(s) }

// Comments returns the comment repository view.
func (s *Store) Comments() repository.CommentRepository { return (*commentStore)(s) }

// Attempts returns the sync attempt repository view.
func (s *Store) Attempts() repository.SyncAttemptRepository { return (*attemptStore)(s) }

type ticketStore Store

func (t *ticketStore) Create(_ context.Context, ticket *domain.Ticket) error {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.HasExternalKey() && s.ticketByKey(ticket.Key()) != nil {
		return repository.ErrExternalKeyConflict
	}
	s.insertTicket(ticket)
	return nil
}

func (t *ticketStore) CreateExternal(_ context.Context, ticket *domain.Ticket) (bool, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.HasExternalKey() && s.ticketByKey(ticket.Key()) != nil {
		return false, nil
	}
	s.insertTicket(ticket)
	return true, nil
}

func (t *ticketStore) UpdateLocal(_ context.Context, ticket *domain.Ticket, changed []string) error {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tickets[ticket.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Title = ticket.Title
	stored.Description = ticket.Description
	stored.Type = ticket.Type
	stored.Status = ticket.Status
	stored.Priority = ticket.Priority
	stored.Channel = ticket.Channel
	stored.TargetDate = ticket.TargetDate
	stored.AssignedTo = ticket.AssignedTo
	stored.ContactID = ticket.ContactID
	stored.CompanyID = ticket.CompanyID
	stored.ProductID = ticket.ProductID
	stored.ModuleID = ticket.ModuleID
	stored.FeatureID = ticket.FeatureID
	stored.Origin = domain.OriginLocal
	if len(changed) > 0 {
		stored.PendingFields = mergeFields(stored.PendingFields, changed)
		stored.LocalVersion++
		stored.SyncState = domain.SyncStateUnsynced
		stored.SyncError = nil
	}
	stored.UpdatedAt = s.now()

	ticket.Origin = stored.Origin
	ticket.LocalVersion = stored.LocalVersion
	ticket.SyncState = stored.SyncState
	ticket.PendingFields = slices.Clone(stored.PendingFields)
	ticket.UpdatedAt = stored.UpdatedAt
	return nil
}

func (t *ticketStore) ApplyExternal(_ context.Context, ticket *domain.Ticket, write repository.ExternalWrite) (bool, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tickets[ticket.ID]
	if !ok {
		return false, nil
	}
	if stored.LocalVersion != write.ExpectedVersion {
		return false, nil
	}
	if !write.Force && stored.ExternalRevision >= write.Revision {
		return false, nil
	}
	stored.Title = ticket.Title
	stored.Description = ticket.Description
	stored.Type = ticket.Type
	stored.Status = ticket.Status
	stored.Priority = ticket.Priority
	stored.Channel = ticket.Channel
	stored.TargetDate = ticket.TargetDate
	stored.ExternalAssignee = ticket.ExternalAssignee
	stored.PendingFields = slices.Clone(ticket.PendingFields)
	stored.Origin = domain.OriginExternal
	stored.ExternalRevision = max(stored.ExternalRevision, write.Revision)
	stored.UpdatedAt = s.now()

	ticket.ExternalRevision = stored.ExternalRevision
	ticket.Origin = stored.Origin
	ticket.UpdatedAt = stored.UpdatedAt
	return true, nil
}

func (t *ticketStore) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tickets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTicket(stored), nil
}

func (t *ticketStore) GetByExternalKey(_ context.Context, key string) (*domain.Ticket, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.ticketByKey(key)
	if stored == nil {
		return nil, repository.ErrNotFound
	}
	return cloneTicket(stored), nil
}

func (t *ticketStore) BindExternalKey(_ context.Context, id, key string) error {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tickets[id]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.HasExternalKey() {
		if stored.Key() == key {
			return nil
		}
		return repository.ErrExternalKeyConflict
	}
	if other := s.ticketByKey(key); other != nil {
		return repository.ErrExternalKeyConflict
	}
	stored.ExternalKey = &key
	stored.UpdatedAt = s.now()
	return nil
}

func (t *ticketStore) MarkPushing(_ context.Context, id string) error {
	return (*Store)(t).setTicketState(id, domain.SyncStatePushing, nil)
}

func (t *ticketStore) MarkSynced(_ context.Context, id string, localVersion int64) (bool, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tickets[id]
	if !ok || stored.LocalVersion != localVersion {
		return false, nil
	}
	stored.SyncState = domain.SyncStateSynced
	stored.SyncError = nil
	stored.PendingFields = []string{}
	return true, nil
}

func (t *ticketStore) MarkFailed(_ context.Context, id string, state domain.SyncState, message string) error {
	return (*Store)(t).setTicketState(id, state, &message)
}

func (t *ticketStore) ResetForRetry(_ context.Context, id string) error {
	return (*Store)(t).setTicketState(id, domain.SyncStateUnsynced, nil)
}

func (t *ticketStore) ListBySyncState(_ context.Context, states []domain.SyncState, limit int) ([]domain.Ticket, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ticket
	for _, stored := range s.sortedTickets() {
		if len(states) == 0 || slices.Contains(states, stored.SyncState) {
			out = append(out, *cloneTicket(stored))
		}
	}
	return truncate(out, limit), nil
}

func (t *ticketStore) ListUnsynced(_ context.Context, before time.Time, limit int) ([]domain.Ticket, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ticket
	for _, stored := range s.sortedTickets() {
		if stored.SyncState != domain.SyncStateUnsynced && stored.SyncState != domain.SyncStatePushing {
			continue
		}
		if !stored.UpdatedAt.Before(before) || !stored.NeedsPush() {
			continue
		}
		out = append(out, *cloneTicket(stored))
	}
	if limit <= 0 {
		limit = 50
	}
	return truncate(out, limit), nil
}

func (s *Store) insertTicket(ticket *domain.Ticket) {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if ticket.Origin == "" {
		ticket.Origin = domain.OriginLocal
	}
	if ticket.SyncState == "" {
		ticket.SyncState = domain.SyncStateUnsynced
	}
	if ticket.PendingFields == nil {
		ticket.PendingFields = []string{}
	}
	now := s.now()
	ticket.LocalVersion = 1
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	s.tickets[ticket.ID] = cloneTicket(ticket)
}

func (s *Store) ticketByKey(key string) *domain.Ticket {
	for _, stored := range s.tickets {
		if stored.Key() == key {
			return stored
		}
	}
	return nil
}

func (s *Store) setTicketState(id string, state domain.SyncState, message *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tickets[id]
	if !ok {
		return repository.ErrNotFound
	}
	stored.SyncState = state
	stored.SyncError = message
	return nil
}

func (s *Store) sortedTickets() []*domain.Ticket {
	out := make([]*domain.Ticket, 0, len(s.tickets))
	for _, stored := range s.tickets {
		out = append(out, stored)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

type commentStore Store

func (c *commentStore) Create(_ context.Context, comment *domain.Comment) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[comment.TicketID]; !ok {
		return repository.ErrNotFound
	}
	if comment.HasExternalID() && s.commentByExternalID(comment.TicketID, *comment.ExternalID) != nil {
		return repository.ErrExternalIDConflict
	}
	s.insertComment(comment)
	return nil
}

func (c *commentStore) CreateExternal(_ context.Context, comment *domain.Comment) (bool, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[comment.TicketID]; !ok {
		return false, repository.ErrNotFound
	}
	if comment.HasExternalID() && s.commentByExternalID(comment.TicketID, *comment.ExternalID) != nil {
		return false, nil
	}
	s.insertComment(comment)
	return true, nil
}

func (c *commentStore) GetByID(_ context.Context, id string) (*domain.Comment, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.comments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *stored
	return &copied, nil
}

func (c *commentStore) GetByExternalID(_ context.Context, ticketID, externalID string) (*domain.Comment, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.commentByExternalID(ticketID, externalID)
	if stored == nil {
		return nil, repository.ErrNotFound
	}
	copied := *stored
	return &copied, nil
}

func (c *commentStore) UpdateContent(_ context.Context, id, content string) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.comments[id]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Content = content
	stored.UpdatedAt = s.now()
	return nil
}

func (c *commentStore) ApplyExternalUpdate(_ context.Context, id, content string, updatedAt int64) (bool, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.comments[id]
	if !ok || stored.ExternalUpdatedAt >= updatedAt {
		return false, nil
	}
	stored.Content = content
	stored.ExternalUpdatedAt = updatedAt
	stored.UpdatedAt = s.now()
	return true, nil
}

func (c *commentStore) Delete(_ context.Context, id string) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comments[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.comments, id)
	return nil
}

func (c *commentStore) BindExternalID(_ context.Context, id, externalID string) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.comments[id]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.HasExternalID() {
		if *stored.ExternalID == externalID {
			return nil
		}
		return repository.ErrExternalIDConflict
	}
	if other := s.commentByExternalID(stored.TicketID, externalID); other != nil {
		return repository.ErrExternalIDConflict
	}
	stored.ExternalID = &externalID
	stored.UpdatedAt = s.now()
	return nil
}

func (c *commentStore) MarkPushing(_ context.Context, id string) error {
	return (*Store)(c).setCommentState(id, domain.SyncStatePushing, nil)
}

func (c *commentStore) MarkSynced(_ context.Context, id string) error {
	return (*Store)(c).setCommentState(id, domain.SyncStateSynced, nil)
}

func (c *commentStore) MarkFailed(_ context.Context, id string, state domain.SyncState, message string) error {
	return (*Store)(c).setCommentState(id, state, &message)
}

func (c *commentStore) ResetForRetry(_ context.Context, id string) error {
	return (*Store)(c).setCommentState(id, domain.SyncStateUnsynced, nil)
}

func (c *commentStore) ListByTicket(_ context.Context, ticketID string) ([]domain.Comment, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Comment
	for _, stored := range s.sortedComments() {
		if stored.TicketID == ticketID {
			out = append(out, *stored)
		}
	}
	return out, nil
}

func (c *commentStore) ListPendingByTicket(_ context.Context, ticketID string) ([]domain.Comment, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Comment
	for _, stored := range s.sortedComments() {
		if stored.TicketID == ticketID && stored.PendingPush() && stored.SyncState != domain.SyncStateFailedFatal {
			out = append(out, *stored)
		}
	}
	return out, nil
}

func (c *commentStore) ListBySyncState(_ context.Context, states []domain.SyncState, limit int) ([]domain.Comment, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Comment
	for _, stored := range s.sortedComments() {
		if len(states) == 0 || slices.Contains(states, stored.SyncState) {
			out = append(out, *stored)
		}
	}
	return truncate(out, limit), nil
}

func (s *Store) insertComment(comment *domain.Comment) {
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.Origin == "" {
		comment.Origin = domain.OriginLocal
	}
	if comment.CommentType == "" {
		comment.CommentType = domain.CommentTypeComment
	}
	if comment.SyncState == "" {
		comment.SyncState = domain.SyncStateUnsynced
	}
	now := s.now()
	comment.CreatedAt = now
	comment.UpdatedAt = now
	copied := *comment
	s.comments[comment.ID] = &copied
}

func (s *Store) commentByExternalID(ticketID, externalID string) *domain.Comment {
	for _, stored := range s.comments {
		if stored.TicketID == ticketID && stored.ExternalID != nil && *stored.ExternalID == externalID {
			return stored
		}
	}
	return nil
}

func (s *Store) setCommentState(id string, state domain.SyncState, message *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.comments[id]
	if !ok {
		return repository.ErrNotFound
	}
	stored.SyncState = state
	stored.SyncError = message
	return nil
}

func (s *Store) sortedComments() []*domain.Comment {
	out := make([]*domain.Comment, 0, len(s.comments))
	for _, stored := range s.comments {
		out = append(out, stored)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type attemptStore Store

func (a *attemptStore) RecordFailure(_ context.Context, entityType domain.EntityType, entityID, kind, message string) (int, error) {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey{entityType: entityType, entityID: entityID}
	stored, ok := s.attempts[key]
	if !ok {
		stored = &domain.SyncAttempt{EntityType: entityType, EntityID: entityID}
		s.attempts[key] = stored
	}
	stored.Attempts++
	stored.LastAttemptAt = s.now()
	stored.LastErrorKind = kind
	stored.LastError = message
	return stored.Attempts, nil
}

func (a *attemptStore) Get(_ context.Context, entityType domain.EntityType, entityID string) (*domain.SyncAttempt, error) {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.attempts[attemptKey{entityType: entityType, entityID: entityID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *stored
	return &copied, nil
}

func (a *attemptStore) Clear(_ context.Context, entityType domain.EntityType, entityID string) error {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, attemptKey{entityType: entityType, entityID: entityID})
	return nil
}

func (a *attemptStore) ListFailed(_ context.Context, limit int) ([]domain.FailedSync, error) {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.FailedSync
	for _, t := range s.tickets {
		if t.SyncState.Failed() {
			out = append(out, domain.FailedSync{
				EntityType: domain.EntityTicket,
				EntityID:   t.ID,
				TicketID:   t.ID,
				State:      t.SyncState,
				Error:      t.SyncError,
				Attempts:   s.attemptCount(domain.EntityTicket, t.ID),
				UpdatedAt:  t.UpdatedAt,
			})
		}
	}
	for _, c := range s.comments {
		if c.SyncState.Failed() {
			out = append(out, domain.FailedSync{
				EntityType: domain.EntityComment,
				EntityID:   c.ID,
				TicketID:   c.TicketID,
				State:      c.SyncState,
				Error:      c.SyncError,
				Attempts:   s.attemptCount(domain.EntityComment, c.ID),
				UpdatedAt:  c.UpdatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit <= 0 {
		limit = 100
	}
	return truncate(out, limit), nil
}

func (s *Store) attemptCount(entityType domain.EntityType, id string) int {
	if stored, ok := s.attempts[attemptKey{entityType: entityType, entityID: id}]; ok {
		return stored.Attempts
	}
	return 0
}

func cloneTicket(t *domain.Ticket) *domain.Ticket {
	copied := *t
	copied.PendingFields = slices.Clone(t.PendingFields)
	if copied.PendingFields == nil {
		copied.PendingFields = []string{}
	}
	return &copied
}

func mergeFields(existing, changed []string) []string {
	out := slices.Clone(existing)
	for _, field := range changed {
		if !slices.Contains(out, field) {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
