package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/repository"
)

func newTicket() *domain.Ticket {
	return &domain.Ticket{
		Title:    "Printer on fire",
		Type:     domain.TicketTypeBug,
		Status:   domain.TicketStatusOpen,
		Priority: domain.TicketPriorityHigh,
		Channel:  domain.TicketChannelEmail,
	}
}

func TestBindExternalKey(t *testing.T) {
	store := NewStore()
	repo := store.Tickets()
	ctx := context.Background()

	first := newTicket()
	require.NoError(t, repo.Create(ctx, first))
	second := newTicket()
	require.NoError(t, repo.Create(ctx, second))

	require.NoError(t, repo.BindExternalKey(ctx, first.ID, "OD-500"))
	require.NoError(t, repo.BindExternalKey(ctx, first.ID, "OD-500"), "same key is idempotent")
	assert.ErrorIs(t, repo.BindExternalKey(ctx, first.ID, "OD-501"), repository.ErrExternalKeyConflict)
	assert.ErrorIs(t, repo.BindExternalKey(ctx, second.ID, "OD-500"), repository.ErrExternalKeyConflict)
	assert.ErrorIs(t, repo.BindExternalKey(ctx, "missing", "OD-9"), repository.ErrNotFound)

	stored, err := repo.GetByExternalKey(ctx, "OD-500")
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
}

func TestCreateExternalIsIdempotent(t *testing.T) {
	repo := NewStore().Tickets()
	ctx := context.Background()
	key := "OD-7"

	created, err := repo.CreateExternal(ctx, &domain.Ticket{ExternalKey: &key, Title: "a", Origin: domain.OriginExternal})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateExternal(ctx, &domain.Ticket{ExternalKey: &key, Title: "b", Origin: domain.OriginExternal})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestApplyExternalHonoursRevisionAndVersion(t *testing.T) {
	repo := NewStore().Tickets()
	ctx := context.Background()

	ticket := newTicket()
	require.NoError(t, repo.Create(ctx, ticket))

	ticket.Status = domain.TicketStatusResolved
	applied, err := repo.ApplyExternal(ctx, ticket, repository.ExternalWrite{Revision: 200, ExpectedVersion: ticket.LocalVersion})
	require.NoError(t, err)
	assert.True(t, applied)

	ticket.Status = domain.TicketStatusOpen
	applied, err = repo.ApplyExternal(ctx, ticket, repository.ExternalWrite{Revision: 100, ExpectedVersion: ticket.LocalVersion})
	require.NoError(t, err)
	assert.False(t, applied, "older revision must not overwrite")

	applied, err = repo.ApplyExternal(ctx, ticket, repository.ExternalWrite{Revision: 300, ExpectedVersion: ticket.LocalVersion + 1})
	require.NoError(t, err)
	assert.False(t, applied, "stale local version must not overwrite")

	applied, err = repo.ApplyExternal(ctx, ticket, repository.ExternalWrite{Revision: 100, Force: true, ExpectedVersion: ticket.LocalVersion})
	require.NoError(t, err)
	assert.True(t, applied)

	stored, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusOpen, stored.Status)
	assert.Equal(t, int64(200), stored.ExternalRevision, "forced writes never lower the revision")
	assert.Equal(t, domain.OriginExternal, stored.Origin)
}

func TestMarkSyncedRequiresUnchangedVersion(t *testing.T) {
	repo := NewStore().Tickets()
	ctx := context.Background()

	ticket := newTicket()
	require.NoError(t, repo.Create(ctx, ticket))
	seen := ticket.LocalVersion

	ticket.Title = "Renamed"
	require.NoError(t, repo.UpdateLocal(ctx, ticket, []string{domain.FieldTitle}))
	assert.Equal(t, []string{domain.FieldTitle}, ticket.PendingFields)

	ok, err := repo.MarkSynced(ctx, ticket.ID, seen)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkSynced(ctx, ticket.ID, ticket.LocalVersion)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PendingFields)
	assert.Equal(t, domain.SyncStateSynced, stored.SyncState)
}

func TestListUnsyncedSkipsFreshAndSyncedRows(t *testing.T) {
	store := NewStore()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	repo := store.Tickets()
	ctx := context.Background()

	stale := newTicket()
	require.NoError(t, repo.Create(ctx, stale))
	synced := newTicket()
	require.NoError(t, repo.Create(ctx, synced))
	_, err := repo.MarkSynced(ctx, synced.ID, synced.LocalVersion)
	require.NoError(t, err)

	rows, err := repo.ListUnsynced(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stale.ID, rows[0].ID)

	rows, err = repo.ListUnsynced(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCommentExternalIDUniquePerTicket(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	ticket := newTicket()
	require.NoError(t, store.Tickets().Create(ctx, ticket))

	comments := store.Comments()
	external := "10100"
	created, err := comments.CreateExternal(ctx, &domain.Comment{TicketID: ticket.ID, ExternalID: &external, Content: "hi", Origin: domain.OriginExternal, ExternalUpdatedAt: 5})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = comments.CreateExternal(ctx, &domain.Comment{TicketID: ticket.ID, ExternalID: &external, Content: "hi", Origin: domain.OriginExternal})
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := comments.GetByExternalID(ctx, ticket.ID, external)
	require.NoError(t, err)

	applied, err := comments.ApplyExternalUpdate(ctx, stored.ID, "older", 4)
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = comments.ApplyExternalUpdate(ctx, stored.ID, "newer", 6)
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = comments.CreateExternal(ctx, &domain.Comment{TicketID: "missing", Content: "x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListFailed(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	ticket := newTicket()
	require.NoError(t, store.Tickets().Create(ctx, ticket))
	require.NoError(t, store.Tickets().MarkFailed(ctx, ticket.ID, domain.SyncStateFailedFatal, "bad issue type"))
	_, err := store.Attempts().RecordFailure(ctx, domain.EntityTicket, ticket.ID, "validation", "bad issue type")
	require.NoError(t, err)

	failed, err := store.Attempts().ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.SyncStateFailedFatal, failed[0].State)
	assert.Equal(t, 1, failed[0].Attempts)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, "bad issue type", *failed[0].Error)
}

func TestUpdateLocalWithoutPushedFieldsKeepsSyncState(t *testing.T) {
	repo := NewStore().Tickets()
	ctx := context.Background()

	ticket := newTicket()
	require.NoError(t, repo.Create(ctx, ticket))
	require.NoError(t, repo.MarkFailed(ctx, ticket.ID, domain.SyncStateFailedFatal, "issuetype invalid"))

	loaded, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	version := loaded.LocalVersion
	assignee := "agent-2"
	loaded.AssignedTo = &assignee
	require.NoError(t, repo.UpdateLocal(ctx, loaded, nil))

	stored, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-2", *stored.AssignedTo)
	assert.Equal(t, domain.SyncStateFailedFatal, stored.SyncState)
	require.NotNil(t, stored.SyncError)
	assert.Equal(t, "issuetype invalid", *stored.SyncError)
	assert.Equal(t, version, stored.LocalVersion)

	stored.Title = "Printer still on fire"
	require.NoError(t, repo.UpdateLocal(ctx, stored, []string{domain.FieldTitle}))
	again, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateUnsynced, again.SyncState)
	assert.Nil(t, again.SyncError)
	assert.Equal(t, version+1, again.LocalVersion)
	assert.Contains(t, again.PendingFields, domain.FieldTitle)
}
