package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/tracker-sync/internal/config"
	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/tracker"
)

func TestCreatedTicketIsPushedAndInboundUpdateIsNotEchoed(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{
		Title:    "Printer on fire",
		Type:     domain.TicketTypeBug,
		Priority: domain.TicketPriorityHigh,
		Channel:  domain.TicketChannelEmail,
	})
	require.NoError(t, err)

	ticket := h.ticket(t, created.ID)
	assert.Equal(t, "OD-500", ticket.Key())
	assert.Equal(t, domain.SyncStateSynced, ticket.SyncState)
	assert.Empty(t, ticket.PendingFields)

	require.Len(t, h.tracker.inputs, 1)
	input := h.tracker.inputs[0]
	assert.Equal(t, "OD", input.ProjectKey)
	assert.Equal(t, "Bug", input.IssueType)
	assert.Equal(t, "High", input.Priority)
	assert.Equal(t, "sync-"+created.ID, input.IdempotencyLabel)
	assert.Equal(t, map[string]any{"value": "email"}, input.CustomFields["customfield_10010"])

	result, err := h.inbound.Ingest(ctx, InboundEvent{
		Kind:     InboundIssueUpdated,
		IssueKey: "OD-500",
		Revision: time.Now().UnixMilli(),
		Fields:   IssueFields{Status: strPtr("Done")},
	})
	require.NoError(t, err)
	assert.Equal(t, IngestApplied, result)

	ticket = h.ticket(t, created.ID)
	assert.Equal(t, domain.TicketStatusResolved, ticket.Status)
	assert.Equal(t, domain.OriginExternal, ticket.Origin)
	assert.Equal(t, "Printer on fire", ticket.Title)

	creates, updates, _ := h.tracker.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 0, updates, "inbound writes must not be pushed back")
}

func TestUpdatePushesOnlyChangedFields(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "VPN down"})
	require.NoError(t, err)

	_, err = h.tickets.UpdateTicket(ctx, agent, created.ID, TicketUpdateInput{
		Title:    strPtr("VPN down for sales"),
		Priority: priorityPtr(domain.TicketPriorityMedium),
	})
	require.NoError(t, err)

	require.Len(t, h.tracker.deltas, 1)
	delta := h.tracker.deltas[0]
	require.NotNil(t, delta.Summary)
	assert.Equal(t, "VPN down for sales", *delta.Summary)
	assert.Nil(t, delta.Priority, "unchanged priority is not sent")
	assert.Nil(t, delta.Status)
	assert.Nil(t, delta.Description)

	ticket := h.ticket(t, created.ID)
	assert.Equal(t, domain.SyncStateSynced, ticket.SyncState)
	assert.Empty(t, ticket.PendingFields)
}

func TestFatalErrorParksTicketAndAlerts(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()
	h.tracker.set(func(f *fakeTracker) {
		f.createErr = &tracker.Error{Kind: tracker.KindValidation, Op: "create issue", StatusCode: 400, Message: "issuetype invalid"}
	})

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Broken form"})
	require.NoError(t, err, "sync failures never fail the local write")

	ticket := h.ticket(t, created.ID)
	assert.Equal(t, domain.SyncStateFailedFatal, ticket.SyncState)
	require.NotNil(t, ticket.SyncError)
	assert.Contains(t, *ticket.SyncError, "issuetype invalid")

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.EntityTicket, alerts[0].EntityType)
	assert.Equal(t, created.ID, alerts[0].EntityID)
	assert.Equal(t, string(tracker.KindValidation), alerts[0].Kind)

	failed, err := h.store.Attempts().ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)

	_, err = h.tickets.UpdateTicket(ctx, agent, created.ID, TicketUpdateInput{Description: strPtr("still editable")})
	require.NoError(t, err)
	assert.Equal(t, "still editable", h.ticket(t, created.ID).Description)
}

func TestTransientFailureIsRetriedBySweep(t *testing.T) {
	h := newHarness(t, config.SyncConfig{MaxSweepAttempts: 5})
	ctx := context.Background()
	h.tracker.set(func(f *fakeTracker) { f.createErr = transientErr() })

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Slow portal"})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateFailedRetryable, h.ticket(t, created.ID).SyncState)
	assert.Empty(t, h.alerts.all(), "retryable failures are not alerted")

	h.tracker.set(func(f *fakeTracker) { f.createErr = nil })
	report, err := h.outbound.SweepFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 0, report.Failed)

	ticket := h.ticket(t, created.ID)
	assert.Equal(t, domain.SyncStateSynced, ticket.SyncState)
	assert.Equal(t, "OD-500", ticket.Key())

	_, err = h.store.Attempts().Get(ctx, domain.EntityTicket, created.ID)
	assert.Error(t, err, "attempts are cleared after a successful push")
}

func TestSweepPromotesExhaustedRowsToFatal(t *testing.T) {
	h := newHarness(t, config.SyncConfig{MaxSweepAttempts: 2})
	ctx := context.Background()
	h.tracker.set(func(f *fakeTracker) { f.createErr = transientErr() })

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Flaky"})
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateFailedRetryable, h.ticket(t, created.ID).SyncState)

	report, err := h.outbound.SweepFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, domain.SyncStateFailedFatal, h.ticket(t, created.ID).SyncState)
	require.Len(t, h.alerts.all(), 1)

	// Fatal rows are left alone by later sweeps.
	report, err = h.outbound.SweepFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
	creates, _, _ := h.tracker.counts()
	assert.Equal(t, 2, creates)
}

func TestRetryTicketResetsFatalState(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()
	h.tracker.set(func(f *fakeTracker) {
		f.createErr = &tracker.Error{Kind: tracker.KindUnauthorized, Op: "create issue", StatusCode: 401}
	})

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Needs creds"})
	require.NoError(t, err)
	require.Equal(t, domain.SyncStateFailedFatal, h.ticket(t, created.ID).SyncState)

	h.tracker.set(func(f *fakeTracker) { f.createErr = nil })
	ticket, err := h.outbound.RetryTicket(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateSynced, ticket.SyncState)
	assert.Equal(t, "OD-500", ticket.Key())
}

func TestConcurrentTriggersCreateOneIssue(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()

	ticket := &domain.Ticket{Title: "Race", Type: domain.TicketTypeBug, Status: domain.TicketStatusOpen, Priority: domain.TicketPriorityLow, Channel: domain.TicketChannelChat}
	require.NoError(t, h.store.Tickets().Create(ctx, ticket))

	started := make(chan struct{})
	release := make(chan struct{})
	h.tracker.set(func(f *fakeTracker) {
		f.onCreate = func(string, tracker.IssueInput) {
			close(started)
			<-release
		}
	})

	done := make(chan error, 1)
	go func() { done <- h.outbound.PushTicket(ctx, ticket.ID) }()
	<-started

	// A second trigger while the create is in flight is coalesced.
	require.NoError(t, h.outbound.PushTicket(ctx, ticket.ID))

	// An edit lands while the create is in flight.
	edited := h.ticket(t, ticket.ID)
	edited.Title = "Race condition"
	require.NoError(t, h.store.Tickets().UpdateLocal(ctx, edited, []string{domain.FieldTitle}))

	close(release)
	require.NoError(t, <-done)

	creates, updates, _ := h.tracker.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, updates, "the edit made during the create is pushed by the running push")

	stored := h.ticket(t, ticket.ID)
	assert.Equal(t, domain.SyncStateSynced, stored.SyncState)
	assert.Empty(t, stored.PendingFields)
	assert.Equal(t, "OD-500", stored.Key())
}

func TestCommentWaitsForTicketKey(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()
	h.tracker.set(func(f *fakeTracker) { f.createErr = transientErr() })

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Login loop"})
	require.NoError(t, err)
	comment, err := h.tickets.AddComment(ctx, agent, created.ID, domain.CommentTypeFollowup, "Customer called again")
	require.NoError(t, err)

	_, _, comments := h.tracker.counts()
	assert.Equal(t, 0, comments)

	h.tracker.set(func(f *fakeTracker) { f.createErr = nil })
	_, err = h.outbound.SweepFailed(ctx)
	require.NoError(t, err)

	stored, err := h.store.Comments().GetByID(ctx, comment.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExternalID)
	assert.Equal(t, "20001", *stored.ExternalID)
	assert.Equal(t, domain.SyncStateSynced, stored.SyncState)
	assert.Equal(t, []string{"[Follow-up] Customer called again"}, h.tracker.bodies)

	// A repeated trigger does not create the comment twice.
	require.NoError(t, h.outbound.PushComment(ctx, comment.ID))
	_, _, comments = h.tracker.counts()
	assert.Equal(t, 1, comments)
}

func TestCommentFailureIsRecordedPerComment(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Attachments"})
	require.NoError(t, err)
	h.tracker.set(func(f *fakeTracker) {
		f.commentErr = &tracker.Error{Kind: tracker.KindForbidden, Op: "create comment", StatusCode: 403}
	})

	comment, err := h.tickets.AddComment(ctx, agent, created.ID, domain.CommentTypeComment, "see log")
	require.NoError(t, err)

	stored, err := h.store.Comments().GetByID(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateFailedFatal, stored.SyncState)
	assert.Equal(t, domain.SyncStateSynced, h.ticket(t, created.ID).SyncState, "ticket state is independent")

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.EntityComment, alerts[0].EntityType)
	assert.Equal(t, created.ID, alerts[0].TicketID)
}

func TestEchoedIssueBindsToLocalTicket(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()

	// The tracker's webhook for the new issue arrives before the create
	// call returns.
	h.tracker.set(func(f *fakeTracker) {
		f.onCreate = func(key string, input tracker.IssueInput) {
			_, err := h.inbound.Ingest(ctx, InboundEvent{
				Kind:     InboundIssueCreated,
				IssueKey: key,
				Revision: 10,
				Fields: IssueFields{
					Summary: strPtr(input.Summary),
					Status:  strPtr("To Do"),
					Labels:  []string{input.IdempotencyLabel},
				},
			})
			require.NoError(t, err)
		}
	})

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Echo"})
	require.NoError(t, err)

	all, err := h.store.Tickets().ListBySyncState(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 1, "the echo must not create a second ticket")
	assert.Equal(t, created.ID, all[0].ID)
	assert.Equal(t, "OD-500", all[0].Key())
	assert.Equal(t, domain.SyncStateSynced, all[0].SyncState)
}

func TestEchoedCommentIsReplacedByLocalRow(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()

	created, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Echo comment"})
	require.NoError(t, err)
	h.tracker.set(func(f *fakeTracker) {
		f.onComment = func(issueKey, id string) {
			_, err := h.inbound.Ingest(ctx, InboundEvent{
				Kind:     InboundCommentCreated,
				IssueKey: issueKey,
				Revision: 20,
				Comment:  &InboundComment{ID: id, Body: "hello", Author: "Sync Bot", Updated: 20},
			})
			require.NoError(t, err)
		}
	})

	comment, err := h.tickets.AddComment(ctx, agent, created.ID, domain.CommentTypeComment, "hello")
	require.NoError(t, err)

	comments, err := h.store.Comments().ListByTicket(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, comment.ID, comments[0].ID)
	assert.Equal(t, domain.OriginLocal, comments[0].Origin)
	require.NotNil(t, comments[0].ExternalID)
	assert.Equal(t, "20001", *comments[0].ExternalID)
}

func TestNonOpenTicketIsTransitionedAfterCreate(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()

	ticket := &domain.Ticket{Title: "Imported", Type: domain.TicketTypeRequest, Status: domain.TicketStatusInProgress, Priority: domain.TicketPriorityLow, Channel: domain.TicketChannelPhone}
	require.NoError(t, h.store.Tickets().Create(ctx, ticket))
	require.NoError(t, h.outbound.PushTicket(ctx, ticket.ID))

	require.Len(t, h.tracker.deltas, 1)
	require.NotNil(t, h.tracker.deltas[0].Status)
	assert.Equal(t, "In Progress", *h.tracker.deltas[0].Status)
}

func priorityPtr(p domain.TicketPriority) *domain.TicketPriority {
	return &p
}

func TestAssigneeOnlyEditKeepsSyncState(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	ctx := context.Background()

	synced, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Synced already"})
	require.NoError(t, err)
	require.Equal(t, domain.SyncStateSynced, h.ticket(t, synced.ID).SyncState)

	_, err = h.tickets.UpdateTicket(ctx, agent, synced.ID, TicketUpdateInput{AssignedTo: strPtr("agent-2")})
	require.NoError(t, err)
	ticket := h.ticket(t, synced.ID)
	assert.Equal(t, domain.SyncStateSynced, ticket.SyncState)
	assert.False(t, ticket.NeedsPush())
	assert.Equal(t, "agent-2", *ticket.AssignedTo)

	h.tracker.set(func(f *fakeTracker) {
		f.createErr = &tracker.Error{Kind: tracker.KindValidation, Op: "create issue", StatusCode: 400, Message: "issuetype invalid"}
	})
	failed, err := h.tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Rejected"})
	require.NoError(t, err)
	require.Equal(t, domain.SyncStateFailedFatal, h.ticket(t, failed.ID).SyncState)

	_, err = h.tickets.UpdateTicket(ctx, agent, failed.ID, TicketUpdateInput{AssignedTo: strPtr("agent-3")})
	require.NoError(t, err)
	ticket = h.ticket(t, failed.ID)
	assert.Equal(t, domain.SyncStateFailedFatal, ticket.SyncState)
	require.NotNil(t, ticket.SyncError)
	assert.Contains(t, *ticket.SyncError, "issuetype invalid")
}
