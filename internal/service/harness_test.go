package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/alert"
	"github.com/opsdesk/tracker-sync/internal/config"
	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/events"
	"github.com/opsdesk/tracker-sync/internal/lock"
	"github.com/opsdesk/tracker-sync/internal/mapping"
	"github.com/opsdesk/tracker-sync/internal/observability"
	"github.com/opsdesk/tracker-sync/internal/repository/memory"
	"github.com/opsdesk/tracker-sync/internal/retry"
	"github.com/opsdesk/tracker-sync/internal/tracker"
)

type fakeTracker struct {
	mu sync.Mutex

	nextKey     int
	nextComment int

	createCalls  int
	updateCalls  int
	commentCalls int
	deltas       []tracker.FieldDelta
	inputs       []tracker.IssueInput
	bodies       []string

	createErr  error
	updateErr  error
	commentErr error

	// Hooks run inside the call after the id is assigned.
	onCreate  func(key string, input tracker.IssueInput)
	onComment func(issueKey, id string)

	snapshot *tracker.IssueSnapshot
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{nextKey: 500, nextComment: 20001}
}

func (f *fakeTracker) CreateIssue(_ context.Context, input tracker.IssueInput) (string, error) {
	f.mu.Lock()
	f.createCalls++
	if f.createErr != nil {
		err := f.createErr
		f.mu.Unlock()
		return "", err
	}
	key := fmt.Sprintf("OD-%d", f.nextKey)
	f.nextKey++
	f.inputs = append(f.inputs, input)
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook(key, input)
	}
	return key, nil
}

func (f *fakeTracker) GetIssue(_ context.Context, key string, _ []string) (*tracker.IssueSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		return nil, &tracker.Error{Kind: tracker.KindNotFound, Op: "get issue", StatusCode: 404, Message: key}
	}
	snapshot := *f.snapshot
	return &snapshot, nil
}

func (f *fakeTracker) UpdateIssue(_ context.Context, _ string, delta tracker.FieldDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeTracker) CreateComment(_ context.Context, input tracker.CommentInput) (string, error) {
	f.mu.Lock()
	f.commentCalls++
	if f.commentErr != nil {
		err := f.commentErr
		f.mu.Unlock()
		return "", err
	}
	id := fmt.Sprintf("%d", f.nextComment)
	f.nextComment++
	f.bodies = append(f.bodies, input.Body)
	hook := f.onComment
	f.mu.Unlock()

	if hook != nil {
		hook(input.IssueKey, id)
	}
	return id, nil
}

func (f *fakeTracker) set(fn func(f *fakeTracker)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTracker) counts() (creates, updates, comments int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.updateCalls, f.commentCalls
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (p *recordingPublisher) Publish(_ context.Context, a alert.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *recordingPublisher) all() []alert.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]alert.Alert(nil), p.alerts...)
}

type harness struct {
	store      *memory.Store
	tracker    *fakeTracker
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	alerts     *recordingPublisher
	outbound   *OutboundSync
	inbound    *InboundSync
	tickets    *TicketService
	reconciler *Reconciler
}

func newHarness(t *testing.T, syncCfg config.SyncConfig) *harness {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()
	fake := newFakeTracker()
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)
	mapper := mapping.New(logger)
	alerts := &recordingPublisher{}

	storePolicy := retry.StorePolicy()
	storePolicy.Sleep = func(context.Context, time.Duration) error { return nil }

	outbound := NewOutboundSync(config.TrackerConfig{
		ProjectKey:     "OD",
		ChannelFieldID: "customfield_10010",
	}, syncCfg, OutboundDependencies{
		TicketRepo:  store.Tickets(),
		CommentRepo: store.Comments(),
		AttemptRepo: store.Attempts(),
		Tracker:     fake,
		Mapper:      mapper,
		Guard:       lock.NewLocalGuard(),
		Dispatcher:  dispatcher,
		Metrics:     metrics,
		Logger:      logger,
		StorePolicy: &storePolicy,
	})
	outbound.RegisterHandlers(dispatcher)
	NewNotificationService(dispatcher, alerts, logger).RegisterHandlers()

	return &harness{
		store:      store,
		tracker:    fake,
		dispatcher: dispatcher,
		metrics:    metrics,
		alerts:     alerts,
		outbound:   outbound,
		inbound: NewInboundSync(InboundDependencies{
			TicketRepo:  store.Tickets(),
			CommentRepo: store.Comments(),
			Mapper:      mapper,
			Metrics:     metrics,
			Logger:      logger,
		}),
		tickets: NewTicketService(TicketDependencies{
			TicketRepo:  store.Tickets(),
			CommentRepo: store.Comments(),
			Dispatcher:  dispatcher,
		}),
		reconciler: NewReconciler(store.Tickets(), fake, mapper, logger),
	}
}

var agent = domain.Actor{ID: "agent-1", Role: domain.RoleAgent}

func (h *harness) ticket(t *testing.T, id string) *domain.Ticket {
	t.Helper()
	ticket, err := h.store.Tickets().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load ticket %s: %v", id, err)
	}
	return ticket
}

func strPtr(s string) *string {
	return &s
}

func transientErr() error {
	return &retry.ExhaustedError{Attempts: 3, Err: &tracker.Error{Kind: tracker.KindTransient, Op: "create issue", StatusCode: 503}}
}
