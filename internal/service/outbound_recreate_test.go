package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

// flakyTracker answers 502 to every POST until createOn; that POST creates
// the issue but its response is lost as well.
type flakyTracker struct {
	mu       sync.Mutex
	posts    int
	createOn int
	issues   map[string]string
}

func (ft *flakyTracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/rest/api/2/issue":
		var body struct {
			Fields struct {
				Labels []string `json:"labels"`
			} `json:"fields"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		ft.posts++
		if ft.posts < ft.createOn {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		key := fmt.Sprintf("OD-%d", 100+len(ft.issues))
		for _, label := range body.Fields.Labels {
			ft.issues[label] = key
		}
		if ft.posts == ft.createOn {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "1", "key": key})
	case r.URL.Path == "/rest/api/2/search":
		issues := []map[string]string{}
		for label, key := range ft.issues {
			if strings.Contains(r.URL.Query().Get("jql"), fmt.Sprintf(`labels = "%s"`, label)) {
				issues = append(issues, map[string]string{"id": "1", "key": key})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"startAt": 0, "maxResults": 1, "total": len(issues), "issues": issues})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestSweepDoesNotDuplicateIssueAfterLostCreateResponse(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	remote := &flakyTracker{createOn: 3, issues: map[string]string{}}
	server := httptest.NewServer(remote)
	t.Cleanup(server.Close)

	policy := retry.TrackerPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	client, err := tracker.NewClient(config.TrackerConfig{
		URL: server.URL, Username: "sync-bot", Token: "token", RequestTimeout: 2 * time.Second,
	}, tracker.WithPolicy(policy))
	require.NoError(t, err)

	store := memory.NewStore()
	dispatcher := events.NewInMemoryDispatcher(logger)
	storePolicy := retry.StorePolicy()
	storePolicy.Sleep = policy.Sleep
	outbound := NewOutboundSync(config.TrackerConfig{ProjectKey: "OD"}, config.SyncConfig{MaxSweepAttempts: 5}, OutboundDependencies{
		TicketRepo:  store.Tickets(),
		CommentRepo: store.Comments(),
		AttemptRepo: store.Attempts(),
		Tracker:     client,
		Mapper:      mapping.New(logger),
		Guard:       lock.NewLocalGuard(),
		Dispatcher:  dispatcher,
		Metrics:     observability.NewMetrics(),
		Logger:      logger,
		StorePolicy: &storePolicy,
	})
	outbound.RegisterHandlers(dispatcher)
	tickets := NewTicketService(TicketDependencies{
		TicketRepo:  store.Tickets(),
		CommentRepo: store.Comments(),
		Dispatcher:  dispatcher,
	})

	created, err := tickets.CreateTicket(ctx, agent, TicketCreateInput{Title: "Portal times out"})
	require.NoError(t, err)
	parked, err := store.Tickets().GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStateFailedRetryable, parked.SyncState)
	require.False(t, parked.HasExternalKey())

	_, err = outbound.SweepFailed(ctx)
	require.NoError(t, err)

	synced, err := store.Tickets().GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateSynced, synced.SyncState)
	assert.Equal(t, "OD-100", synced.Key())

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Len(t, remote.issues, 1)
	assert.Equal(t, 3, remote.posts, "the sweep reuses the issue instead of posting again")
}
