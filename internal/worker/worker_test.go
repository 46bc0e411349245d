package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/opsdesk/tracker-sync/internal/queue"
	"github.com/opsdesk/tracker-sync/internal/service"
)

type ingestFunc func(ctx context.Context, event service.InboundEvent) (service.IngestResult, error)

func (f ingestFunc) Ingest(ctx context.Context, event service.InboundEvent) (service.IngestResult, error) {
	return f(ctx, event)
}

func enqueueEvent(t *testing.T, q queue.Queue, event service.InboundEvent) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), payload))
}

func TestIngestWorkerRetriesThenDeadLetters(t *testing.T) {
	q := queue.NewMemoryQueue(8, 5*time.Millisecond)
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	ingester := ingestFunc(func(_ context.Context, event service.InboundEvent) (service.IngestResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[event.IssueKey]++
		switch event.IssueKey {
		case "OD-1":
			return service.IngestCreated, nil
		case "OD-2":
			if calls[event.IssueKey] < 2 {
				return "", errors.New("database unavailable")
			}
			return service.IngestApplied, nil
		default:
			return "", errors.New("still down")
		}
	})
	w := NewIngestWorker(q, ingester, IngestConfig{MaxAttempts: 3}, zap.NewNop())

	enqueueEvent(t, q, service.InboundEvent{Kind: service.InboundIssueCreated, IssueKey: "OD-1", Revision: 1})
	enqueueEvent(t, q, service.InboundEvent{Kind: service.InboundIssueUpdated, IssueKey: "OD-2", Revision: 1})
	enqueueEvent(t, q, service.InboundEvent{Kind: service.InboundIssueUpdated, IssueKey: "OD-3", Revision: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls["OD-1"])
	assert.Equal(t, 2, calls["OD-2"])
	assert.Equal(t, 3, calls["OD-3"])
	assert.Equal(t, 3, q.DeadLetters()[0].Attempt)
}

func TestIngestWorkerDeadLettersPermanentFailures(t *testing.T) {
	q := queue.NewMemoryQueue(8, 5*time.Millisecond)
	calls := 0
	w := NewIngestWorker(q, ingestFunc(func(context.Context, service.InboundEvent) (service.IngestResult, error) {
		calls++
		return "", service.ErrInvalidEvent
	}), IngestConfig{}, zap.NewNop())

	require.NoError(t, q.Enqueue(context.Background(), []byte("not json")))
	enqueueEvent(t, q, service.InboundEvent{Kind: service.InboundIssueUpdated})

	require.NoError(t, w.processBatch(context.Background()))
	assert.Len(t, q.DeadLetters(), 2)
	assert.Equal(t, 1, calls, "undecodable payloads never reach ingestion")
}

func TestIngestWorkerRecoversPanics(t *testing.T) {
	q := queue.NewMemoryQueue(8, 5*time.Millisecond)
	core, logs := observer.New(zap.ErrorLevel)
	w := NewIngestWorker(q, ingestFunc(func(context.Context, service.InboundEvent) (service.IngestResult, error) {
		panic("boom")
	}), IngestConfig{MaxAttempts: 1}, zap.New(core))

	enqueueEvent(t, q, service.InboundEvent{Kind: service.InboundIssueUpdated, IssueKey: "OD-9", Revision: 1})
	require.NoError(t, w.processBatch(context.Background()))

	assert.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered in ingest").Len())
}

func TestIngestWorkerIngestsDeliveriesLeftByDeadConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mr.SetTime(start)

	cfg := queue.StreamConfig{Stream: "tracker_webhooks", Group: "tracker-sync", Block: 10 * time.Millisecond, MinIdle: time.Minute}
	crashedCfg := cfg
	crashedCfg.Consumer = "ingest-crashed"
	crashed, err := queue.NewRedisQueue(ctx, client, crashedCfg, nil)
	require.NoError(t, err)
	liveCfg := cfg
	liveCfg.Consumer = "ingest-1"
	live, err := queue.NewRedisQueue(ctx, client, liveCfg, nil)
	require.NoError(t, err)

	enqueueEvent(t, crashed, service.InboundEvent{Kind: service.InboundIssueUpdated, IssueKey: "OD-7", Revision: 3})
	batch, err := crashed.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	mr.SetTime(start.Add(2 * time.Minute))

	var (
		mu       sync.Mutex
		ingested []string
	)
	w := NewIngestWorker(live, ingestFunc(func(_ context.Context, event service.InboundEvent) (service.IngestResult, error) {
		mu.Lock()
		defer mu.Unlock()
		ingested = append(ingested, event.IssueKey)
		return service.IngestApplied, nil
	}), IngestConfig{ReclaimInterval: time.Hour}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, "tracker_webhooks", "tracker-sync").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
	w.Stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"OD-7"}, ingested)
}

type sweepFunc func(ctx context.Context) (service.SweepReport, error)

func (f sweepFunc) SweepFailed(ctx context.Context) (service.SweepReport, error) {
	return f(ctx)
}

func TestSweepWorkerTicksUntilCancelled(t *testing.T) {
	var (
		mu     sync.Mutex
		passes int
	)
	core, logs := observer.New(zap.InfoLevel)
	w := NewSweepWorker(sweepFunc(func(context.Context) (service.SweepReport, error) {
		mu.Lock()
		defer mu.Unlock()
		passes++
		if passes == 1 {
			return service.SweepReport{}, errors.New("store down")
		}
		return service.SweepReport{Retried: 1, Recovered: 1}, nil
	}), 5*time.Millisecond, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return passes >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, logs.FilterMessage("sweep failed").Len())
	assert.GreaterOrEqual(t, logs.FilterMessage("sweep finished").Len(), 1)
}

func TestSweepWorkerRunOnceReturnsReport(t *testing.T) {
	w := NewSweepWorker(sweepFunc(func(context.Context) (service.SweepReport, error) {
		return service.SweepReport{Retried: 2, Promoted: 1}, nil
	}), 0, nil)
	report := w.RunOnce(context.Background())
	assert.Equal(t, service.SweepReport{Retried: 2, Promoted: 1}, report)
	assert.Equal(t, 5*time.Minute, w.interval)
}
