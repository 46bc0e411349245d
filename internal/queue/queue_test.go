package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamQueue(t *testing.T) (Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(context.Background(), client, StreamConfig{
		Stream:   "tracker_webhooks",
		Group:    "sync",
		Consumer: "api-1",
		Block:    10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return q, client
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q, client := newStreamQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte(`{"webhookEvent":"jira:issue_updated"}`)))

	batch, err := q.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, `{"webhookEvent":"jira:issue_updated"}`, string(batch[0].Payload))
	assert.Equal(t, 1, batch[0].Attempt)

	require.NoError(t, q.Ack(ctx, batch[0]))
	pending, err := client.XPending(ctx, "tracker_webhooks", "sync").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	empty, err := q.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisQueueRequeueAndDeadLetter(t *testing.T) {
	q, client := newStreamQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("payload")))
	batch, err := q.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, q.Requeue(ctx, batch[0], "store unavailable"))
	batch, err = q.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].Attempt)

	require.NoError(t, q.DeadLetter(ctx, batch[0], "still failing"))
	dead, err := client.XRange(ctx, "tracker_webhooks_dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "still failing", dead[0].Values["error"])
	assert.Equal(t, "payload", dead[0].Values["payload"])
}

func TestNewRedisQueueIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := StreamConfig{Stream: "s", Group: "g", Consumer: "c"}
	_, err := NewRedisQueue(context.Background(), client, cfg, nil)
	require.NoError(t, err)
	_, err = NewRedisQueue(context.Background(), client, cfg, nil)
	require.NoError(t, err)
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(4, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("a")))
	require.NoError(t, q.Enqueue(ctx, []byte("b")))

	batch, err := q.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", string(batch[0].Payload))

	require.NoError(t, q.Requeue(ctx, batch[1], "retry"))
	batch, err = q.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].Attempt)

	require.NoError(t, q.DeadLetter(ctx, batch[0], "gave up"))
	assert.Len(t, q.DeadLetters(), 1)

	empty, err := q.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisQueueReclaimsDeliveriesLeftByDeadConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mr.SetTime(start)

	cfg := StreamConfig{Stream: "tracker_webhooks", Group: "sync", Block: 10 * time.Millisecond, MinIdle: time.Minute}
	deadCfg := cfg
	deadCfg.Consumer = "api-1"
	dead, err := NewRedisQueue(ctx, client, deadCfg, nil)
	require.NoError(t, err)
	liveCfg := cfg
	liveCfg.Consumer = "api-2"
	live, err := NewRedisQueue(ctx, client, liveCfg, nil)
	require.NoError(t, err)

	require.NoError(t, dead.Enqueue(ctx, []byte("stranded")))
	batch, err := dead.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// Not idle long enough yet.
	reclaimed, err := live.Reclaim(ctx)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
	fresh, err := live.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, fresh, "pending entries are never handed out by a plain read")

	mr.SetTime(start.Add(2 * time.Minute))
	reclaimed, err = live.Reclaim(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, batch[0].ID, reclaimed[0].ID)
	assert.Equal(t, "stranded", string(reclaimed[0].Payload))

	require.NoError(t, live.Ack(ctx, reclaimed[0]))
	pending, err := client.XPending(ctx, "tracker_webhooks", "sync").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestMemoryQueueReclaimIsEmpty(t *testing.T) {
	q := NewMemoryQueue(4, 10*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), []byte("a")))

	reclaimed, err := q.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}
