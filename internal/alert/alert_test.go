package alert

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/opsdesk/tracker-sync/internal/domain"
)

func TestStreamPublisherAppendsAlert(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	core, logs := observer.New(zap.ErrorLevel)
	publisher, err := NewStreamPublisher(client, "tracker_sync_alerts", zap.New(core))
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	err = publisher.Publish(context.Background(), Alert{
		EntityType: domain.EntityTicket,
		EntityID:   "t1",
		TicketID:   "t1",
		Kind:       "validation",
		Error:      "issue type is required",
		Attempts:   1,
		At:         at,
	})
	require.NoError(t, err)

	entries, err := client.XRange(context.Background(), "tracker_sync_alerts", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	values := entries[0].Values
	assert.Equal(t, "ticket", values["entity_type"])
	assert.Equal(t, "t1", values["entity_id"])
	assert.Equal(t, "validation", values["kind"])
	assert.Equal(t, "2024-03-01T10:00:00Z", values["at"])
	assert.Equal(t, 1, logs.Len())
}

func TestNewStreamPublisherValidates(t *testing.T) {
	_, err := NewStreamPublisher(nil, "s", nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	_, err = NewStreamPublisher(client, "", nil)
	assert.Error(t, err)
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	publisher := NewLogPublisher(zap.New(core))

	require.NoError(t, publisher.Publish(context.Background(), Alert{EntityType: domain.EntityComment, EntityID: "c1"}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "c1", logs.All()[0].ContextMap()["entity_id"])
}
