package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Delivery is one queued webhook payload.
type Delivery struct {
	ID      string
	Payload []byte
	Attempt int
}

// Queue buffers inbound webhook payloads between the receiver and the
// ingest worker.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	// Read returns the next batch, waiting at most the configured block time.
	Read(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Requeue acknowledges d and enqueues it again with the next attempt number.
	Requeue(ctx context.Context, d Delivery, reason string) error
	// DeadLetter acknowledges d and parks it for operator inspection.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
	// Reclaim takes over deliveries read by any consumer but left
	// unacknowledged for at least the configured idle time.
	Reclaim(ctx context.Context) ([]Delivery, error)
}

// StreamConfig configures a Redis stream backed queue.
type StreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	DLQStream string
	BatchSize int64
	Block     time.Duration
	// MinIdle is how long an entry must sit unacknowledged before Reclaim
	// claims it.
	MinIdle time.Duration
}

type redisQueue struct {
	client *redis.Client
	cfg    StreamConfig
	logger *zap.Logger
}

// NewRedisQueue creates the consumer group when missing and returns a queue
// on top of it.
func NewRedisQueue(ctx context.Context, client *redis.Client, cfg StreamConfig, logger *zap.Logger) (Queue, error) {
	if client == nil {
		return nil, errors.New("queue: redis client is required")
	}
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("queue: stream, group and consumer are required")
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MinIdle < 0 {
		cfg.MinIdle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Start the group at "0" so payloads enqueued before the first consumer
	// started are not skipped.
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return &redisQueue{client: client, cfg: cfg, logger: logger}, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, payload []byte) error {
	return q.add(ctx, q.cfg.Stream, map[string]any{
		"payload": string(payload),
		"attempt": 1,
	})
}

func (q *redisQueue) Read(ctx context.Context) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    q.cfg.BatchSize,
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var out []Delivery
	for _, stream := range streams {
		out = append(out, q.parseAll(ctx, stream.Messages)...)
	}
	return out, nil
}

// Reclaim covers a consumer that died between XREADGROUP and XACK: its
// entries stay pending forever unless another consumer claims them.
func (q *redisQueue) Reclaim(ctx context.Context) ([]Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Idle:   q.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  q.cfg.BatchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending (stream=%s): %w", q.cfg.Stream, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		q.logger.Info("reclaiming stale queue entry",
			zap.String("message_id", p.ID),
			zap.String("original_consumer", p.Consumer),
			zap.Duration("idle", p.Idle),
			zap.Int64("retry_count", p.RetryCount))
		ids = append(ids, p.ID)
	}

	// XCLAIM re-checks MinIdle, so an entry another consumer claimed in the
	// meantime is skipped.
	messages, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.MinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim (stream=%s): %w", q.cfg.Stream, err)
	}
	return q.parseAll(ctx, messages), nil
}

func (q *redisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", q.cfg.Stream, err)
	}
	return nil
}

func (q *redisQueue) Requeue(ctx context.Context, d Delivery, reason string) error {
	if err := q.Ack(ctx, d); err != nil {
		return fmt.Errorf("acking delivery for requeue: %w", err)
	}
	return q.add(ctx, q.cfg.Stream, map[string]any{
		"payload":    string(d.Payload),
		"attempt":    d.Attempt + 1,
		"last_error": reason,
	})
}

func (q *redisQueue) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	if err := q.Ack(ctx, d); err != nil {
		return fmt.Errorf("acking delivery for dlq: %w", err)
	}
	q.logger.Error("webhook delivery sent to dead letter stream",
		zap.String("message_id", d.ID),
		zap.Int("attempt", d.Attempt),
		zap.String("reason", reason))
	return q.add(ctx, q.cfg.DLQStream, map[string]any{
		"payload": string(d.Payload),
		"attempt": d.Attempt,
		"error":   reason,
	})
}

func (q *redisQueue) parseAll(ctx context.Context, messages []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(messages))
	for _, msg := range messages {
		d, err := parseDelivery(msg)
		if err != nil {
			q.logger.Error("dropping unreadable queue entry",
				zap.String("message_id", msg.ID),
				zap.String("stream", q.cfg.Stream),
				zap.Error(err))
			_ = q.Ack(ctx, Delivery{ID: msg.ID})
			continue
		}
		out = append(out, d)
	}
	return out
}

func (q *redisQueue) add(ctx context.Context, stream string, values map[string]any) error {
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", stream, err)
	}
	return nil
}

func parseDelivery(msg redis.XMessage) (Delivery, error) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return Delivery{}, errors.New("missing payload")
	}
	attempt := 1
	if v, ok := msg.Values["attempt"]; ok {
		n, err := strconv.Atoi(fmt.Sprint(v))
		if err != nil {
			return Delivery{}, fmt.Errorf("parsing attempt: %w", err)
		}
		if n > 0 {
			attempt = n
		}
	}
	return Delivery{ID: msg.ID, Payload: []byte(fmt.Sprint(raw)), Attempt: attempt}, nil
}
