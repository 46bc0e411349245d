package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/domain"
)

// Alert tells an operator that a row needs attention.
type Alert struct {
	EntityType domain.EntityType
	EntityID   string
	TicketID   string
	Kind       string
	Error      string
	Attempts   int
	At         time.Time
}

// Publisher delivers alerts to the operator channel.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

type streamPublisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewStreamPublisher appends alerts to a Redis stream that operator tooling
// tails. Every alert is also logged at error level.
func NewStreamPublisher(client *redis.Client, stream string, logger *zap.Logger) (Publisher, error) {
	if client == nil {
		return nil, errors.New("alert: redis client is required")
	}
	if stream == "" {
		return nil, errors.New("alert: stream is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &streamPublisher{client: client, stream: stream, logger: logger}, nil
}

func (p *streamPublisher) Publish(ctx context.Context, a Alert) error {
	logAlert(p.logger, a)
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"entity_type": string(a.EntityType),
			"entity_id":   a.EntityID,
			"ticket_id":   a.TicketID,
			"kind":        a.Kind,
			"error":       a.Error,
			"attempts":    a.Attempts,
			"at":          a.At.Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

type logPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher only logs alerts. Used when Redis is not configured.
func NewLogPublisher(logger *zap.Logger) Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logPublisher{logger: logger}
}

func (p *logPublisher) Publish(_ context.Context, a Alert) error {
	logAlert(p.logger, a)
	return nil
}

func logAlert(logger *zap.Logger, a Alert) {
	logger.Error("sync requires operator attention",
		zap.String("entity_type", string(a.EntityType)),
		zap.String("entity_id", a.EntityID),
		zap.String("ticket_id", a.TicketID),
		zap.String("error_kind", a.Kind),
		zap.Int("attempt", a.Attempts),
		zap.String("error", a.Error))
}
