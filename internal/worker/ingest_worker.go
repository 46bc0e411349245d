package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/queue"
	"github.com/opsdesk/tracker-sync/internal/retry"
	"github.com/opsdesk/tracker-sync/internal/service"
)

// Ingester applies a queued delivery.
type Ingester interface {
	Ingest(ctx context.Context, event service.InboundEvent) (service.IngestResult, error)
}

// IngestConfig tunes the queue consumer.
type IngestConfig struct {
	// MaxAttempts bounds redeliveries before a payload is dead-lettered.
	MaxAttempts int
	// ErrorBackoff is the pause after a failed queue read.
	ErrorBackoff time.Duration
	// ReclaimInterval is how often deliveries stranded by a dead consumer
	// are claimed. The first pass runs at startup.
	ReclaimInterval time.Duration
}

// IngestWorker drains the webhook queue into InboundSync.
type IngestWorker struct {
	queue   queue.Queue
	inbound Ingester
	cfg     IngestConfig
	logger  *zap.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewIngestWorker constructs the consumer.
func NewIngestWorker(q queue.Queue, inbound Ingester, cfg IngestConfig, logger *zap.Logger) *IngestWorker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestWorker{
		queue:     q,
		inbound:   inbound,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run consumes until ctx is done or Stop is called.
func (w *IngestWorker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)
	w.logger.Info("ingest worker started", zap.Duration("reclaim_interval", w.cfg.ReclaimInterval))

	var nextReclaim time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			w.logger.Info("ingest worker stopping")
			return nil
		default:
		}
		if now := time.Now(); !now.Before(nextReclaim) {
			w.reclaim(ctx)
			nextReclaim = now.Add(w.cfg.ReclaimInterval)
		}
		if err := w.processBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("queue read failed", zap.Error(err))
			select {
			case <-time.After(w.cfg.ErrorBackoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-w.stopCh:
				return nil
			}
		}
	}
}

// Stop ends Run and waits for the current batch.
func (w *IngestWorker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *IngestWorker) processBatch(ctx context.Context) error {
	deliveries, err := w.queue.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading webhook queue: %w", err)
	}
	for _, d := range deliveries {
		w.handle(ctx, d)
	}
	return nil
}

func (w *IngestWorker) reclaim(ctx context.Context) {
	deliveries, err := w.queue.Reclaim(ctx)
	if err != nil {
		w.logger.Error("reclaim failed", zap.Error(err))
		return
	}
	if len(deliveries) > 0 {
		w.logger.Info("reclaimed stale deliveries", zap.Int("count", len(deliveries)))
	}
	for _, d := range deliveries {
		w.handle(ctx, d)
	}
}

func (w *IngestWorker) handle(ctx context.Context, d queue.Delivery) {
	var event service.InboundEvent
	if err := json.Unmarshal(d.Payload, &event); err != nil {
		w.deadLetter(ctx, d, fmt.Errorf("decoding payload: %w", err))
		return
	}

	result, err := w.ingestSafe(ctx, event)
	if err == nil {
		w.logger.Debug("delivery ingested",
			zap.String("message_id", d.ID),
			zap.String("external_key", event.IssueKey),
			zap.String("result", string(result)))
		if ackErr := w.queue.Ack(ctx, d); ackErr != nil {
			w.logger.Warn("ack failed", zap.String("message_id", d.ID), zap.Error(ackErr))
		}
		return
	}

	if !retry.IsRetryable(err) || d.Attempt >= w.cfg.MaxAttempts {
		w.deadLetter(ctx, d, err)
		return
	}
	w.logger.Warn("requeuing delivery",
		zap.String("message_id", d.ID),
		zap.String("external_key", event.IssueKey),
		zap.Int("attempt", d.Attempt),
		zap.Error(err))
	if requeueErr := w.queue.Requeue(ctx, d, err.Error()); requeueErr != nil {
		w.logger.Error("requeue failed", zap.String("message_id", d.ID), zap.Error(requeueErr))
	}
}

func (w *IngestWorker) ingestSafe(ctx context.Context, event service.InboundEvent) (result service.IngestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic recovered in ingest", zap.Any("panic", r), zap.String("external_key", event.IssueKey))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.inbound.Ingest(ctx, event)
}

func (w *IngestWorker) deadLetter(ctx context.Context, d queue.Delivery, cause error) {
	if err := w.queue.DeadLetter(ctx, d, cause.Error()); err != nil {
		w.logger.Error("dead letter failed", zap.String("message_id", d.ID), zap.Error(err))
	}
}
