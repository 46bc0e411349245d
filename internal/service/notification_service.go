package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/alert"
	"github.com/opsdesk/tracker-sync/internal/events"
)

// NotificationService forwards sync failures to the operator channel.
type NotificationService struct {
	dispatcher events.Dispatcher
	publisher  alert.Publisher
	logger     *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, publisher alert.Publisher, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = alert.NewLogPublisher(logger)
	}
	return &NotificationService{
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventSyncFailed, n.handleSyncFailed)
	n.dispatcher.Subscribe(events.EventTicketCreated, n.handleLocalChange)
	n.dispatcher.Subscribe(events.EventTicketUpdated, n.handleLocalChange)
	n.dispatcher.Subscribe(events.EventCommentAdded, n.handleLocalChange)
}

func (n *NotificationService) handleSyncFailed(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.SyncFailedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	return n.publisher.Publish(ctx, alert.Alert{
		EntityType: payload.EntityType,
		EntityID:   payload.EntityID,
		TicketID:   event.TicketID,
		Kind:       payload.ErrorKind,
		Error:      payload.Error,
		Attempts:   payload.Attempts,
		At:         event.Timestamp,
	})
}

func (n *NotificationService) handleLocalChange(_ context.Context, event events.Event) error {
	n.logger.Debug("local change",
		zap.String("event_type", string(event.Type)),
		zap.String("ticket_id", event.TicketID),
		zap.String("actor_id", event.Actor.ID),
		zap.Any("payload", event.Payload))
	return nil
}
