package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// EventHandler handles a published event.
type EventHandler func(context.Context, Event) error

// Dispatcher interface allows event publication/subscription.
type Dispatcher interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType EventType, handler EventHandler)
}

// inMemoryDispatcher fans events out to in-process handlers.
type inMemoryDispatcher struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventHandler
	logger    *zap.Logger
	async     bool
	wg        sync.WaitGroup
}

// NewInMemoryDispatcher creates a dispatcher that runs handlers inline.
func NewInMemoryDispatcher(logger *zap.Logger) Dispatcher {
	return newDispatcher(logger, false)
}

// AsyncDispatcher runs every handler on its own goroutine so publishers never
// wait for them.
type AsyncDispatcher struct {
	*inMemoryDispatcher
}

// NewAsyncDispatcher creates an AsyncDispatcher.
func NewAsyncDispatcher(logger *zap.Logger) *AsyncDispatcher {
	return &AsyncDispatcher{newDispatcher(logger, true)}
}

// Wait blocks until every handler started so far has returned.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

func newDispatcher(logger *zap.Logger, async bool) *inMemoryDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &inMemoryDispatcher{
		listeners: make(map[EventType][]EventHandler),
		logger:    logger,
		async:     async,
	}
}

// Publish invokes handlers for the given event. Handler errors are logged and
// do not stop other handlers.
func (d *inMemoryDispatcher) Publish(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.listeners[event.Type]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		if !d.async {
			d.run(ctx, handler, event)
			continue
		}
		d.wg.Add(1)
		// Detached from the request: the publisher's context ends with the
		// HTTP response.
		go func(h EventHandler) {
			defer d.wg.Done()
			d.run(context.WithoutCancel(ctx), h, event)
		}(handler)
	}
	return nil
}

func (d *inMemoryDispatcher) run(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.String("ticket_id", event.TicketID),
				zap.Any("panic", r))
		}
	}()
	if err := handler(ctx, event); err != nil {
		d.logger.Warn("event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err))
	}
}

// Subscribe registers a handler for the given event type.
func (d *inMemoryDispatcher) Subscribe(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[eventType] = append(d.listeners[eventType], handler)
}
