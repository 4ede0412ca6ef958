package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/events"
	"github.com/redpilot/redpilot/internal/events/bus"
)

// EventBroadcaster forwards scheduler events from the bus to the hub.
type EventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterNotifications subscribes the hub to all task and dispatcher
// events. The broadcaster closes when ctx does.
func RegisterNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventBroadcaster {
	b := &EventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.TaskSubjects)
	b.subscribe(eventBus, events.DispatcherSubjects)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops all bus subscriptions.
func (b *EventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *EventBroadcaster) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := NewNotification(event.Type, event.Data)
		if err != nil {
			b.logger.Error("Failed to build websocket notification",
				zap.String("event_type", event.Type), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
