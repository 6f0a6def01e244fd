package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/notification"
	"github.com/medlims/compliance-engine/internal/pubsub"
)

// Forward publishes every value received on sub to topic until ctx is done or
// the subscription closes. The subscription is released on return.
func Forward[T any](ctx context.Context, hub *Hub, topic string, sub *pubsub.Subscription[T], logger *zap.Logger) {
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-sub.C:
			if !ok {
				return
			}
			if err := hub.Publish(topic, MessageTypeSnapshot, v); err != nil {
				if err == ErrHubClosed {
					return
				}
				logger.Warn("Failed to forward snapshot", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}

// HubNotifier sends notifications to the notifications topic
type HubNotifier struct {
	hub *Hub
}

// NewHubNotifier creates a notifier backed by hub
func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Notify(ctx context.Context, msg notification.Message) error {
	return n.hub.Publish(TopicNotifications, MessageTypeNotification, msg)
}
