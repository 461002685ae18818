package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"giftmarket/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher publishes order lifecycle events.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.Publish(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentCompleted publishes PaymentCompleted event
func (ep *EventPublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	return ep.producer.Publish(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.Publish(ctx, orderKey(event.OrderID), event)
}

// PublishOrderFulfilled publishes OrderFulfilled event
func (ep *EventPublisher) PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error {
	return ep.producer.Publish(ctx, orderKey(event.OrderID), event)
}

// PublishOrderRefunded publishes OrderRefunded event
func (ep *EventPublisher) PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error {
	return ep.producer.Publish(ctx, orderKey(event.OrderID), event)
}

// PublishDeliveryFailed publishes DeliveryFailed event for the retry worker.
func (ep *EventPublisher) PublishDeliveryFailed(ctx context.Context, event *models.DeliveryFailedEvent) error {
	return ep.producer.Publish(ctx, orderKey(event.OrderID), event)
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// EventHandler routes consumed order events to registered callbacks.
type EventHandler struct {
	onDeliveryFailed func(context.Context, *models.DeliveryFailedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnDeliveryFailed registers a handler for DeliveryFailed events
func (eh *EventHandler) OnDeliveryFailed(handler func(context.Context, *models.DeliveryFailedEvent) error) {
	eh.onDeliveryFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeDeliveryFailed:
		if eh.onDeliveryFailed != nil {
			var event models.DeliveryFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal DeliveryFailed event: %w", err)
			}
			return eh.onDeliveryFailed(ctx, &event)
		}

	default:
		// Other order events are informational for downstream consumers.
		log.Printf("Ignoring event type: %s", baseEvent.EventType)
	}

	return nil
}
