package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"payswitch/internal/models"
	"payswitch/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing order lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderEvent publishes an order event keyed by order number, so all
// events of one order stay ordered.
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	return ep.producer.PublishEvent(ctx, "order-"+event.OrderNo, event)
}

// OrderEventFunc handles one decoded order event
type OrderEventFunc func(context.Context, *models.OrderEvent) error

// EventHandler routes incoming order events by type
type EventHandler struct {
	handlers map[string]OrderEventFunc
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{handlers: make(map[string]OrderEventFunc)}
}

// On registers handler for eventType, replacing any previous one
func (eh *EventHandler) On(eventType string, handler OrderEventFunc) {
	eh.handlers[eventType] = handler
}

// OnOrderPaid registers a handler for ORDER_PAID events
func (eh *EventHandler) OnOrderPaid(handler OrderEventFunc) {
	eh.On(models.EventTypeOrderPaid, handler)
}

// HandleMessage routes messages to appropriate handlers. Events without a
// handler are acknowledged and skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.OrderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// poison message, nothing a redelivery can fix
		util.GetLogger().Error("Dropping undecodable event",
			zap.String("key", string(msg.Key)), zap.Error(err))
		return nil
	}

	handler, ok := eh.handlers[event.EventType]
	if !ok {
		util.GetLogger().Debug("Unhandled event type", zap.String("event_type", event.EventType))
		return nil
	}

	util.GetLogger().Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID),
		zap.String("order_no", event.OrderNo))

	if err := handler(ctx, &event); err != nil {
		return fmt.Errorf("handler for %s failed: %w", event.EventType, err)
	}
	return nil
}
