package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes dispatch events, courier notifications and
// operational alerts, each to its own topic.
type EventPublisher struct {
	dispatch      EventWriter
	alerts        EventWriter
	notifications EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(dispatch, alerts, notifications EventWriter) *EventPublisher {
	return &EventPublisher{
		dispatch:      dispatch,
		alerts:        alerts,
		notifications: notifications,
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// CourierAssigned publishes a CourierAssigned event keyed by order.
func (ep *EventPublisher) CourierAssigned(ctx context.Context, job *models.DeliveryJob, actor string) error {
	if job.CourierID == nil {
		return errors.New("delivery job has no courier")
	}
	event := &models.CourierAssignedEvent{
		BaseEvent: newBaseEvent(models.EventTypeCourierAssigned),
		OrderID:   job.OrderID,
		CourierID: *job.CourierID,
		JobID:     job.ID,
		Actor:     actor,
	}
	return ep.dispatch.PublishEvent(ctx, fmt.Sprintf("order-%d", job.OrderID), event)
}

// Raise publishes an operational alert.
func (ep *EventPublisher) Raise(ctx context.Context, name string, metadata map[string]any) error {
	event := &models.AlertEvent{
		BaseEvent: newBaseEvent(models.EventTypeOperationalAlert),
		Name:      name,
		Metadata:  metadata,
	}
	return ep.alerts.PublishEvent(ctx, name, event)
}

// Push publishes a push notification for a courier's device.
func (ep *EventPublisher) Push(ctx context.Context, courierID int64, title, message string) error {
	event := &models.CourierNotificationEvent{
		BaseEvent: newBaseEvent(models.EventTypeCourierNotified),
		CourierID: courierID,
		Title:     title,
		Message:   message,
	}
	return ep.notifications.PublishEvent(ctx, fmt.Sprintf("courier-%d", courierID), event)
}

// OrderEventFunc handles one order lifecycle event
type OrderEventFunc func(context.Context, *models.OrderLifecycleEvent) error

// EventHandler routes incoming order lifecycle events
type EventHandler struct {
	routes map[string]OrderEventFunc
	logger *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		routes: make(map[string]OrderEventFunc),
		logger: util.GetLogger().Named("event_handler"),
	}
}

// OnOrderCreated registers a handler for ORDER_CREATED events
func (eh *EventHandler) OnOrderCreated(handler OrderEventFunc) {
	eh.routes[models.EventTypeOrderCreated] = handler
}

// OnOrderReady registers a handler for ORDER_READY events
func (eh *EventHandler) OnOrderReady(handler OrderEventFunc) {
	eh.routes[models.EventTypeOrderReady] = handler
}

// OnOrderCancelled registers a handler for ORDER_CANCELLED events
func (eh *EventHandler) OnOrderCancelled(handler OrderEventFunc) {
	eh.routes[models.EventTypeOrderCancelled] = handler
}

// OnOrderDelivered registers a handler for ORDER_DELIVERED events
func (eh *EventHandler) OnOrderDelivered(handler OrderEventFunc) {
	eh.routes[models.EventTypeOrderDelivered] = handler
}

// HandleMessage routes messages to appropriate handlers. Unknown event types
// are skipped so other producers can share the topic.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// A payload that never parses would block the partition forever.
		eh.logger.Error("Dropping malformed event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	handler, ok := eh.routes[baseEvent.EventType]
	if !ok {
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
		return nil
	}

	var event models.OrderLifecycleEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		eh.logger.Error("Dropping malformed order event",
			zap.String("event_id", baseEvent.EventID),
			zap.Error(err))
		return nil
	}

	eh.logger.Info("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", event.OrderID))
	return handler(ctx, &event)
}
