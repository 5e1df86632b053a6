package models

import "time"

// Event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypeOrderReady       = "ORDER_READY"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
	EventTypeOrderDelivered   = "ORDER_DELIVERED"
	EventTypeCourierAssigned  = "COURIER_ASSIGNED"
	EventTypeCourierNotified  = "COURIER_NOTIFIED"
	EventTypeOperationalAlert = "OPERATIONAL_ALERT"
)

// Alert names
const (
	AlertManualIntervention = "assignment_manual_intervention"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderLifecycleEvent is published by the order service when an order is
// placed, becomes ready for dispatch, is cancelled or is delivered.
type OrderLifecycleEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// CourierAssignedEvent published when a delivery job gets a courier
type CourierAssignedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	CourierID int64  `json:"courier_id"`
	JobID     int64  `json:"job_id"`
	Actor     string `json:"actor"`
}

// CourierNotificationEvent is a push message for a courier's device
type CourierNotificationEvent struct {
	BaseEvent
	CourierID int64  `json:"courier_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
}

// AlertEvent surfaces an operational condition to on-call tooling
type AlertEvent struct {
	BaseEvent
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
