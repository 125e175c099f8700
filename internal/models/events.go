package models

import "time"

// Event types
const (
	EventTypeOrderCreated = "ORDER_CREATED"
	EventTypeOrderPaying  = "ORDER_PAYING"
	EventTypeOrderFailed  = "ORDER_FAILED"
	EventTypeOrderPaid    = "ORDER_PAID"
	EventTypeOrderClosed  = "ORDER_CLOSED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent is published on every order lifecycle change
type OrderEvent struct {
	BaseEvent
	OrderNo           string `json:"order_no"`
	MerchantID        int64  `json:"merchant_id"`
	MerchantOrderNo   string `json:"merchant_order_no"`
	Amount            int64  `json:"amount"`
	ChannelID         int64  `json:"channel_id"`
	Status            string `json:"status"`
	ThirdPartyOrderNo string `json:"third_party_order_no,omitempty"`
	TraceID           string `json:"trace_id"`
	Reason            string `json:"reason,omitempty"`
}
