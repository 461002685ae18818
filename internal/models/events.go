package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types published to the order-events topic
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypePaymentCompleted = "PAYMENT_COMPLETED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
	EventTypeOrderFulfilled   = "ORDER_FULFILLED"
	EventTypeOrderRefunded    = "ORDER_REFUNDED"
	EventTypeDeliveryFailed   = "DELIVERY_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent is published after checkout persists an order.
type OrderCreatedEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	CompanyID     string          `json:"company_id"`
	ListingID     string          `json:"listing_id"`
	Denomination  decimal.Decimal `json:"denomination"`
	Quantity      int             `json:"quantity"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
}

// PaymentCompletedEvent is published when a provider confirms payment.
type PaymentCompletedEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	CompanyID   string `json:"company_id"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
}

// PaymentFailedEvent is published when a provider reports a failed payment.
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	CompanyID string `json:"company_id"`
	Provider  string `json:"provider"`
	Reason    string `json:"reason"`
}

// OrderFulfilledEvent is published after codes are finalized and attached.
type OrderFulfilledEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	CompanyID string `json:"company_id"`
	Quantity  int    `json:"quantity"`
	ActorID   string `json:"actor_id"`
}

// OrderRefundedEvent is published after a refund settles, whether initiated
// by the merchant or reported by the provider.
type OrderRefundedEvent struct {
	BaseEvent
	OrderID   string          `json:"order_id"`
	CompanyID string          `json:"company_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reason    string          `json:"reason,omitempty"`
}

// DeliveryFailedEvent is published when the notification send fails after a
// completed sale. The delivery worker consumes it and retries the send.
type DeliveryFailedEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	CompanyID string `json:"company_id"`
	To        string `json:"to"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason"`
}

// AuditRecord is one append-only entry on the audit topic.
type AuditRecord struct {
	ID           string            `json:"id"`
	CompanyID    string            `json:"company_id"`
	ActorID      string            `json:"actor_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
