package orders

import (
	"encoding/json"
	"time"
)

const (
	EventLowStockCrossed          = "LowStockCrossed"
	EventOrderStatusChanged       = "OrderStatusChanged"
	EventRefundRequested          = "RefundRequested"
	EventPaymentReversalRequested = "PaymentReversalRequested"
	EventPaymentSucceeded         = "PaymentSucceeded"
	EventPaymentFailed            = "PaymentFailed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Event is an outbound notification collected during a transaction and
// published only after it commits.
type Event struct {
	Type    string
	Topic   string
	Key     string
	Payload any
}

// ---- outbound payloads ----

type LowStockCrossedPayload struct {
	ProductID string `json:"product_id"`
	NewStock  int    `json:"new_stock"`
	Threshold int    `json:"threshold"`
}

type OrderStatusChangedPayload struct {
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	From      Status `json:"from,omitempty"`
	To        Status `json:"to"`
	Reason    string `json:"reason,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

type RefundRequestedPayload struct {
	OrderID     string `json:"order_id"`
	AmountCents int    `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
}

type PaymentReversalRequestedPayload struct {
	OrderID    string                `json:"order_id"`
	SessionID  string                `json:"session_id"`
	PaymentRef string                `json:"payment_ref,omitempty"`
	Reason     string                `json:"reason"`
	Details    []StockRejectedDetail `json:"details,omitempty"`
}

// ---- inbound payloads ----

type PaymentSucceededPayload struct {
	OrderID    string    `json:"order_id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	PaymentRef string    `json:"payment_ref"`
	Items      []ItemQty `json:"items"`
}

type PaymentFailedPayload struct {
	OrderID   string `json:"order_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func LowStockEvent(productID string, newStock, threshold int) Event {
	return Event{
		Type:    EventLowStockCrossed,
		Topic:   TopicLowStock,
		Key:     productID,
		Payload: LowStockCrossedPayload{ProductID: productID, NewStock: newStock, Threshold: threshold},
	}
}

func StatusChangedEvent(o Order, from Status, reason, actor string) Event {
	return Event{
		Type:  EventOrderStatusChanged,
		Topic: TopicOrderStatusChanged,
		Key:   o.ID,
		Payload: OrderStatusChangedPayload{
			OrderID: o.ID, UserID: o.UserID, From: from, To: o.Status, Reason: reason, UpdatedBy: actor,
		},
	}
}
