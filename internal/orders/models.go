package orders

import (
	"slices"
	"strings"
	"time"
)

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Stock      int       `json:"stock"`
	PriceCents int       `json:"price_cents"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type MovementType string

const (
	MovementOrderPlaced  MovementType = "order_placed"
	MovementManualUpdate MovementType = "manual_update"
	MovementRestock      MovementType = "restock"
	MovementReturn       MovementType = "return"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementOrderPlaced, MovementManualUpdate, MovementRestock, MovementReturn:
		return true
	}
	return false
}

// StockMovement is one append-only ledger row. PreviousStock+QuantityDelta
// always equals NewStock.
type StockMovement struct {
	ID            int64        `json:"id"`
	ProductID     string       `json:"product_id"`
	QuantityDelta int          `json:"quantity_delta"`
	MovementType  MovementType `json:"movement_type"`
	Reason        string       `json:"reason,omitempty"`
	OrderID       string       `json:"order_id,omitempty"`
	ActorID       string       `json:"actor_id,omitempty"`
	PreviousStock int          `json:"previous_stock"`
	NewStock      int          `json:"new_stock"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Reservation is a pending hold on stock. It is never updated, only inserted
// and deleted.
type Reservation struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the hold still counts against availability at now.
func (r Reservation) Active(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

type Order struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	TotalCents         int           `json:"total_cents"`
	Status             Status        `json:"status"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	TrackingNumber     string        `json:"tracking_number,omitempty"`
	EstimatedDelivery  *time.Time    `json:"estimated_delivery,omitempty"`
	ActualDelivery     *time.Time    `json:"actual_delivery,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	// StockCommitted is true while the order's items are deducted from the
	// ledger and not yet restored.
	StockCommitted bool      `json:"stock_committed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type OrderItem struct {
	OrderID    string `json:"order_id"`
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
}

type StatusHistory struct {
	ID          int64       `json:"id"`
	OrderID     string      `json:"order_id"`
	Status      Status      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	UpdatedBy   string      `json:"updated_by,omitempty"`
	ProcessType ProcessType `json:"process_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// MergeItems validates quantities and folds duplicate product lines into one,
// returning the lines sorted by product id. Locks are always taken in that
// order so concurrent batches cannot deadlock.
func MergeItems(items []ItemQty) ([]ItemQty, error) {
	if len(items) == 0 {
		return nil, ErrInvalidQuantity
	}
	sum := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" || it.Qty <= 0 {
			return nil, ErrInvalidQuantity
		}
		sum[it.ProductID] += it.Qty
	}
	out := make([]ItemQty, 0, len(sum))
	for id, q := range sum {
		out = append(out, ItemQty{ProductID: id, Qty: q})
	}
	slices.SortFunc(out, func(a, b ItemQty) int { return strings.Compare(a.ProductID, b.ProductID) })
	return out, nil
}
