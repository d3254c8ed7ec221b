package orders

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrStockUnavailable  = errors.New("stock unavailable")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyRefunded   = errors.New("order already refunded")
	ErrNotRefundable     = errors.New("payment is not refundable")
	ErrReasonRequired    = errors.New("cancellation reason required")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidMovement   = errors.New("invalid stock movement")
	ErrSessionRequired   = errors.New("session id required")
	ErrOrderIDRequired   = errors.New("order id required")
	ErrOrderExists       = errors.New("order already exists")
)

// StockRejectedDetail tells the caller which item failed admission and how
// much of it is available right now.
type StockRejectedDetail struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// StockError is returned by reserve and commit when one or more items cannot
// be admitted. Code is ErrInsufficientStock or ErrStockUnavailable.
type StockError struct {
	Code    error
	Details []StockRejectedDetail
}

func (e *StockError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s required=%d available=%d", d.ProductID, d.Required, d.Available))
	}
	return fmt.Sprintf("%v: %s", e.Code, strings.Join(parts, "; "))
}

func (e *StockError) Unwrap() error { return e.Code }

// TransitionError carries the current and the rejected target status.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
