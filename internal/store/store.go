// Package store defines the transactional persistence contract shared by the
// PostgreSQL and in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/orders"
)

// Store runs transactions and serves the lock-free reads.
type Store interface {
	Reader
	// InTx runs fn in one transaction. A non-nil error from fn rolls back
	// everything fn wrote.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// DeleteExpiredReservations removes every hold with expires_at < now in a
	// single statement.
	DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error)
	// SaveProduct inserts a product with zero stock or updates its catalog
	// fields. It never touches stock; stock only moves through the ledger.
	SaveProduct(ctx context.Context, p orders.Product) error
	Ping(ctx context.Context) error
}

// Reader never takes row locks; results may be slightly stale.
type Reader interface {
	GetProduct(ctx context.Context, id string) (orders.Product, error)
	// ReservedQty sums active holds for a product, excluding excludeSession
	// when it is non-empty.
	ReservedQty(ctx context.Context, productID string, now time.Time, excludeSession string) (int, error)
	// MovementsBefore returns up to n movements of a product with id < beforeID
	// (0 means no bound), newest first.
	MovementsBefore(ctx context.Context, productID string, beforeID int64, n int) ([]orders.StockMovement, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	History(ctx context.Context, orderID string) ([]orders.StatusHistory, error)
	SessionReservations(ctx context.Context, sessionID string) ([]orders.Reservation, error)
}

// Tx is the locked read-write view used inside InTx.
type Tx interface {
	Reader
	// LockProduct reads the product row and holds an exclusive lock on it until
	// the transaction ends.
	LockProduct(ctx context.Context, id string) (orders.Product, error)
	SetStock(ctx context.Context, productID string, stock int, at time.Time) error
	// InsertMovement assigns m.ID.
	InsertMovement(ctx context.Context, m *orders.StockMovement) error
	MovementsByOrder(ctx context.Context, orderID string, t orders.MovementType) ([]orders.StockMovement, error)

	InsertReservation(ctx context.Context, r orders.Reservation) error
	// DeleteSessionReservations deletes the session's holds, limited to
	// productIDs when that is non-empty.
	DeleteSessionReservations(ctx context.Context, sessionID string, productIDs []string) (int64, error)

	// LockOrderID serializes writers on an order id until the transaction
	// ends, whether or not the order row exists yet.
	LockOrderID(ctx context.Context, id string) error
	// LockOrder reads the order row under an exclusive lock.
	LockOrder(ctx context.Context, id string) (orders.Order, error)
	InsertOrder(ctx context.Context, o orders.Order, items []orders.OrderItem) error
	UpdateOrder(ctx context.Context, o orders.Order) error
	OrderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error)
	// InsertHistory assigns h.ID.
	InsertHistory(ctx context.Context, h *orders.StatusHistory) error
}
