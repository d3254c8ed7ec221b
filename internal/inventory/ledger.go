// Package inventory holds the stock ledger, the reservation manager and the
// expired-reservation sweeper.
package inventory

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/metrics"
	"github.com/ariefcatur/storefront-inventory/internal/notify"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultLowStockThreshold = 5
	movementPageSize         = 50
)

// Ledger is the only writer of products.stock. Every change is recorded as
// one StockMovement in the same transaction as the new stock value.
type Ledger struct {
	Store     store.Store
	Publisher notify.Publisher
	Log       *zap.Logger

	LowStockThreshold int
	Now               func() time.Time
}

func NewLedger(st store.Store, pub notify.Publisher, log *zap.Logger) *Ledger {
	return &Ledger{Store: st, Publisher: pub, Log: log, LowStockThreshold: DefaultLowStockThreshold}
}

type MovementInput struct {
	ProductID string
	Delta     int
	Type      orders.MovementType
	Reason    string
	OrderID   string
	ActorID   string
}

func (in MovementInput) validate() error {
	if in.ProductID == "" || in.Delta == 0 || !in.Type.Valid() {
		return orders.ErrInvalidMovement
	}
	switch in.Type {
	case orders.MovementOrderPlaced:
		if in.Delta > 0 {
			return fmt.Errorf("%w: order_placed must decrement", orders.ErrInvalidMovement)
		}
	case orders.MovementRestock, orders.MovementReturn:
		if in.Delta < 0 {
			return fmt.Errorf("%w: %s must increment", orders.ErrInvalidMovement, in.Type)
		}
	}
	return nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) threshold() int {
	if l.LowStockThreshold > 0 {
		return l.LowStockThreshold
	}
	return DefaultLowStockThreshold
}

// Apply writes one movement inside the caller's transaction. The product row
// stays locked until that transaction ends. The returned events must only be
// published once the transaction has committed.
//
// A decrement below zero fails with ErrInsufficientStock; the value is never
// clamped. Decrements other than order_placed may not consume stock that is
// held by active reservations.
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, in MovementInput) (orders.StockMovement, []orders.Event, error) {
	if err := in.validate(); err != nil {
		return orders.StockMovement{}, nil, err
	}
	p, err := tx.LockProduct(ctx, in.ProductID)
	if err != nil {
		return orders.StockMovement{}, nil, err
	}
	now := l.now()

	next := p.Stock + in.Delta
	if next < 0 {
		return orders.StockMovement{}, nil, insufficient(p.ID, -in.Delta, p.Stock)
	}
	if in.Delta < 0 && in.Type != orders.MovementOrderPlaced {
		reserved, err := tx.ReservedQty(ctx, p.ID, now, "")
		if err != nil {
			return orders.StockMovement{}, nil, err
		}
		if avail := p.Stock - reserved; -in.Delta > avail {
			return orders.StockMovement{}, nil, insufficient(p.ID, -in.Delta, max(avail, 0))
		}
	}

	m := orders.StockMovement{
		ProductID:     p.ID,
		QuantityDelta: in.Delta,
		MovementType:  in.Type,
		Reason:        in.Reason,
		OrderID:       in.OrderID,
		ActorID:       in.ActorID,
		PreviousStock: p.Stock,
		NewStock:      next,
		CreatedAt:     now,
	}
	if err := tx.InsertMovement(ctx, &m); err != nil {
		return orders.StockMovement{}, nil, fmt.Errorf("insert movement: %w", err)
	}
	if err := tx.SetStock(ctx, p.ID, next, now); err != nil {
		return orders.StockMovement{}, nil, fmt.Errorf("set stock: %w", err)
	}

	var evs []orders.Event
	if in.Delta < 0 && next <= l.threshold() {
		evs = append(evs, orders.LowStockEvent(p.ID, next, l.threshold()))
	}
	return m, evs, nil
}

// ApplyMovement runs Apply in its own transaction and publishes the resulting
// events after commit.
func (l *Ledger) ApplyMovement(ctx context.Context, in MovementInput) (orders.StockMovement, error) {
	defer metrics.ObserveTx("apply_movement", time.Now())

	var (
		m   orders.StockMovement
		evs []orders.Event
	)
	err := l.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		m, evs, err = l.Apply(ctx, tx, in)
		return err
	})
	if err != nil {
		return orders.StockMovement{}, err
	}
	CountMovements(m)
	l.Log.Info("stock movement",
		zap.String("product_id", m.ProductID),
		zap.String("type", string(m.MovementType)),
		zap.Int("delta", m.QuantityDelta),
		zap.Int("new_stock", m.NewStock),
	)
	notify.PublishAll(ctx, l.Publisher, evs)
	return m, nil
}

// Movements yields up to limit movements of a product, newest first. Pages
// are fetched lazily; ranging again starts a fresh query.
func (l *Ledger) Movements(ctx context.Context, productID string, limit int) iter.Seq2[orders.StockMovement, error] {
	return func(yield func(orders.StockMovement, error) bool) {
		var before int64
		left := limit
		for left > 0 {
			n := min(left, movementPageSize)
			page, err := l.Store.MovementsBefore(ctx, productID, before, n)
			if err != nil {
				yield(orders.StockMovement{}, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				before = m.ID
			}
			left -= len(page)
			if len(page) < n {
				return
			}
		}
	}
}

// CountMovements records committed movements in the movement counter.
func CountMovements(ms ...orders.StockMovement) {
	for _, m := range ms {
		metrics.Movements.WithLabelValues(string(m.MovementType)).Inc()
	}
}

func insufficient(productID string, required, available int) error {
	return &orders.StockError{
		Code:    orders.ErrInsufficientStock,
		Details: []orders.StockRejectedDetail{{ProductID: productID, Required: required, Available: available}},
	}
}
