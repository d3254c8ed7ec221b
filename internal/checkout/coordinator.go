// Package checkout turns a paid checkout session into a placed order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	"github.com/ariefcatur/storefront-inventory/internal/lifecycle"
	"github.com/ariefcatur/storefront-inventory/internal/metrics"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"go.uber.org/zap"
)

const systemActor = "checkout"

// Coordinator is the only component that converts reservations into ledger
// decrements. Everything it writes for one order happens in one transaction.
type Coordinator struct {
	Store   store.Store
	Ledger  *inventory.Ledger
	Machine *lifecycle.Machine
	Log     *zap.Logger

	Now func() time.Time
}

func NewCoordinator(st store.Store, ledger *inventory.Ledger, machine *lifecycle.Machine, log *zap.Logger) *Coordinator {
	return &Coordinator{Store: st, Ledger: ledger, Machine: machine, Log: log}
}

type CommitRequest struct {
	SessionID string
	OrderID   string
	UserID    string
	Items     []orders.ItemQty
	// InitialStatus is confirmed when empty.
	InitialStatus orders.Status
	PaymentRef    string
}

type CommitResult struct {
	Order     orders.Order
	Movements []orders.StockMovement
	// Replayed is true when the order had already been committed and nothing
	// was written.
	Replayed bool
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Commit re-validates availability under the product locks, then writes one
// order_placed movement per item, drops the session's holds on those
// products, and creates the order with its first history row. If any item is
// short the whole commit fails with ErrStockUnavailable and nothing is
// written; the caller owns the payment reversal.
//
// Committing an order id that already exists returns the original movements.
// Concurrent commits of one order id serialize on the order id lock, so the
// later one replays instead of re-checking stock the first one consumed.
func (c *Coordinator) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if req.OrderID == "" {
		return CommitResult{}, orders.ErrOrderIDRequired
	}
	merged, err := orders.MergeItems(req.Items)
	if err != nil {
		return CommitResult{}, err
	}
	initial := req.InitialStatus
	if initial == "" {
		initial = orders.StatusConfirmed
	}
	defer metrics.ObserveTx("commit", time.Now())

	res, evs, err := c.commit(ctx, req, merged, initial)
	if errors.Is(err, orders.ErrOrderExists) {
		// lost an insert race the order id lock did not cover; the winner is
		// committed now, so the retry replays it
		res, evs, err = c.commit(ctx, req, merged, initial)
	}
	if err != nil {
		if errors.Is(err, orders.ErrStockUnavailable) {
			metrics.Commits.WithLabelValues("unavailable").Inc()
			c.Log.Warn("commit rejected", zap.String("order_id", req.OrderID), zap.String("session_id", req.SessionID), zap.Error(err))
		} else {
			metrics.Commits.WithLabelValues("error").Inc()
		}
		return CommitResult{}, err
	}

	if res.Replayed {
		metrics.Commits.WithLabelValues("replayed").Inc()
		c.Log.Info("commit replayed", zap.String("order_id", req.OrderID))
		return res, nil
	}
	metrics.Commits.WithLabelValues("ok").Inc()
	inventory.CountMovements(res.Movements...)
	c.Log.Info("order committed",
		zap.String("order_id", res.Order.ID),
		zap.String("status", string(res.Order.Status)),
		zap.Int("items", len(res.Movements)),
		zap.Int("total_cents", res.Order.TotalCents),
	)
	c.Machine.Refresh(ctx, res.Order, evs)
	return res, nil
}

func (c *Coordinator) commit(ctx context.Context, req CommitRequest, merged []orders.ItemQty, initial orders.Status) (CommitResult, []orders.Event, error) {
	var (
		res CommitResult
		evs []orders.Event
	)
	err := c.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, evs = CommitResult{}, nil

		if err := tx.LockOrderID(ctx, req.OrderID); err != nil {
			return err
		}
		existing, err := tx.LockOrder(ctx, req.OrderID)
		switch {
		case err == nil:
			res, err = c.replay(ctx, tx, existing, merged)
			return err
		case !errors.Is(err, orders.ErrOrderNotFound):
			return err
		}

		now := c.now()
		prices := make(map[string]int, len(merged))
		var short []orders.StockRejectedDetail
		for _, it := range merged {
			p, err := tx.LockProduct(ctx, it.ProductID)
			if err != nil {
				return err
			}
			others, err := tx.ReservedQty(ctx, p.ID, now, req.SessionID)
			if err != nil {
				return err
			}
			if avail := p.Stock - others; it.Qty > avail {
				short = append(short, orders.StockRejectedDetail{
					ProductID: p.ID, Required: it.Qty, Available: max(avail, 0),
				})
			}
			prices[p.ID] = p.PriceCents
		}
		if len(short) > 0 {
			return &orders.StockError{Code: orders.ErrStockUnavailable, Details: short}
		}

		ids := make([]string, 0, len(merged))
		items := make([]orders.OrderItem, 0, len(merged))
		total := 0
		for _, it := range merged {
			m, mevs, err := c.Ledger.Apply(ctx, tx, inventory.MovementInput{
				ProductID: it.ProductID,
				Delta:     -it.Qty,
				Type:      orders.MovementOrderPlaced,
				Reason:    "order placed",
				OrderID:   req.OrderID,
				ActorID:   req.UserID,
			})
			if err != nil {
				return unavailable(err)
			}
			res.Movements = append(res.Movements, m)
			evs = append(evs, mevs...)

			ids = append(ids, it.ProductID)
			items = append(items, orders.OrderItem{
				OrderID: req.OrderID, ProductID: it.ProductID, Qty: it.Qty, PriceCents: prices[it.ProductID],
			})
			total += it.Qty * prices[it.ProductID]
		}
		if req.SessionID != "" {
			if _, err := tx.DeleteSessionReservations(ctx, req.SessionID, ids); err != nil {
				return fmt.Errorf("delete holds: %w", err)
			}
		}

		o := orders.Order{
			ID:             req.OrderID,
			UserID:         req.UserID,
			TotalCents:     total,
			Status:         initial,
			PaymentStatus:  orders.PaymentPaid,
			StockCommitted: true,
		}
		_, oevs, err := c.Machine.Create(ctx, tx, o, items, paymentReason(req.PaymentRef), systemActor)
		if err != nil {
			return err
		}
		evs = append(evs, oevs...)
		res.Order, err = tx.GetOrder(ctx, o.ID)
		return err
	})
	if err != nil {
		return CommitResult{}, nil, err
	}
	return res, evs, nil
}

// replay returns what the first commit of o wrote. A request whose basket
// differs from the stored items still replays; the difference is logged.
func (c *Coordinator) replay(ctx context.Context, tx store.Tx, o orders.Order, merged []orders.ItemQty) (CommitResult, error) {
	ms, err := tx.MovementsByOrder(ctx, o.ID, orders.MovementOrderPlaced)
	if err != nil {
		return CommitResult{}, err
	}
	stored, err := tx.OrderItems(ctx, o.ID)
	if err != nil {
		return CommitResult{}, err
	}
	if !sameItems(stored, merged) {
		c.Log.Warn("commit replay with a different basket",
			zap.String("order_id", o.ID), zap.Int("stored_items", len(stored)), zap.Int("requested_items", len(merged)))
	}
	return CommitResult{Order: o, Movements: ms, Replayed: true}, nil
}

// sameItems compares stored order items with a merged request basket.
func sameItems(stored []orders.OrderItem, merged []orders.ItemQty) bool {
	if len(stored) != len(merged) {
		return false
	}
	want := make(map[string]int, len(merged))
	for _, it := range merged {
		want[it.ProductID] = it.Qty
	}
	for _, it := range stored {
		if want[it.ProductID] != it.Qty {
			return false
		}
	}
	return true
}

// unavailable reports a ledger underflow during commit as ErrStockUnavailable.
func unavailable(err error) error {
	var se *orders.StockError
	if errors.As(err, &se) && errors.Is(err, orders.ErrInsufficientStock) {
		return &orders.StockError{Code: orders.ErrStockUnavailable, Details: se.Details}
	}
	return err
}

func paymentReason(ref string) string {
	if ref == "" {
		return "payment confirmed"
	}
	return "payment confirmed: " + ref
}
