// Package lifecycle owns order status and its append-only history.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	"github.com/ariefcatur/storefront-inventory/internal/metrics"
	"github.com/ariefcatur/storefront-inventory/internal/notify"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"go.uber.org/zap"
)

// StatusCache is the read-through cache refreshed after every committed
// status change. Failures are logged only.
type StatusCache interface {
	Put(ctx context.Context, o orders.Order) error
}

type Machine struct {
	Store     store.Store
	Ledger    *inventory.Ledger
	Publisher notify.Publisher
	Cache     StatusCache
	Log       *zap.Logger

	Now func() time.Time
}

func NewMachine(st store.Store, ledger *inventory.Ledger, pub notify.Publisher, cache StatusCache, log *zap.Logger) *Machine {
	return &Machine{Store: st, Ledger: ledger, Publisher: pub, Cache: cache, Log: log}
}

type TransitionRequest struct {
	OrderID string
	Target  orders.Status
	Reason  string
	ActorID string

	// Only read when entering shipped.
	TrackingNumber    string
	EstimatedDelivery *time.Time
}

type TransitionResult struct {
	Order     orders.Order
	From      orders.Status
	Entry     orders.StatusHistory
	Movements []orders.StockMovement
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Transition moves an order to req.Target in one transaction and publishes
// the status change once it has committed.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	defer metrics.ObserveTx("transition", time.Now())

	var (
		res TransitionResult
		evs []orders.Event
	)
	err := m.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, evs, err = m.Apply(ctx, tx, req)
		return err
	})
	if err != nil {
		metrics.TransitionsRejected.WithLabelValues(rejectReason(err)).Inc()
		return TransitionResult{}, err
	}

	metrics.Transitions.WithLabelValues(string(res.Order.Status)).Inc()
	inventory.CountMovements(res.Movements...)
	m.Log.Info("order status changed",
		zap.String("order_id", res.Order.ID),
		zap.String("from", string(res.From)),
		zap.String("to", string(res.Order.Status)),
		zap.String("actor_id", req.ActorID),
	)
	m.afterCommit(ctx, res.Order, evs)
	return res, nil
}

// Apply validates and applies one transition inside the caller's transaction.
// Checks run in this order: order exists, refund repeated, table, reason and
// refundability.
func (m *Machine) Apply(ctx context.Context, tx store.Tx, req TransitionRequest) (TransitionResult, []orders.Event, error) {
	o, err := tx.LockOrder(ctx, req.OrderID)
	if err != nil {
		return TransitionResult{}, nil, err
	}
	from := o.Status

	if req.Target == orders.StatusRefunded && from == orders.StatusRefunded {
		return TransitionResult{}, nil, orders.ErrAlreadyRefunded
	}
	if !orders.CanTransition(from, req.Target) {
		return TransitionResult{}, nil, &orders.TransitionError{From: from, To: req.Target}
	}
	switch req.Target {
	case orders.StatusCancelled:
		if req.Reason == "" {
			return TransitionResult{}, nil, orders.ErrReasonRequired
		}
	case orders.StatusRefunded:
		if !o.PaymentStatus.Refundable() {
			return TransitionResult{}, nil, fmt.Errorf("%w: payment is %s", orders.ErrNotRefundable, o.PaymentStatus)
		}
	}

	now := m.now()
	res := TransitionResult{From: from}
	var evs []orders.Event

	o.Status = req.Target
	o.UpdatedAt = now
	switch req.Target {
	case orders.StatusShipped:
		if req.TrackingNumber != "" {
			o.TrackingNumber = req.TrackingNumber
		}
		if req.EstimatedDelivery != nil {
			t := req.EstimatedDelivery.UTC()
			o.EstimatedDelivery = &t
		}
	case orders.StatusDelivered:
		o.ActualDelivery = &now
	case orders.StatusCancelled:
		o.CancellationReason = req.Reason
	case orders.StatusRefunded:
		o.PaymentStatus = orders.PaymentRefunded
		evs = append(evs, orders.Event{
			Type:  orders.EventRefundRequested,
			Topic: orders.TopicRefundRequested,
			Key:   o.ID,
			Payload: orders.RefundRequestedPayload{
				OrderID: o.ID, AmountCents: o.TotalCents, Reason: req.Reason,
			},
		})
	}

	if restocks(req.Target) && o.StockCommitted {
		items, err := tx.OrderItems(ctx, o.ID)
		if err != nil {
			return TransitionResult{}, nil, fmt.Errorf("order items: %w", err)
		}
		for _, it := range items {
			mv, mevs, err := m.Ledger.Apply(ctx, tx, inventory.MovementInput{
				ProductID: it.ProductID,
				Delta:     it.Qty,
				Type:      orders.MovementReturn,
				Reason:    fmt.Sprintf("order %s %s", o.ID, req.Target),
				OrderID:   o.ID,
				ActorID:   req.ActorID,
			})
			if err != nil {
				return TransitionResult{}, nil, fmt.Errorf("restock %s: %w", it.ProductID, err)
			}
			res.Movements = append(res.Movements, mv)
			evs = append(evs, mevs...)
		}
		o.StockCommitted = false
	}

	if err := tx.UpdateOrder(ctx, o); err != nil {
		return TransitionResult{}, nil, fmt.Errorf("update order: %w", err)
	}
	h := orders.StatusHistory{
		OrderID:     o.ID,
		Status:      o.Status,
		Reason:      req.Reason,
		UpdatedBy:   req.ActorID,
		ProcessType: orders.ProcessTypeFor(from, req.Target),
		CreatedAt:   now,
	}
	if err := tx.InsertHistory(ctx, &h); err != nil {
		return TransitionResult{}, nil, fmt.Errorf("insert history: %w", err)
	}

	res.Order = o
	res.Entry = h
	evs = append(evs, orders.StatusChangedEvent(o, from, req.Reason, req.ActorID))
	return res, evs, nil
}

// Create inserts a new order in its initial status together with the first
// history row. Only pending and confirmed are initial statuses.
func (m *Machine) Create(ctx context.Context, tx store.Tx, o orders.Order, items []orders.OrderItem, reason, actor string) (orders.StatusHistory, []orders.Event, error) {
	switch o.Status {
	case orders.StatusPending, orders.StatusConfirmed:
	default:
		return orders.StatusHistory{}, nil, &orders.TransitionError{To: o.Status}
	}
	now := m.now()
	o.CreatedAt, o.UpdatedAt = now, now
	if err := tx.InsertOrder(ctx, o, items); err != nil {
		return orders.StatusHistory{}, nil, fmt.Errorf("insert order: %w", err)
	}
	h := orders.StatusHistory{
		OrderID:     o.ID,
		Status:      o.Status,
		Reason:      reason,
		UpdatedBy:   actor,
		ProcessType: orders.ProcessOrder,
		CreatedAt:   now,
	}
	if err := tx.InsertHistory(ctx, &h); err != nil {
		return orders.StatusHistory{}, nil, fmt.Errorf("insert history: %w", err)
	}
	return h, []orders.Event{orders.StatusChangedEvent(o, "", reason, actor)}, nil
}

// History returns the audit trail oldest first.
func (m *Machine) History(ctx context.Context, orderID string) ([]orders.StatusHistory, error) {
	if _, err := m.Store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return m.Store.History(ctx, orderID)
}

// Refresh publishes evs and rewrites the cached status of o. Call it only
// after the transaction that changed o has committed.
func (m *Machine) Refresh(ctx context.Context, o orders.Order, evs []orders.Event) {
	m.afterCommit(ctx, o, evs)
}

func (m *Machine) afterCommit(ctx context.Context, o orders.Order, evs []orders.Event) {
	notify.PublishAll(ctx, m.Publisher, evs)
	if m.Cache == nil {
		return
	}
	if err := m.Cache.Put(ctx, o); err != nil {
		m.Log.Warn("refresh status cache", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func restocks(s orders.Status) bool {
	return s == orders.StatusCancelled || s == orders.StatusReturned
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, orders.ErrAlreadyRefunded):
		return "already_refunded"
	case errors.Is(err, orders.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, orders.ErrReasonRequired):
		return "reason_required"
	case errors.Is(err, orders.ErrNotRefundable):
		return "not_refundable"
	}
	return "error"
}
