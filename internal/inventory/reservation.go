package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/metrics"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultReservationTTL = 15 * time.Minute

// Reservations manages checkout holds. A hold lowers availability without
// touching stock; it is created, then deleted by release, commit or expiry.
type Reservations struct {
	Store store.Store
	Log   *zap.Logger

	TTL time.Duration
	Now func() time.Time
}

func NewReservations(st store.Store, log *zap.Logger) *Reservations {
	return &Reservations{Store: st, Log: log, TTL: DefaultReservationTTL}
}

// Availability is one line of an advisory availability check.
type Availability struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	OK        bool   `json:"ok"`
}

func (r *Reservations) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Reserve holds every item for sessionID or nothing at all. Product rows are
// locked in ascending id order and availability is recomputed under the
// locks. A session's earlier hold on the same product is replaced, so it does
// not count against the new request.
//
// ttl <= 0 uses the configured default.
func (r *Reservations) Reserve(ctx context.Context, sessionID string, items []orders.ItemQty, ttl time.Duration) ([]orders.Reservation, error) {
	if sessionID == "" {
		return nil, orders.ErrSessionRequired
	}
	merged, err := orders.MergeItems(items)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = r.TTL
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	defer metrics.ObserveTx("reserve", time.Now())

	now := r.now()
	var out []orders.Reservation
	err = r.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = out[:0]
		var rejected []orders.StockRejectedDetail
		ids := make([]string, 0, len(merged))
		for _, it := range merged {
			p, err := tx.LockProduct(ctx, it.ProductID)
			if err != nil {
				return err
			}
			held, err := tx.ReservedQty(ctx, p.ID, now, sessionID)
			if err != nil {
				return err
			}
			if avail := p.Stock - held; it.Qty > avail {
				rejected = append(rejected, orders.StockRejectedDetail{
					ProductID: p.ID, Required: it.Qty, Available: max(avail, 0),
				})
			}
			ids = append(ids, p.ID)
		}
		if len(rejected) > 0 {
			return &orders.StockError{Code: orders.ErrInsufficientStock, Details: rejected}
		}

		if _, err := tx.DeleteSessionReservations(ctx, sessionID, ids); err != nil {
			return fmt.Errorf("replace holds: %w", err)
		}
		for _, it := range merged {
			res := orders.Reservation{
				ID:        uuid.NewString(),
				ProductID: it.ProductID,
				Quantity:  it.Qty,
				SessionID: sessionID,
				ExpiresAt: now.Add(ttl),
				CreatedAt: now,
			}
			if err := tx.InsertReservation(ctx, res); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			out = append(out, res)
		}
		return nil
	})
	switch {
	case err == nil:
		metrics.Reservations.WithLabelValues("ok").Inc()
	case isStockError(err):
		metrics.Reservations.WithLabelValues("rejected").Inc()
		return nil, err
	default:
		metrics.Reservations.WithLabelValues("error").Inc()
		return nil, err
	}

	r.Log.Debug("reserved", zap.String("session_id", sessionID), zap.Int("items", len(out)))
	return out, nil
}

// Release drops every hold of the session. Releasing an unknown or already
// released session is not an error.
func (r *Reservations) Release(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, orders.ErrSessionRequired
	}
	var n int64
	err := r.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.DeleteSessionReservations(ctx, sessionID, nil)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", sessionID, err)
	}
	return n, nil
}

// CheckAvailability answers without taking locks. The result is advisory;
// only Reserve and commit decide.
func (r *Reservations) CheckAvailability(ctx context.Context, items []orders.ItemQty) ([]Availability, error) {
	merged, err := orders.MergeItems(items)
	if err != nil {
		return nil, err
	}
	out := make([]Availability, 0, len(merged))
	for _, it := range merged {
		avail, err := r.Available(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		out = append(out, Availability{
			ProductID: it.ProductID,
			Requested: it.Qty,
			Available: avail,
			OK:        it.Qty <= avail,
		})
	}
	return out, nil
}

// Available is stock minus active holds, floored at zero.
func (r *Reservations) Available(ctx context.Context, productID string) (int, error) {
	p, err := r.Store.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	held, err := r.Store.ReservedQty(ctx, productID, r.now(), "")
	if err != nil {
		return 0, err
	}
	return max(p.Stock-held, 0), nil
}

// Holds lists the session's reservations, including expired ones that the
// sweeper has not removed yet.
func (r *Reservations) Holds(ctx context.Context, sessionID string) ([]orders.Reservation, error) {
	return r.Store.SessionReservations(ctx, sessionID)
}

func isStockError(err error) bool {
	var se *orders.StockError
	return errors.As(err, &se)
}
