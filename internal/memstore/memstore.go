// Package memstore is a single-process store.Store used for local runs and
// tests. Every transaction holds one exclusive lock for its whole duration and
// works on a copy of the data that replaces the live state only on commit.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
)

type data struct {
	products     map[string]orders.Product
	movements    []orders.StockMovement
	reservations map[string]orders.Reservation
	orders       map[string]orders.Order
	items        map[string][]orders.OrderItem
	history      []orders.StatusHistory
	movementSeq  int64
	historySeq   int64
}

func (d *data) clone() *data {
	c := &data{
		products:     maps.Clone(d.products),
		movements:    slices.Clone(d.movements),
		reservations: maps.Clone(d.reservations),
		orders:       maps.Clone(d.orders),
		items:        make(map[string][]orders.OrderItem, len(d.items)),
		history:      slices.Clone(d.history),
		movementSeq:  d.movementSeq,
		historySeq:   d.historySeq,
	}
	for k, v := range d.items {
		c.items[k] = slices.Clone(v)
	}
	return c
}

type Store struct {
	mu sync.RWMutex
	d  *data
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{d: &data{
		products:     map[string]orders.Product{},
		reservations: map[string]orders.Reservation{},
		orders:       map[string]orders.Order{},
		items:        map[string][]orders.OrderItem{},
	}}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.d.clone()
	if err := fn(ctx, &tx{view{work}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.d = work
	return nil
}

func (s *Store) read() view {
	return view{s.d}
}

func (s *Store) DeleteExpiredReservations(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.d.reservations {
		if r.ExpiresAt.Before(now) {
			delete(s.d.reservations, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) SaveProduct(_ context.Context, p orders.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.d.products[p.ID]; ok {
		p.Stock = cur.Stock
	} else {
		p.Stock = 0
	}
	p.UpdatedAt = time.Now().UTC()
	s.d.products[p.ID] = p
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetProduct(ctx, id)
}

func (s *Store) ReservedQty(ctx context.Context, productID string, now time.Time, excludeSession string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ReservedQty(ctx, productID, now, excludeSession)
}

func (s *Store) MovementsBefore(ctx context.Context, productID string, beforeID int64, n int) ([]orders.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().MovementsBefore(ctx, productID, beforeID, n)
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetOrder(ctx, id)
}

func (s *Store) History(ctx context.Context, orderID string) ([]orders.StatusHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().History(ctx, orderID)
}

func (s *Store) SessionReservations(ctx context.Context, sessionID string) ([]orders.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().SessionReservations(ctx, sessionID)
}

// view implements store.Reader over one data snapshot. Callers hold the lock.
type view struct{ d *data }

func (v view) GetProduct(_ context.Context, id string) (orders.Product, error) {
	p, ok := v.d.products[id]
	if !ok {
		return orders.Product{}, orders.ErrProductNotFound
	}
	return p, nil
}

func (v view) ReservedQty(_ context.Context, productID string, now time.Time, excludeSession string) (int, error) {
	n := 0
	for _, r := range v.d.reservations {
		if r.ProductID != productID || !r.Active(now) {
			continue
		}
		if excludeSession != "" && r.SessionID == excludeSession {
			continue
		}
		n += r.Quantity
	}
	return n, nil
}

func (v view) MovementsBefore(_ context.Context, productID string, beforeID int64, n int) ([]orders.StockMovement, error) {
	var out []orders.StockMovement
	for i := len(v.d.movements) - 1; i >= 0 && len(out) < n; i-- {
		m := v.d.movements[i]
		if m.ProductID != productID || (beforeID > 0 && m.ID >= beforeID) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (v view) GetOrder(_ context.Context, id string) (orders.Order, error) {
	o, ok := v.d.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (v view) History(_ context.Context, orderID string) ([]orders.StatusHistory, error) {
	var out []orders.StatusHistory
	for _, h := range v.d.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (v view) SessionReservations(_ context.Context, sessionID string) ([]orders.Reservation, error) {
	var out []orders.Reservation
	for _, r := range v.d.reservations {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b orders.Reservation) int { return strings.Compare(a.ProductID, b.ProductID) })
	return out, nil
}

// tx implements store.Tx. The whole transaction already holds the store lock,
// so the row locks are implicit.
type tx struct{ view }

func (t *tx) LockProduct(ctx context.Context, id string) (orders.Product, error) {
	return t.GetProduct(ctx, id)
}

func (t *tx) SetStock(_ context.Context, productID string, stock int, at time.Time) error {
	p, ok := t.d.products[productID]
	if !ok {
		return orders.ErrProductNotFound
	}
	p.Stock = stock
	p.UpdatedAt = at
	t.d.products[productID] = p
	return nil
}

func (t *tx) InsertMovement(_ context.Context, m *orders.StockMovement) error {
	t.d.movementSeq++
	m.ID = t.d.movementSeq
	t.d.movements = append(t.d.movements, *m)
	return nil
}

func (t *tx) MovementsByOrder(_ context.Context, orderID string, mt orders.MovementType) ([]orders.StockMovement, error) {
	var out []orders.StockMovement
	for _, m := range t.d.movements {
		if m.OrderID == orderID && m.MovementType == mt {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *tx) InsertReservation(_ context.Context, r orders.Reservation) error {
	if _, ok := t.d.products[r.ProductID]; !ok {
		return orders.ErrProductNotFound
	}
	t.d.reservations[r.ID] = r
	return nil
}

func (t *tx) DeleteSessionReservations(_ context.Context, sessionID string, productIDs []string) (int64, error) {
	var n int64
	for id, r := range t.d.reservations {
		if r.SessionID != sessionID {
			continue
		}
		if len(productIDs) > 0 && !slices.Contains(productIDs, r.ProductID) {
			continue
		}
		delete(t.d.reservations, id)
		n++
	}
	return n, nil
}

// LockOrderID is a no-op: every transaction already holds the store mutex.
func (t *tx) LockOrderID(context.Context, string) error { return nil }

func (t *tx) LockOrder(ctx context.Context, id string) (orders.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *tx) InsertOrder(_ context.Context, o orders.Order, items []orders.OrderItem) error {
	if _, ok := t.d.orders[o.ID]; ok {
		return fmt.Errorf("insert order %s: %w", o.ID, orders.ErrOrderExists)
	}
	t.d.orders[o.ID] = o
	t.d.items[o.ID] = slices.Clone(items)
	return nil
}

func (t *tx) UpdateOrder(_ context.Context, o orders.Order) error {
	if _, ok := t.d.orders[o.ID]; !ok {
		return orders.ErrOrderNotFound
	}
	t.d.orders[o.ID] = o
	return nil
}

func (t *tx) OrderItems(_ context.Context, orderID string) ([]orders.OrderItem, error) {
	return slices.Clone(t.d.items[orderID]), nil
}

func (t *tx) InsertHistory(_ context.Context, h *orders.StatusHistory) error {
	t.d.historySeq++
	h.ID = t.d.historySeq
	t.d.history = append(t.d.history, *h)
	return nil
}
