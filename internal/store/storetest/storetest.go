// Package storetest is a behavioural suite every store.Store must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the suite. newStore may return a shared store; every test
// uses fresh ids.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("SaveProductKeepsStock", func(t *testing.T) { testSaveProduct(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("MovementsPaging", func(t *testing.T) { testMovements(t, newStore(t)) })
	t.Run("ReservedQty", func(t *testing.T) { testReservedQty(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("DeleteSessionReservations", func(t *testing.T) { testDeleteSession(t, newStore(t)) })
	t.Run("Orders", func(t *testing.T) { testOrders(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newStore(t)) })
	t.Run("ConcurrentDuplicateCommit", func(t *testing.T) { testConcurrentDuplicateCommit(t, newStore(t)) })
}

func uid(prefix string) string { return prefix + "-" + uuid.NewString()[:8] }

// SeedProduct creates a product and sets its stock directly, bypassing the
// ledger.
func SeedProduct(t *testing.T, st store.Store, id string, stock, price int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveProduct(ctx, orders.Product{ID: id, SKU: "sku-" + id, Name: "Product " + id, PriceCents: price}))
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetStock(ctx, id, stock, time.Now().UTC())
	}))
}

func testSaveProduct(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := uid("p")
	SeedProduct(t, st, id, 7, 1500)

	require.NoError(t, st.SaveProduct(ctx, orders.Product{ID: id, SKU: "sku-" + id, Name: "Renamed", PriceCents: 1800, Stock: 99}))
	p, err := st.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", p.Name)
	assert.Equal(t, 1800, p.PriceCents)
	assert.Equal(t, 7, p.Stock)
}

var errAbort = errors.New("abort")

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := uid("p")
	SeedProduct(t, st, id, 5, 100)

	err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockProduct(ctx, id)
		require.NoError(t, err)
		m := orders.StockMovement{
			ProductID: id, QuantityDelta: -2, MovementType: orders.MovementManualUpdate,
			PreviousStock: p.Stock, NewStock: p.Stock - 2, CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, tx.InsertMovement(ctx, &m))
		require.NoError(t, tx.SetStock(ctx, id, p.Stock-2, time.Now().UTC()))
		require.NoError(t, tx.InsertReservation(ctx, orders.Reservation{
			ID: uuid.NewString(), ProductID: id, Quantity: 1, SessionID: uid("s"),
			ExpiresAt: time.Now().Add(time.Hour).UTC(), CreatedAt: time.Now().UTC(),
		}))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	p, err := st.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
	ms, err := st.MovementsBefore(ctx, id, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, ms)
	n, err := st.ReservedQty(ctx, id, time.Now().UTC(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testMovements(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := uid("p")
	SeedProduct(t, st, id, 0, 100)

	stock := 0
	var ids []int64
	for i := 1; i <= 5; i++ {
		require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			m := orders.StockMovement{
				ProductID: id, QuantityDelta: i, MovementType: orders.MovementRestock,
				PreviousStock: stock, NewStock: stock + i, OrderID: "", CreatedAt: time.Now().UTC(),
			}
			if err := tx.InsertMovement(ctx, &m); err != nil {
				return err
			}
			ids = append(ids, m.ID)
			stock += i
			return tx.SetStock(ctx, id, stock, m.CreatedAt)
		}))
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	first, err := st.MovementsBefore(ctx, id, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 5, first[0].QuantityDelta)
	assert.Equal(t, 4, first[1].QuantityDelta)

	rest, err := st.MovementsBefore(ctx, id, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, 1, rest[2].QuantityDelta)
	assert.Equal(t, 0, rest[2].PreviousStock)
}

func insertHold(t *testing.T, st store.Store, productID, session string, qty int, expires time.Time) {
	t.Helper()
	require.NoError(t, st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertReservation(ctx, orders.Reservation{
			ID: uuid.NewString(), ProductID: productID, Quantity: qty, SessionID: session,
			ExpiresAt: expires, CreatedAt: time.Now().UTC(),
		})
	}))
}

func testReservedQty(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := uid("p")
	SeedProduct(t, st, id, 10, 100)
	now := time.Now().UTC()
	a, b := uid("s"), uid("s")

	insertHold(t, st, id, a, 2, now.Add(time.Hour))
	insertHold(t, st, id, b, 3, now.Add(time.Hour))
	insertHold(t, st, id, b, 4, now.Add(-time.Minute))

	n, err := st.ReservedQty(ctx, id, now, "")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = st.ReservedQty(ctx, id, now, a)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	holds, err := st.SessionReservations(ctx, b)
	require.NoError(t, err)
	assert.Len(t, holds, 2)
}

func testDeleteExpired(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := uid("p")
	SeedProduct(t, st, id, 10, 100)
	now := time.Now().UTC()
	s := uid("s")

	insertHold(t, st, id, s, 1, now.Add(-time.Second))
	insertHold(t, st, id, s, 2, now.Add(time.Hour))

	n, err := st.DeleteExpiredReservations(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	n, err = st.DeleteExpiredReservations(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	holds, err := st.SessionReservations(ctx, s)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, 2, holds[0].Quantity)
}

func testDeleteSession(t *testing.T, st store.Store) {
	ctx := context.Background()
	p1, p2 := uid("p"), uid("p")
	SeedProduct(t, st, p1, 10, 100)
	SeedProduct(t, st, p2, 10, 100)
	s := uid("s")
	exp := time.Now().Add(time.Hour).UTC()
	insertHold(t, st, p1, s, 1, exp)
	insertHold(t, st, p2, s, 1, exp)

	var n int64
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.DeleteSessionReservations(ctx, s, []string{p1})
		return err
	}))
	assert.Equal(t, int64(1), n)

	holds, err := st.SessionReservations(ctx, s)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, p2, holds[0].ProductID)

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.DeleteSessionReservations(ctx, s, nil)
		return err
	}))
	assert.Equal(t, int64(1), n)
}

func testOrders(t *testing.T, st store.Store) {
	ctx := context.Background()
	pid := uid("p")
	SeedProduct(t, st, pid, 10, 250)
	oid := uid("o")
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o := orders.Order{
			ID: oid, UserID: "u1", TotalCents: 500, Status: orders.StatusConfirmed,
			PaymentStatus: orders.PaymentPaid, StockCommitted: true, CreatedAt: now, UpdatedAt: now,
		}
		if err := tx.InsertOrder(ctx, o, []orders.OrderItem{{OrderID: oid, ProductID: pid, Qty: 2, PriceCents: 250}}); err != nil {
			return err
		}
		h := orders.StatusHistory{OrderID: oid, Status: o.Status, ProcessType: orders.ProcessOrder, CreatedAt: now}
		return tx.InsertHistory(ctx, &h)
	}))

	err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertOrder(ctx, orders.Order{ID: oid, UserID: "u1", Status: orders.StatusPending, PaymentStatus: orders.PaymentPaid, CreatedAt: now, UpdatedAt: now}, nil)
	})
	require.Error(t, err, "duplicate order id must be rejected")

	shipped := now.Add(48 * time.Hour)
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, oid)
		if err != nil {
			return err
		}
		items, err := tx.OrderItems(ctx, oid)
		if err != nil {
			return err
		}
		require.Len(t, items, 1)
		assert.Equal(t, 2, items[0].Qty)

		o.Status = orders.StatusShipped
		o.TrackingNumber = "TRK-1"
		o.EstimatedDelivery = &shipped
		o.UpdatedAt = now.Add(time.Minute)
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		h := orders.StatusHistory{OrderID: oid, Status: o.Status, Reason: "picked up", UpdatedBy: "admin", ProcessType: orders.ProcessOrder, CreatedAt: o.UpdatedAt}
		return tx.InsertHistory(ctx, &h)
	}))

	o, err := st.GetOrder(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, o.Status)
	assert.Equal(t, "TRK-1", o.TrackingNumber)
	require.NotNil(t, o.EstimatedDelivery)
	assert.WithinDuration(t, shipped, *o.EstimatedDelivery, time.Millisecond)
	assert.Nil(t, o.ActualDelivery)
	assert.True(t, o.StockCommitted)

	hist, err := st.History(ctx, oid)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, orders.StatusConfirmed, hist[0].Status)
	assert.Equal(t, orders.StatusShipped, hist[1].Status)
	assert.Equal(t, "admin", hist[1].UpdatedBy)
}

func testNotFound(t *testing.T, st store.Store) {
	ctx := context.Background()
	_, err := st.GetProduct(ctx, uid("missing"))
	assert.ErrorIs(t, err, orders.ErrProductNotFound)
	_, err = st.GetOrder(ctx, uid("missing"))
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	err = st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockProduct(ctx, uid("missing"))
		return err
	})
	assert.ErrorIs(t, err, orders.ErrProductNotFound)
	err = st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockOrder(ctx, uid("missing"))
		return err
	})
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}
