package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/ariefcatur/storefront-inventory/internal/checkout"
	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	"github.com/ariefcatur/storefront-inventory/internal/lifecycle"
	"github.com/ariefcatur/storefront-inventory/internal/notify"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// together starts n goroutines at once and waits for all of them.
func together(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn(i)
		}()
	}
	close(start)
	wg.Wait()
}

func testConcurrentReserve(t *testing.T, st store.Store) {
	res := inventory.NewReservations(st, zap.NewNop())
	for round := 0; round < 10; round++ {
		id := uid("p")
		SeedProduct(t, st, id, 5, 4999)

		errs := make([]error, 2)
		together(2, func(i int) {
			_, errs[i] = res.Reserve(context.Background(), uid("s"), []orders.ItemQty{{ProductID: id, Qty: 3}}, 0)
		})

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			require.ErrorIs(t, err, orders.ErrInsufficientStock)
		}
		require.Equal(t, 1, ok, "round %d", round)
		n, err := res.Available(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}
}

func testConcurrentDuplicateCommit(t *testing.T, st store.Store) {
	ctx := context.Background()
	log := zap.NewNop()
	rec := &notify.Recorder{}
	led := inventory.NewLedger(st, rec, log)
	res := inventory.NewReservations(st, log)
	c := checkout.NewCoordinator(st, led, lifecycle.NewMachine(st, led, rec, nil, log), log)

	pid, session, orderID := uid("p"), uid("s"), uid("o")
	SeedProduct(t, st, pid, 2, 1500)
	items := []orders.ItemQty{{ProductID: pid, Qty: 2}}
	_, err := res.Reserve(ctx, session, items, 0)
	require.NoError(t, err)

	results := make([]checkout.CommitResult, 3)
	errs := make([]error, len(results))
	together(len(results), func(i int) {
		results[i], errs[i] = c.Commit(ctx, checkout.CommitRequest{SessionID: session, OrderID: orderID, UserID: "u1", Items: items})
	})

	fresh := 0
	for i, err := range errs {
		require.NoError(t, err, "commit %d", i)
		if !results[i].Replayed {
			fresh++
		}
		require.Len(t, results[i].Movements, 1)
		assert.Equal(t, orderID, results[i].Order.ID)
	}
	assert.Equal(t, 1, fresh)

	p, err := st.GetProduct(ctx, pid)
	require.NoError(t, err)
	assert.Zero(t, p.Stock)
	ms, err := st.MovementsBefore(ctx, pid, 0, 10)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, orders.MovementOrderPlaced, ms[0].MovementType)
}
