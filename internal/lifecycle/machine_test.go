package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	"github.com/ariefcatur/storefront-inventory/internal/lifecycle"
	"github.com/ariefcatur/storefront-inventory/internal/memstore"
	"github.com/ariefcatur/storefront-inventory/internal/notify"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"github.com/ariefcatur/storefront-inventory/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memCache struct {
	mu   sync.Mutex
	last map[string]orders.Order
	err  error
}

func (c *memCache) Put(_ context.Context, o orders.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.last == nil {
		c.last = map[string]orders.Order{}
	}
	c.last[o.ID] = o
	return nil
}

type fixture struct {
	st    *memstore.Store
	rec   *notify.Recorder
	cache *memCache
	led   *inventory.Ledger
	m     *lifecycle.Machine
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:    memstore.New(),
		rec:   &notify.Recorder{},
		cache: &memCache{},
		now:   time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
	}
	log := zap.NewNop()
	f.led = inventory.NewLedger(f.st, f.rec, log)
	f.m = lifecycle.NewMachine(f.st, f.led, f.rec, f.cache, log)
	f.m.Now = func() time.Time { return f.now }
	storetest.SeedProduct(t, f.st, "p1", 5, 1000)
	storetest.SeedProduct(t, f.st, "p2", 9, 250)
	return f
}

// placeOrder creates an order the way checkout does: stock is decremented
// and the order is created in one transaction.
func (f *fixture) placeOrder(t *testing.T, id string, status orders.Status, payment orders.PaymentStatus, items ...orders.OrderItem) {
	t.Helper()
	var evs []orders.Event
	require.NoError(t, f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		total := 0
		for i := range items {
			items[i].OrderID = id
			total += items[i].Qty * items[i].PriceCents
			_, mevs, err := f.led.Apply(ctx, tx, inventory.MovementInput{
				ProductID: items[i].ProductID, Delta: -items[i].Qty, Type: orders.MovementOrderPlaced, OrderID: id,
			})
			if err != nil {
				return err
			}
			evs = append(evs, mevs...)
		}
		o := orders.Order{
			ID: id, UserID: "u1", TotalCents: total, Status: status,
			PaymentStatus: payment, StockCommitted: len(items) > 0,
		}
		_, oevs, err := f.m.Create(ctx, tx, o, items, "payment confirmed", "checkout")
		evs = append(evs, oevs...)
		return err
	}))
	o, err := f.st.GetOrder(context.Background(), id)
	require.NoError(t, err)
	f.m.Refresh(context.Background(), o, evs)
}

func (f *fixture) move(t *testing.T, id string, to orders.Status, reason string) lifecycle.TransitionResult {
	t.Helper()
	res, err := f.m.Transition(context.Background(), lifecycle.TransitionRequest{OrderID: id, Target: to, Reason: reason, ActorID: "admin"})
	require.NoError(t, err, "%s -> %s", id, to)
	return res
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := f.st.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) history(t *testing.T, id string) []orders.StatusHistory {
	t.Helper()
	h, err := f.m.History(context.Background(), id)
	require.NoError(t, err)
	return h
}

func TestDeliveredRejectsProcessingAcceptsReturnRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placeOrder(t, "o1", orders.StatusConfirmed, orders.PaymentPaid, orders.OrderItem{ProductID: "p1", Qty: 1, PriceCents: 1000})
	f.move(t, "o1", orders.StatusShipped, "")
	f.move(t, "o1", orders.StatusDelivered, "")
	before := f.history(t, "o1")

	_, err := f.m.Transition(ctx, lifecycle.TransitionRequest{OrderID: "o1", Target: orders.StatusProcessing, ActorID: "admin"})
	require.ErrorIs(t, err, orders.ErrInvalidTransition)
	var te *orders.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, orders.StatusDelivered, te.From)
	assert.Equal(t, orders.StatusProcessing, te.To)
	assert.Len(t, f.history(t, "o1"), len(before))

	res := f.move(t, "o1", orders.StatusReturnRequested, "wrong size")
	after := f.history(t, "o1")
	require.Len(t, after, len(before)+1)
	last := after[len(after)-1]
	assert.Equal(t, res.Entry, last)
	assert.Equal(t, orders.StatusReturnRequested, last.Status)
	assert.Equal(t, orders.ProcessReturn, last.ProcessType)
	assert.Equal(t, "wrong size", last.Reason)
	assert.Equal(t, "admin", last.UpdatedBy)
}

func TestRefundIsNotRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placeOrder(t, "o1", orders.StatusConfirmed, orders.PaymentPaid, orders.OrderItem{ProductID: "p1", Qty: 2, PriceCents: 1000})
	f.move(t, "o1", orders.StatusCancelled, "customer request")
	f.move(t, "o1", orders.StatusRefunded, "")

	before, err := f.st.GetOrder(ctx, "o1")
	require.NoError(t, err)
	hist := f.history(t, "o1")

	_, err = f.m.Transition(ctx, lifecycle.TransitionRequest{OrderID: "o1", Target: orders.StatusRefunded})
	require.ErrorIs(t, err, orders.ErrAlreadyRefunded)

	after, err := f.st.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, hist, f.history(t, "o1"))
	assert.Equal(t, orders.PaymentRefunded, after.PaymentStatus)

	refunds := f.rec.OfType(orders.EventRefundRequested)
	require.Len(t, refunds, 1)
	assert.Equal(t, orders.RefundRequestedPayload{OrderID: "o1", AmountCents: 2000}, refunds[0].Payload)
}

func TestCancelRestocksOnce(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o1", orders.StatusConfirmed, orders.PaymentPaid,
		orders.OrderItem{ProductID: "p1", Qty: 2, PriceCents: 1000},
		orders.OrderItem{ProductID: "p2", Qty: 3, PriceCents: 250},
	)
	assert.Equal(t, 3, f.stock(t, "p1"))
	assert.Equal(t, 6, f.stock(t, "p2"))

	res := f.move(t, "o1", orders.StatusCancelled, "fraud check failed")
	require.Len(t, res.Movements, 2)
	for _, m := range res.Movements {
		assert.Equal(t, orders.MovementReturn, m.MovementType)
		assert.Equal(t, "o1", m.OrderID)
	}
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, 9, f.stock(t, "p2"))
	assert.False(t, res.Order.StockCommitted)
	assert.Equal(t, "fraud check failed", res.Order.CancellationReason)

	res = f.move(t, "o1", orders.StatusRefunded, "")
	assert.Empty(t, res.Movements)
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, orders.ProcessOrder, res.Entry.ProcessType)
}

func TestReturnFlow(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o1", orders.StatusConfirmed, orders.PaymentPaid, orders.OrderItem{ProductID: "p1", Qty: 1, PriceCents: 1000})
	f.move(t, "o1", orders.StatusShipped, "")
	f.move(t, "o1", orders.StatusDelivered, "")
	f.move(t, "o1", orders.StatusReturnRequested, "defect")
	assert.Equal(t, 4, f.stock(t, "p1"))

	res := f.move(t, "o1", orders.StatusReturned, "received at warehouse")
	require.Len(t, res.Movements, 1)
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, orders.ProcessReturn, res.Entry.ProcessType)

	res = f.move(t, "o1", orders.StatusRefunded, "")
	assert.Equal(t, orders.ProcessReturn, res.Entry.ProcessType)
	assert.Empty(t, res.Movements)

	var statuses []orders.Status
	for _, h := range f.history(t, "o1") {
		statuses = append(statuses, h.Status)
	}
	assert.Equal(t, []orders.Status{
		orders.StatusConfirmed, orders.StatusShipped, orders.StatusDelivered,
		orders.StatusReturnRequested, orders.StatusReturned, orders.StatusRefunded,
	}, statuses)
}

func TestShippingAndDeliveryFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placeOrder(t, "o1", orders.StatusConfirmed, orders.PaymentPaid, orders.OrderItem{ProductID: "p1", Qty: 1, PriceCents: 1000})

	eta := f.now.Add(72 * time.Hour)
	res, err := f.m.Transition(ctx, lifecycle.TransitionRequest{
		OrderID: "o1", Target: orders.StatusShipped, TrackingNumber: "1Z999", EstimatedDelivery: &eta,
	})
	require.NoError(t, err)
	assert.Equal(t, "1Z999", res.Order.TrackingNumber)
	require.NotNil(t, res.Order.EstimatedDelivery)
	assert.Equal(t, eta, *res.Order.EstimatedDelivery)
	assert.Nil(t, res.Order.ActualDelivery)

	f.now = f.now.Add(48 * time.Hour)
	res = f.move(t, "o1", orders.StatusDelivered, "")
	require.NotNil(t, res.Order.ActualDelivery)
	assert.Equal(t, f.now, *res.Order.ActualDelivery)
	assert.Equal(t, f.now, res.Order.UpdatedAt)
}

func TestCancelRequiresReason(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o1", orders.StatusPending, orders.PaymentPaid, orders.OrderItem{ProductID: "p1", Qty: 1, PriceCents: 1000})

	_, err := f.m.Transition(context.Background(), lifecycle.TransitionRequest{OrderID: "o1", Target: orders.StatusCancelled})
	require.ErrorIs(t, err, orders.ErrReasonRequired)
	assert.Len(t, f.history(t, "o1"), 1)
	assert.Equal(t, 4, f.stock(t, "p1"))
}

func TestRefundNeedsPaidPayment(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o1", orders.StatusPending, orders.PaymentPending)
	f.move(t, "o1", orders.StatusCancelled, "payment never arrived")

	_, err := f.m.Transition(context.Background(), lifecycle.TransitionRequest{OrderID: "o1", Target: orders.StatusRefunded})
	require.ErrorIs(t, err, orders.ErrNotRefundable)
	assert.Empty(t, f.rec.OfType(orders.EventRefundRequested))
}

func TestCancelWithoutCommittedStockWritesNoMovement(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o1", orders.StatusPending, orders.PaymentPending)

	res := f.move(t, "o1", orders.StatusCancelled, "abandoned")
	assert.Empty(t, res.Movements)
	assert.Equal(t, 5, f.stock(t, "p1"))
}

func TestUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Transition(context.Background(), lifecycle.TransitionRequest{OrderID: "nope", Target: orders.StatusShipped})
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	_, err = f.m.History(context.Background(), "nope")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestCreateRejectsNonInitialStatus(t *testing.T) {
	f := newFixture(t)
	err := f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, _, err := f.m.Create(ctx, tx, orders.Order{ID: "o9", Status: orders.StatusShipped}, nil, "", "")
		return err
	})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestStatusEventsAndCache(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o1", orders.StatusConfirmed, orders.PaymentPaid, orders.OrderItem{ProductID: "p1", Qty: 1, PriceCents: 1000})
	f.move(t, "o1", orders.StatusShipped, "")

	evs := f.rec.OfType(orders.EventOrderStatusChanged)
	require.Len(t, evs, 2)
	assert.Equal(t, orders.OrderStatusChangedPayload{
		OrderID: "o1", UserID: "u1", From: orders.StatusConfirmed, To: orders.StatusShipped, UpdatedBy: "admin",
	}, evs[1].Payload)
	assert.Equal(t, orders.StatusShipped, f.cache.last["o1"].Status)

	// a broken cache never fails the transition
	f.cache.err = errors.New("redis down")
	f.move(t, "o1", orders.StatusDelivered, "")
	assert.Len(t, f.rec.OfType(orders.EventOrderStatusChanged), 3)
}

func TestConcurrentCancelRestocksOnce(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o1", orders.StatusConfirmed, orders.PaymentPaid, orders.OrderItem{ProductID: "p1", Qty: 2, PriceCents: 1000})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.m.Transition(context.Background(), lifecycle.TransitionRequest{OrderID: "o1", Target: orders.StatusCancelled, Reason: "dup"})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, orders.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 5, f.stock(t, "p1"))
}

func TestCancelledReturnRequestRestocksOnce(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o1", orders.StatusConfirmed, orders.PaymentPaid, orders.OrderItem{ProductID: "p1", Qty: 2, PriceCents: 1000})
	f.move(t, "o1", orders.StatusShipped, "")
	f.move(t, "o1", orders.StatusDelivered, "")
	f.move(t, "o1", orders.StatusReturnRequested, "damaged")
	assert.Equal(t, 3, f.stock(t, "p1"))

	res := f.move(t, "o1", orders.StatusCancelled, "return approved without shipment back")
	require.Len(t, res.Movements, 1)
	assert.Equal(t, orders.MovementReturn, res.Movements[0].MovementType)
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.False(t, res.Order.StockCommitted)

	res = f.move(t, "o1", orders.StatusRefunded, "")
	assert.Empty(t, res.Movements)
	assert.Equal(t, 5, f.stock(t, "p1"))
}
