package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/storefront-inventory/internal/checkout"
	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	kafkax "github.com/ariefcatur/storefront-inventory/internal/kafka"
	"github.com/ariefcatur/storefront-inventory/internal/lifecycle"
	"github.com/ariefcatur/storefront-inventory/internal/memstore"
	"github.com/ariefcatur/storefront-inventory/internal/notify"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/redisx"
	"github.com/ariefcatur/storefront-inventory/internal/store/storetest"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	st  *memstore.Store
	rec *notify.Recorder
	res *inventory.Reservations
	p   *Payments
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	f := &fixture{st: memstore.New(), rec: &notify.Recorder{}}
	led := inventory.NewLedger(f.st, f.rec, log)
	f.res = inventory.NewReservations(f.st, log)
	m := lifecycle.NewMachine(f.st, led, f.rec, nil, log)

	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })

	f.p = &Payments{
		Coordinator:  checkout.NewCoordinator(f.st, led, m, log),
		Reservations: f.res,
		Publisher:    f.rec,
		Dedup:        redisx.NewDedup(rdb, "test-worker"),
		Log:          log,
	}
	storetest.SeedProduct(t, f.st, "p1", 3, 1200)
	return f
}

func message(t *testing.T, topic, eventID, eventType string, payload any) kafkago.Message {
	t.Helper()
	env, err := kafkax.NewEnvelope(eventType, "payments", "", payload)
	require.NoError(t, err)
	env.EventID = eventID
	return kafkago.Message{Topic: topic, Value: kafkax.MustMarshal(env), Time: time.Now()}
}

func TestPaymentSucceededCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.res.Reserve(ctx, "s1", []orders.ItemQty{{ProductID: "p1", Qty: 2}}, 0)
	require.NoError(t, err)

	msg := message(t, orders.TopicPaymentSucceeded, "ev-1", orders.EventPaymentSucceeded, orders.PaymentSucceededPayload{
		OrderID: "o1", SessionID: "s1", UserID: "u1", PaymentRef: "pi_1", Items: []orders.ItemQty{{ProductID: "p1", Qty: 2}},
	})
	require.NoError(t, f.p.Handle(ctx, msg))

	o, err := f.st.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.Equal(t, 2400, o.TotalCents)

	// redelivery of the same event id is skipped
	require.NoError(t, f.p.Handle(ctx, msg))
	p, err := f.st.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)
}

func TestPaymentSucceededWithoutStockRequestsReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := message(t, orders.TopicPaymentSucceeded, "ev-2", orders.EventPaymentSucceeded, orders.PaymentSucceededPayload{
		OrderID: "o1", SessionID: "s1", UserID: "u1", PaymentRef: "pi_2", Items: []orders.ItemQty{{ProductID: "p1", Qty: 5}},
	})
	require.NoError(t, f.p.Handle(ctx, msg))

	evs := f.rec.OfType(orders.EventPaymentReversalRequested)
	require.Len(t, evs, 1)
	assert.Equal(t, orders.TopicPaymentReversalRequested, evs[0].Topic)
	pl := evs[0].Payload.(orders.PaymentReversalRequestedPayload)
	assert.Equal(t, "o1", pl.OrderID)
	assert.Equal(t, "pi_2", pl.PaymentRef)
	assert.Equal(t, []orders.StockRejectedDetail{{ProductID: "p1", Required: 5, Available: 3}}, pl.Details)

	_, err := f.st.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestPaymentFailedReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.res.Reserve(ctx, "s1", []orders.ItemQty{{ProductID: "p1", Qty: 3}}, 0)
	require.NoError(t, err)

	msg := message(t, orders.TopicPaymentFailed, "ev-3", orders.EventPaymentFailed, orders.PaymentFailedPayload{OrderID: "o1", SessionID: "s1", Reason: "card_declined"})
	require.NoError(t, f.p.Handle(ctx, msg))

	n, err := f.res.Available(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUndecodableAndUnknownEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.p.Handle(ctx, kafkago.Message{Topic: orders.TopicPaymentSucceeded, Value: []byte("{oops")}))
	require.NoError(t, f.p.Handle(ctx, message(t, orders.TopicPaymentSucceeded, "ev-4", "PaymentAuthorized", map[string]string{})))
	require.NoError(t, f.p.Handle(ctx, message(t, orders.TopicPaymentSucceeded, "ev-5", orders.EventPaymentSucceeded, orders.PaymentSucceededPayload{OrderID: "o1"})))
	assert.Empty(t, f.rec.Events())
}
