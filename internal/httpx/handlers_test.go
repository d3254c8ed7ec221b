package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/storefront-inventory/internal/checkout"
	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	"github.com/ariefcatur/storefront-inventory/internal/lifecycle"
	"github.com/ariefcatur/storefront-inventory/internal/memstore"
	"github.com/ariefcatur/storefront-inventory/internal/notify"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testAPI struct {
	st     *memstore.Store
	router *chi.Mux
	cache  *redisx.StatusCache
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := zap.NewNop()
	st := memstore.New()
	rec := &notify.Recorder{}

	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisx.NewStatusCache(rdb)

	led := inventory.NewLedger(st, rec, log)
	res := inventory.NewReservations(st, log)
	m := lifecycle.NewMachine(st, led, rec, cache, log)
	c := checkout.NewCoordinator(st, led, m, log)

	r := NewRouter(log, st)
	(&InventoryHandler{Store: st, Ledger: led, Reservations: res, Log: log}).Register(r)
	(&OrdersHandler{Store: st, Coordinator: c, Machine: m, Cache: cache, Log: log}).Register(r)
	return &testAPI{st: st, router: r, cache: cache}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (a *testAPI) seed(t *testing.T, id string, stock, price int) {
	t.Helper()
	rr := a.do(t, http.MethodPut, "/products/"+id, ProductReq{SKU: "sku-" + id, Name: id, PriceCents: price})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	if stock > 0 {
		rr = a.do(t, http.MethodPost, "/products/"+id+"/movements", MovementReq{Delta: stock, Type: orders.MovementRestock, Reason: "seed", ActorID: "admin"})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}
}

func TestReserveEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "p1", 5, 1000)

	rr := a.do(t, http.MethodPost, "/reservations", ReserveReq{SessionID: "s1", Items: []orders.ItemQty{{ProductID: "p1", Qty: 3}}, TTLSeconds: 60})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decode[ReserveResp](t, rr)
	require.Len(t, resp.Reservations, 1)
	assert.Equal(t, resp.Reservations[0].ExpiresAt, resp.ExpiresAt)

	rr = a.do(t, http.MethodPost, "/reservations", ReserveReq{SessionID: "s2", Items: []orders.ItemQty{{ProductID: "p1", Qty: 3}}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode[errorBody](t, rr)
	assert.Equal(t, "insufficient_stock", body.Error)
	assert.Equal(t, []orders.StockRejectedDetail{{ProductID: "p1", Required: 3, Available: 2}}, body.Details)

	rr = a.do(t, http.MethodGet, "/products/p1/available", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"product_id":"p1","available":2}`, rr.Body.String())

	rr = a.do(t, http.MethodPost, "/reservations/s1/release", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = a.do(t, http.MethodGet, "/products/p1/available", nil)
	assert.JSONEq(t, `{"product_id":"p1","available":5}`, rr.Body.String())
}

func TestAvailabilityEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "p1", 2, 1000)

	rr := a.do(t, http.MethodPost, "/availability", AvailabilityReq{Items: []orders.ItemQty{{ProductID: "p1", Qty: 3}}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":false,"items":[{"product_id":"p1","requested":3,"available":2,"ok":false}]}`, rr.Body.String())

	rr = a.do(t, http.MethodPost, "/availability", AvailabilityReq{Items: []orders.ItemQty{{ProductID: "ghost", Qty: 1}}})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCommitAndTransitionEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "p1", 5, 1000)

	commit := CommitReq{SessionID: "s1", OrderID: "o1", UserID: "u1", Items: []orders.ItemQty{{ProductID: "p1", Qty: 2}}}
	rr := a.do(t, http.MethodPost, "/orders/commit", commit)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	cr := decode[CommitResp](t, rr)
	assert.Equal(t, orders.StatusConfirmed, cr.OrderStatus)
	assert.Equal(t, 2000, cr.TotalCents)
	require.Len(t, cr.Movements, 1)

	rr = a.do(t, http.MethodPost, "/orders/commit", commit)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[CommitResp](t, rr).Replayed)

	rr = a.do(t, http.MethodPost, "/orders/commit", CommitReq{OrderID: "o2", UserID: "u1", Items: []orders.ItemQty{{ProductID: "p1", Qty: 4}}})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "stock_unavailable", decode[errorBody](t, rr).Error)

	rr = a.do(t, http.MethodPost, "/orders/o1/transitions", TransitionReq{Status: orders.StatusShipped, ActorID: "admin", TrackingNumber: "TRK"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	tr := decode[TransitionResp](t, rr)
	assert.Equal(t, orders.StatusConfirmed, tr.From)
	assert.Equal(t, orders.StatusShipped, tr.History.Status)
	assert.Equal(t, "TRK", tr.Order.TrackingNumber)

	rr = a.do(t, http.MethodPost, "/orders/o1/transitions", TransitionReq{Status: orders.StatusPending})
	require.Equal(t, http.StatusConflict, rr.Code)
	eb := decode[errorBody](t, rr)
	assert.Equal(t, "invalid_transition", eb.Error)
	assert.Equal(t, orders.StatusShipped, eb.Current)
	assert.Equal(t, orders.StatusPending, eb.Target)

	rr = a.do(t, http.MethodPost, "/orders/o1/transitions", TransitionReq{Status: orders.StatusCancelled})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodPost, "/orders/missing/transitions", TransitionReq{Status: orders.StatusShipped})
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(t, http.MethodGet, "/orders/o1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[OrderResp](t, rr)
	assert.Equal(t, orders.StatusShipped, got.Order.Status)
	assert.Len(t, got.History, 2)
}

func TestRefundTwiceEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "p1", 5, 1000)
	rr := a.do(t, http.MethodPost, "/orders/commit", CommitReq{OrderID: "o1", UserID: "u1", Items: []orders.ItemQty{{ProductID: "p1", Qty: 1}}})
	require.Equal(t, http.StatusCreated, rr.Code)

	for _, s := range []orders.Status{orders.StatusCancelled, orders.StatusRefunded} {
		rr = a.do(t, http.MethodPost, "/orders/o1/transitions", TransitionReq{Status: s, Reason: "changed mind"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr = a.do(t, http.MethodPost, "/orders/o1/transitions", TransitionReq{Status: orders.StatusRefunded})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "already_refunded", decode[errorBody](t, rr).Error)
}

func TestStatusEndpointUsesCache(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "p1", 5, 1000)
	rr := a.do(t, http.MethodPost, "/orders/commit", CommitReq{OrderID: "o1", UserID: "u1", Items: []orders.ItemQty{{ProductID: "p1", Qty: 1}}})
	require.Equal(t, http.StatusCreated, rr.Code)

	cs, ok, err := a.cache.Get(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders.StatusConfirmed, cs.Status)

	rr = a.do(t, http.MethodGet, "/orders/o1/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, orders.StatusConfirmed, decode[redisx.CachedStatus](t, rr).Status)

	rr = a.do(t, http.MethodGet, "/orders/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMovementsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "p1", 5, 1000)
	rr := a.do(t, http.MethodPost, "/products/p1/movements", MovementReq{Delta: -2, Type: orders.MovementManualUpdate, Reason: "broken", ActorID: "admin"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = a.do(t, http.MethodPost, "/products/p1/movements", MovementReq{Delta: -1, Type: orders.MovementOrderPlaced})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = a.do(t, http.MethodPost, "/products/p1/movements", MovementReq{Delta: -10, Type: orders.MovementManualUpdate})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "insufficient_stock", decode[errorBody](t, rr).Error)

	rr = a.do(t, http.MethodGet, "/products/p1/movements?limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	ms := decode[[]orders.StockMovement](t, rr)
	require.Len(t, ms, 1)
	assert.Equal(t, -2, ms[0].QuantityDelta)
	assert.Equal(t, 3, ms[0].NewStock)

	rr = a.do(t, http.MethodGet, "/products/p1/movements?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = a.do(t, http.MethodGet, "/products/ghost/movements", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("db down") }

func TestHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter(zap.NewNop(), memstore.New()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	NewRouter(zap.NewNop(), downPinger{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = httptest.NewRecorder()
	NewRouter(zap.NewNop(), nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
