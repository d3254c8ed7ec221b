package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/checkout"
	"github.com/ariefcatur/storefront-inventory/internal/lifecycle"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/redisx"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type OrdersHandler struct {
	Store       store.Store
	Coordinator *checkout.Coordinator
	Machine     *lifecycle.Machine
	// Cache may be nil; status reads then go to the store.
	Cache *redisx.StatusCache
	Log   *zap.Logger
}

type CommitReq struct {
	SessionID     string           `json:"session_id"`
	OrderID       string           `json:"order_id"`
	UserID        string           `json:"user_id"`
	Items         []orders.ItemQty `json:"items"`
	InitialStatus orders.Status    `json:"initial_status,omitempty"`
	PaymentRef    string           `json:"payment_ref,omitempty"`
}

type CommitResp struct {
	OrderID     string                 `json:"order_id"`
	OrderStatus orders.Status          `json:"order_status"`
	TotalCents  int                    `json:"total_cents"`
	Movements   []orders.StockMovement `json:"movements"`
	Replayed    bool                   `json:"replayed"`
}

type TransitionReq struct {
	Status            orders.Status `json:"status"`
	Reason            string        `json:"reason"`
	ActorID           string        `json:"actor_id"`
	TrackingNumber    string        `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time    `json:"estimated_delivery,omitempty"`
}

type TransitionResp struct {
	Order   orders.Order         `json:"order"`
	From    orders.Status        `json:"from"`
	History orders.StatusHistory `json:"history"`
}

type OrderResp struct {
	Order   orders.Order           `json:"order"`
	History []orders.StatusHistory `json:"history"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders/commit", h.commit)
	r.Post("/orders/{orderID}/transitions", h.transition)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Get("/orders/{orderID}/status", h.getStatus)
	r.Get("/orders/{orderID}/history", h.history)
}

func (h *OrdersHandler) commit(w http.ResponseWriter, r *http.Request) {
	var req CommitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.OrderID == "" || req.UserID == "" || len(req.Items) == 0 {
		badRequest(w, "missing fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Coordinator.Commit(ctx, checkout.CommitRequest{
		SessionID:     req.SessionID,
		OrderID:       req.OrderID,
		UserID:        req.UserID,
		Items:         req.Items,
		InitialStatus: req.InitialStatus,
		PaymentRef:    req.PaymentRef,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, CommitResp{
		OrderID:     res.Order.ID,
		OrderStatus: res.Order.Status,
		TotalCents:  res.Order.TotalCents,
		Movements:   res.Movements,
		Replayed:    res.Replayed,
	})
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.Status == "" {
		badRequest(w, "missing status")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Machine.Transition(ctx, lifecycle.TransitionRequest{
		OrderID:           chi.URLParam(r, "orderID"),
		Target:            req.Status,
		Reason:            req.Reason,
		ActorID:           req.ActorID,
		TrackingNumber:    req.TrackingNumber,
		EstimatedDelivery: req.EstimatedDelivery,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResp{Order: res.Order, From: res.From, History: res.Entry})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Store.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	hist, err := h.Store.History(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderResp{Order: o, History: hist})
}

func (h *OrdersHandler) history(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	hist, err := h.Machine.History(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if h.Cache != nil {
		if cs, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok {
			writeJSON(w, http.StatusOK, cs)
			return
		} else if err != nil {
			h.Log.Warn("status cache read", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	// 2) fallback store
	o, err := h.Store.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if h.Cache != nil {
		_ = h.Cache.Put(ctx, o)
	}
	writeJSON(w, http.StatusOK, redisx.CachedStatus{
		OrderID: o.ID, Status: o.Status, PaymentStatus: o.PaymentStatus, UpdatedAt: o.UpdatedAt,
	})
}
