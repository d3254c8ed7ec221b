package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/storefront-inventory/internal/inventory"
	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"github.com/ariefcatur/storefront-inventory/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultMovementLimit = 50
	maxMovementLimit     = 500
)

type InventoryHandler struct {
	Store        store.Store
	Ledger       *inventory.Ledger
	Reservations *inventory.Reservations
	Log          *zap.Logger
}

type ReserveReq struct {
	SessionID  string           `json:"session_id"`
	Items      []orders.ItemQty `json:"items"`
	TTLSeconds int              `json:"ttl_seconds,omitempty"`
}

type ReserveResp struct {
	Reservations []orders.Reservation `json:"reservations"`
	ExpiresAt    time.Time            `json:"expires_at"`
}

type AvailabilityReq struct {
	Items []orders.ItemQty `json:"items"`
}

type MovementReq struct {
	Delta   int                 `json:"delta"`
	Type    orders.MovementType `json:"type"`
	Reason  string              `json:"reason"`
	ActorID string              `json:"actor_id"`
}

type ProductReq struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int    `json:"price_cents"`
}

func (h *InventoryHandler) Register(r chi.Router) {
	r.Post("/reservations", h.reserve)
	r.Post("/reservations/{sessionID}/release", h.release)
	r.Get("/reservations/{sessionID}", h.holds)
	r.Post("/availability", h.checkAvailability)
	r.Put("/products/{productID}", h.saveProduct)
	r.Get("/products/{productID}", h.getProduct)
	r.Get("/products/{productID}/available", h.available)
	r.Get("/products/{productID}/movements", h.movements)
	r.Post("/products/{productID}/movements", h.applyMovement)
}

func (h *InventoryHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.SessionID == "" || len(req.Items) == 0 {
		badRequest(w, "missing fields")
		return
	}
	if req.TTLSeconds < 0 {
		badRequest(w, "ttl_seconds must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Reservations.Reserve(ctx, req.SessionID, req.Items, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReserveResp{Reservations: res, ExpiresAt: res[0].ExpiresAt})
}

func (h *InventoryHandler) release(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	n, err := h.Reservations.Release(ctx, sessionID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "released": n})
}

func (h *InventoryHandler) holds(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res, err := h.Reservations.Holds(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if res == nil {
		res = []orders.Reservation{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *InventoryHandler) checkAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res, err := h.Reservations.CheckAvailability(ctx, req.Items)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	ok := true
	for _, a := range res {
		ok = ok && a.OK
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": res, "ok": ok})
}

func (h *InventoryHandler) saveProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.SKU == "" || req.Name == "" || req.PriceCents < 0 {
		badRequest(w, "missing fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "productID")
	err := h.Store.SaveProduct(ctx, orders.Product{ID: id, SKU: req.SKU, Name: req.Name, PriceCents: req.PriceCents})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	p, err := h.Store.GetProduct(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *InventoryHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Store.GetProduct(ctx, chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *InventoryHandler) available(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	n, err := h.Reservations.Available(ctx, productID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": productID, "available": n})
}

func (h *InventoryHandler) movements(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	limit := defaultMovementLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMovementLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := h.Store.GetProduct(ctx, productID); err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := make([]orders.StockMovement, 0, limit)
	for m, err := range h.Ledger.Movements(ctx, productID, limit) {
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *InventoryHandler) applyMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.Type != orders.MovementRestock && req.Type != orders.MovementManualUpdate {
		badRequest(w, "type must be restock or manual_update")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m, err := h.Ledger.ApplyMovement(ctx, inventory.MovementInput{
		ProductID: chi.URLParam(r, "productID"),
		Delta:     req.Delta,
		Type:      req.Type,
		Reason:    req.Reason,
		ActorID:   req.ActorID,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
