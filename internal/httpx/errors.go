package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/storefront-inventory/internal/orders"
	"go.uber.org/zap"
)

type errorBody struct {
	Error   string                       `json:"error"`
	Message string                       `json:"message,omitempty"`
	Details []orders.StockRejectedDetail `json:"details,omitempty"`
	Current orders.Status                `json:"current,omitempty"`
	Target  orders.Status                `json:"target,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}

// writeError maps domain errors to status codes. Anything unknown is logged
// and reported as 500 without its message.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var (
		se *orders.StockError
		te *orders.TransitionError
	)
	switch {
	case errors.As(err, &se) && errors.Is(err, orders.ErrStockUnavailable):
		writeJSON(w, http.StatusConflict, errorBody{Error: "stock_unavailable", Details: se.Details})
	case errors.As(err, &se):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "insufficient_stock", Details: se.Details})
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, errorBody{Error: "invalid_transition", Current: te.From, Target: te.To})
	case errors.Is(err, orders.ErrAlreadyRefunded):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_refunded"})
	case errors.Is(err, orders.ErrNotRefundable):
		writeJSON(w, http.StatusConflict, errorBody{Error: "not_refundable", Message: err.Error()})
	case errors.Is(err, orders.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "order_not_found"})
	case errors.Is(err, orders.ErrProductNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "product_not_found"})
	case errors.Is(err, orders.ErrReasonRequired),
		errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, orders.ErrInvalidMovement),
		errors.Is(err, orders.ErrSessionRequired),
		errors.Is(err, orders.ErrOrderIDRequired):
		badRequest(w, err.Error())
	default:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}
