package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kailasramasamy/martly-sub005/internal/ledger"
)

type Handler struct {
	svc *ledger.Service
}

func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "inventory-ledger",
	})
}

// stockResponse adds the derived availability to the stored record.
type stockResponse struct {
	ledger.StockRecord
	Available int `json:"available"`
}

func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rec, err := h.svc.Get(ctx, productID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeError(w, http.StatusNotFound, "stock record not found")
		case errors.Is(err, ledger.ErrInvalidLine):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to load stock record")
		}
		return
	}

	writeJSON(w, http.StatusOK, stockResponse{StockRecord: rec, Available: rec.Available()})
}

type setStockRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

func (h *Handler) SetStock(w http.ResponseWriter, r *http.Request) {
	var req setStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.svc.SetStock(ctx, req.ID, req.Name, req.Stock); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidLine):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrStockBelowReserved):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to set stock")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type stockOpRequest struct {
	// OrderID is accepted for symmetry with the event flow; the ledger
	// itself keeps no per-order state.
	OrderID string        `json:"orderId"`
	Items   []ledger.Line `json:"items"`
}

type shortageResponse struct {
	Error     string `json:"error"`
	ProductID string `json:"productId"`
	Name      string `json:"name,omitempty"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, "reserve", h.svc.Reserve)
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, "release", h.svc.Release)
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	h.stockOp(w, r, "deduct", h.svc.Deduct)
}

func (h *Handler) stockOp(w http.ResponseWriter, r *http.Request, name string, op func(context.Context, []ledger.Line) error) {
	var req stockOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := op(ctx, req.Items); err != nil {
		if errors.Is(err, ledger.ErrInvalidLine) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if shortage, ok := ledger.AsInsufficientStock(err); ok {
			writeJSON(w, http.StatusConflict, shortageResponse{
				Error:     shortage.Error(),
				ProductID: shortage.ProductID,
				Name:      shortage.Name,
				Available: shortage.Available,
				Requested: shortage.Requested,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to "+name+" stock")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
