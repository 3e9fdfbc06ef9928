/**
 * @description
 * HTTP handlers for the allowance service: scheduled order management for parents and
 * the internal trigger that runs a due-order pass on demand.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/app"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 20

// OrderManager is the order service surface the handlers use.
type OrderManager interface {
	Create(ctx context.Context, userID string, payload domain.CreateOrderPayload) (*domain.ScheduledOrder, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*domain.ScheduledOrder, error)
	Update(ctx context.Context, userID string, id uuid.UUID, payload domain.UpdateOrderPayload) (*domain.ScheduledOrder, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error
	ListByAccount(ctx context.Context, userID string, accountID uuid.UUID) ([]domain.ScheduledOrder, error)
	ListLedger(ctx context.Context, userID string, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
	OpenAccount(ctx context.Context, userID string, name string) (*domain.Account, error)
	GetAccount(ctx context.Context, userID string, id uuid.UUID) (*domain.Account, error)
}

// PassRunner runs one due-order pass.
type PassRunner interface {
	RunDuePass(ctx context.Context) (app.PassReport, error)
}

// Handler holds the services the HTTP handlers interact with.
type Handler struct {
	orders OrderManager
	passes PassRunner
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(orders OrderManager, passes PassRunner, logger *slog.Logger) *Handler {
	return &Handler{orders: orders, passes: passes, logger: logger}
}

type openAccountRequest struct {
	Name string `json:"name"`
}

type processDueResponse struct {
	Processed int `json:"processed"`
	DueOrders int `json:"due_orders"`
	Applied   int `json:"applied"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload domain.CreateOrderPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	order, err := h.orders.Create(r.Context(), userID, payload)
	if err != nil {
		h.respondWithServiceError(w, "create scheduled order", err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	order, err := h.orders.Get(r.Context(), userID, id)
	if err != nil {
		h.respondWithServiceError(w, "get scheduled order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var payload domain.UpdateOrderPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	order, err := h.orders.Update(r.Context(), userID, id, payload)
	if err != nil {
		h.respondWithServiceError(w, "update scheduled order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.orders.Delete(r.Context(), userID, id); err != nil {
		h.respondWithServiceError(w, "delete scheduled order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req openAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	account, err := h.orders.OpenAccount(r.Context(), userID, req.Name)
	if err != nil {
		h.respondWithServiceError(w, "open account", err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}

	account, err := h.orders.GetAccount(r.Context(), userID, accountID)
	if err != nil {
		h.respondWithServiceError(w, "get account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) handleListAccountOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}

	orders, err := h.orders.ListByAccount(r.Context(), userID, accountID)
	if err != nil {
		h.respondWithServiceError(w, "list scheduled orders", err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) handleListLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}

	limit := store.DefaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.orders.ListLedger(r.Context(), userID, accountID, limit)
	if err != nil {
		h.respondWithServiceError(w, "list ledger entries", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleProcessDue(w http.ResponseWriter, r *http.Request) {
	report, err := h.passes.RunDuePass(r.Context())
	if err != nil {
		h.respondWithServiceError(w, "run due order pass", err)
		return
	}
	writeJSON(w, http.StatusOK, processDueResponse{
		Processed: report.Occurrences,
		DueOrders: report.DueOrders,
		Applied:   report.Applied,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
	})
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "scheduled order not found")
	case errors.Is(err, store.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStaleOrder):
		writeError(w, http.StatusConflict, "scheduled order was modified concurrently; reload and retry")
	case errors.Is(err, app.ErrPassInProgress):
		writeError(w, http.StatusConflict, "a due order pass is already running")
	default:
		h.logger.Error("request failed", "action", action, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
