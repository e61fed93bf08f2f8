package orders

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
	"github.com/joao-fontenele/orderflow-connect/internal/fulfillment"
	"github.com/joao-fontenele/orderflow-connect/internal/payment"
)

const (
	UserIDHeader   = "X-User-ID"
	UserRoleHeader = "X-User-Role"

	maxWebhookBody = 1 << 20
)

type Handler struct {
	engine *Engine
	logger *slog.Logger
}

func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// Register mounts every order route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", h.HandleCreate)
	mux.HandleFunc("GET /orders/{id}", h.HandleGet)
	mux.HandleFunc("POST /orders/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("GET /orders/{id}/usage", h.HandleUsage)
	mux.HandleFunc("POST /orders/{id}/refunds", h.HandleRequestRefund)
	mux.HandleFunc("POST /refunds/{id}/approve", h.HandleApproveRefund)
	mux.HandleFunc("POST /refunds/{id}/reject", h.HandleRejectRefund)
	mux.HandleFunc("GET /users/{userId}/orders", h.HandleListByUser)
	mux.HandleFunc("POST /webhooks/payment", h.HandlePaymentWebhook)
	mux.HandleFunc("POST /webhooks/fulfillment", h.HandleFulfillmentWebhook)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var in CreateOrderInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	in.UserID = actor.UserID

	checkout, err := h.engine.CreateOrder(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, checkout)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	order, err := h.engine.GetOrder(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	order, err := h.engine.CancelOrder(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	usage, err := h.engine.Usage(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) HandleRequestRefund(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var in RefundInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	refund, err := h.engine.RequestRefund(r.Context(), r.PathValue("id"), in, actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, refund)
}

func (h *Handler) HandleApproveRefund(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var in ReviewInput
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
			return
		}
	}

	refund, err := h.engine.ApproveRefund(r.Context(), r.PathValue("id"), in, actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) HandleRejectRefund(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var in RejectInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	refund, err := h.engine.RejectRefund(r.Context(), r.PathValue("id"), in, actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) HandleListByUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	status := domain.OrderStatus(q.Get("status"))

	orders, err := h.engine.ListUserOrders(r.Context(), r.PathValue("userId"), status, page, limit, actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

// HandlePaymentWebhook answers 200 for anything the engine accepted, including
// replays and events for unknown orders, so the provider stops redelivering.
func (h *Handler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readWebhook(w, r)
	if !ok {
		return
	}
	if err := h.engine.HandlePaymentWebhook(r.Context(), body, r.Header.Get(payment.SignatureHeader)); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) HandleFulfillmentWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readWebhook(w, r)
	if !ok {
		return
	}
	if err := h.engine.HandleFulfillmentWebhook(r.Context(), body, r.Header.Get(fulfillment.SignatureHeader)); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// readWebhook returns the raw body; signatures are computed over the exact bytes.
func (h *Handler) readWebhook(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "unreadable request body")
		return nil, false
	}
	return body, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+UserIDHeader+" header")
		return domain.Actor{}, false
	}
	role := domain.RoleCustomer
	if domain.Role(r.Header.Get(UserRoleHeader)) == domain.RoleAdmin {
		role = domain.RoleAdmin
	}
	return domain.Actor{UserID: userID, Role: role}, true
}

// fail maps engine errors to HTTP statuses. Unexpected errors are logged and
// reported without detail.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var perr *domain.ProviderError
	switch {
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrInvalidSignature):
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
	case errors.Is(err, domain.ErrUnauthorized):
		h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrPlanUnavailable):
		h.writeError(w, http.StatusUnprocessableEntity, "plan_unavailable", err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		h.writeError(w, http.StatusUnprocessableEntity, "insufficient_stock", err.Error())
	case errors.As(err, &perr):
		h.logger.Error("provider call failed", "error", err, "provider", perr.Provider)
		h.writeError(w, http.StatusBadGateway, "provider_error", string(perr.Provider)+" provider unavailable")
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": map[string]string{"code": code, "message": message}}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
