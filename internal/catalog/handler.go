package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joao-fontenele/orderflow-connect/internal/cache"
	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Store is the plan persistence the catalog needs. Lookups return nil, nil for
// unknown plans.
type Store interface {
	List(ctx context.Context, f domain.PlanFilter) ([]domain.Plan, error)
	Get(ctx context.Context, id string) (*domain.Plan, error)
	AdjustStock(ctx context.Context, id string, delta int) (*domain.Plan, error)
	SetActive(ctx context.Context, id string, active bool) (*domain.Plan, error)
}

type Handler struct {
	store  Store
	cache  *cache.Cache
	logger *slog.Logger
}

func NewHandler(store Store, c *cache.Cache, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		cache:  c,
		logger: logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /plans", h.HandleList)
	mux.HandleFunc("GET /plans/{id}", h.HandleGet)
	mux.HandleFunc("POST /plans/{id}/stock", h.HandleAdjustStock)
	mux.HandleFunc("POST /plans/{id}/status", h.HandleSetStatus)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	plans, err := cache.GetOrSet(r.Context(), h.cache, cache.PlansFilteredKey(filter), cache.TTLLong,
		func(ctx context.Context) ([]domain.Plan, error) {
			return h.store.List(ctx, filter)
		})
	if err != nil {
		h.logger.Error("failed to list plans", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	h.logger.Debug("plans listed", "count", len(plans), "region", filter.Region)
	h.writeJSON(w, http.StatusOK, plans)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	plan, err := cache.GetOrSet(r.Context(), h.cache, cache.PlanKey(id), cache.TTLLong,
		func(ctx context.Context) (*domain.Plan, error) {
			p, err := h.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if p == nil || !p.IsActive {
				return nil, domain.ErrNotFound
			}
			return p, nil
		})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "plan not found")
			return
		}
		h.logger.Error("failed to get plan", "error", err, "plan_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, plan)
}

type adjustStockRequest struct {
	Delta int `json:"delta"`
}

func (h *Handler) HandleAdjustStock(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		h.writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	id := r.PathValue("id")

	var req adjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Delta == 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "delta must be a non-zero integer")
		return
	}

	plan, err := h.store.AdjustStock(r.Context(), id, req.Delta)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			h.writeError(w, http.StatusConflict, "insufficient_stock", err.Error())
			return
		}
		h.logger.Error("failed to adjust stock", "error", err, "plan_id", id, "delta", req.Delta)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if plan == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "plan not found")
		return
	}

	h.invalidate(r.Context(), id)
	h.logger.Info("plan stock adjusted", "plan_id", id, "delta", req.Delta, "stock", plan.Stock)
	h.writeJSON(w, http.StatusOK, plan)
}

type setStatusRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		h.writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	id := r.PathValue("id")

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "active is required")
		return
	}

	plan, err := h.store.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		h.logger.Error("failed to update plan status", "error", err, "plan_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if plan == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "plan not found")
		return
	}

	h.invalidate(r.Context(), id)
	h.logger.Info("plan status updated", "plan_id", id, "active", plan.IsActive)
	h.writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) invalidate(ctx context.Context, id string) {
	h.cache.InvalidateAll(ctx, cache.PlanKey(id), cache.PlansPattern)
}

func parseFilter(r *http.Request) (domain.PlanFilter, error) {
	q := r.URL.Query()
	f := domain.PlanFilter{Region: q.Get("region"), Page: 1, Limit: defaultLimit}

	ints := []struct {
		name string
		dst  *int64
	}{
		{"min_price", &f.MinPrice},
		{"max_price", &f.MaxPrice},
	}
	for _, p := range ints {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return f, fmt.Errorf("%s must be a non-negative integer", p.name)
		}
		*p.dst = v
	}
	if f.MaxPrice > 0 && f.MinPrice > f.MaxPrice {
		return f, errors.New("min_price exceeds max_price")
	}

	if raw := q.Get("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return f, errors.New("page must be a positive integer")
		}
		f.Page = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(v, maxLimit)
	}
	return f, nil
}

func isAdmin(r *http.Request) bool {
	return domain.Role(r.Header.Get("X-User-Role")) == domain.RoleAdmin
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
