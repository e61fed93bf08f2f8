package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

type Handler struct {
	ordersProxy  *ServiceProxy
	catalogProxy *ServiceProxy
	logger       *slog.Logger
}

func NewHandler(ordersProxy, catalogProxy *ServiceProxy, logger *slog.Logger) *Handler {
	return &Handler{
		ordersProxy:  ordersProxy,
		catalogProxy: catalogProxy,
		logger:       logger,
	}
}

// Routes lists the public routes and the handler serving each, so callers can
// wrap them before mounting.
func (h *Handler) Routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /orders":                 h.HandleOrders,
		"GET /orders/{id}":             h.HandleOrders,
		"POST /orders/{id}/cancel":     h.HandleOrders,
		"GET /orders/{id}/usage":       h.HandleOrders,
		"POST /orders/{id}/refunds":    h.HandleOrders,
		"POST /refunds/{id}/approve":   h.HandleOrders,
		"POST /refunds/{id}/reject":    h.HandleOrders,
		"GET /users/{userId}/orders":   h.HandleOrders,
		"POST /webhooks/payment":       h.HandleOrders,
		"POST /webhooks/fulfillment":   h.HandleOrders,
		"POST /admin/cache/invalidate": h.HandleOrders,
		"DELETE /admin/cache/metrics":  h.HandleOrders,
		"GET /admin/cache/health":      h.HandleOrders,
		"GET /admin/cache/stats":       h.HandleOrders,
		"GET /plans":                   h.HandleCatalog,
		"GET /plans/{id}":              h.HandleCatalog,
		"POST /plans/{id}/stock":       h.HandleCatalog,
		"POST /plans/{id}/status":      h.HandleCatalog,
	}
}

func (h *Handler) HandleOrders(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.ordersProxy, r.URL.Path)
}

func (h *Handler) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.catalogProxy, r.URL.Path)
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	resp, err := proxy.ForwardRequest(r.Context(), r, path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": map[string]string{"code": "bad_gateway", "message": message}}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
