package cache

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Handler exposes cache administration: pattern invalidation and the
// observability buffer. Every operation is idempotent.
type Handler struct {
	cache  *Cache
	logger *slog.Logger
}

func NewHandler(cache *Cache, logger *slog.Logger) *Handler {
	return &Handler{
		cache:  cache,
		logger: logger,
	}
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

type invalidateResponse struct {
	Pattern string `json:"pattern"`
	Deleted int    `json:"deleted"`
}

func (h *Handler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		h.writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	req.Pattern = strings.TrimSpace(req.Pattern)
	if req.Pattern == "" || req.Pattern == "*" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "pattern must name a key family")
		return
	}

	deleted := h.cache.InvalidatePattern(r.Context(), req.Pattern)

	h.logger.Info("cache pattern invalidated", "pattern", req.Pattern, "deleted", deleted)
	h.writeJSON(w, http.StatusOK, invalidateResponse{Pattern: req.Pattern, Deleted: deleted})
}

func (h *Handler) HandleClearMetrics(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		h.writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	h.cache.Recorder().Clear()

	h.logger.Info("cache observability buffer cleared")
	h.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.cache.Recorder().Health(window))
}

type statsResponse struct {
	Endpoint     string   `json:"endpoint"`
	HitRate      float64  `json:"hit_rate"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
	Buffered     int      `json:"buffered"`
	Recent       []Metric `json:"recent"`
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		h.writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	window, ok := h.window(w, r)
	if !ok {
		return
	}

	endpoint := r.URL.Query().Get("endpoint")
	rec := h.cache.Recorder()
	h.writeJSON(w, http.StatusOK, statsResponse{
		Endpoint:     endpoint,
		HitRate:      rec.HitRate(endpoint, window),
		AvgLatencyMs: rec.AverageLatency(endpoint, window),
		Buffered:     rec.Len(),
		Recent:       rec.Recent(20),
	})
}

// window parses ?window=<minutes>, defaulting to 60.
func (h *Handler) window(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return 60 * time.Minute, true
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "window must be a positive number of minutes")
		return 0, false
	}
	return time.Duration(minutes) * time.Minute, true
}

func isAdmin(r *http.Request) bool {
	return r.Header.Get("X-User-Role") == "admin"
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
