// Package api is the engine's read-only HTTP surface: health, today's
// ledger, active matches, Prometheus metrics and a WebSocket feed of
// trade and probability updates.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/arb-engine/internal/metrics"
	"github.com/atmx/arb-engine/internal/model"
)

// Status is the engine's boundary surface.
type Status interface {
	IsRunning() bool
	ActiveMatchCount() int
	ActiveMatches(ctx context.Context) ([]model.Match, error)
	TodayPortfolio(ctx context.Context) (*model.Portfolio, error)
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Running       bool   `json:"running"`
	ActiveMatches int    `json:"active_matches"`
	Store         string `json:"store"`
}

type handlers struct {
	status Status
	db     Pinger
	logger *slog.Logger
}

// NewRouter builds the chi router. hub may be nil to disable /ws.
func NewRouter(st Status, db Pinger, hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{status: st, db: db, logger: logger.With("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for dashboard reads.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/health", h.health)
		r.Get("/portfolio", h.portfolio)
		r.Get("/matches", h.matches)
	})
	r.Handle("/metrics", metrics.Handler())
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
	return r
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Service:       "arb-engine",
		Running:       h.status.IsRunning(),
		ActiveMatches: h.status.ActiveMatchCount(),
		Store:         "ok",
	}
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Warn("store ping failed", "err", err)
			resp.Status = "degraded"
			resp.Store = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (h *handlers) portfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.status.TodayPortfolio(r.Context())
	if err != nil {
		h.logger.Error("portfolio lookup failed", "err", err)
		writeError(w, "portfolio unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) matches(w http.ResponseWriter, r *http.Request) {
	ms, err := h.status.ActiveMatches(r.Context())
	if err != nil {
		h.logger.Error("match lookup failed", "err", err)
		writeError(w, "matches unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
