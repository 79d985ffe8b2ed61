package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is anything with a connectivity check (Postgres pool, Redis client).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	deps   map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. The deps map associates a
// component name with its connectivity check; nil values are skipped.
func NewHealthHandler(deps map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, logger: logger}
}

// HealthCheck responds with the status of each backing dependency. It returns
// 200 when everything is reachable and 503 otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			components[name] = "unreachable"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
