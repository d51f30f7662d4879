package handlers

import (
	"net/http"
	"time"

	"github.com/svettore/spoold/pkg/pool"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the agent process running?
//   - Readiness probe: Is the pool connected?
type HealthHandler struct {
	pool      pool.Pool
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(p pool.Pool) *HealthHandler {
	return &HealthHandler{
		pool:      p,
		startTime: time.Now(),
	}
}

// Response represents a standard health response wrapper.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func healthyResponse(data any) Response {
	return Response{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func unhealthyResponse(errMsg string) Response {
	return Response{
		Status:    "unhealthy",
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK if the agent process is running. Designed for Kubernetes
// liveness probes; it succeeds as long as the HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	WriteJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"service":    "spoold",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// Readiness handles GET /health/ready - readiness probe.
// Returns 200 OK once the pool is connected and reports its status.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	st, err := h.pool.Status(r.Context())
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse(err.Error()))
		return
	}
	WriteJSON(w, http.StatusOK, healthyResponse(st))
}
