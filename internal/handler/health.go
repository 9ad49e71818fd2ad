package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/cache-balancer/internal/middleware"
)

// HealthHandler serves the liveness and readiness probes of the platform itself
type HealthHandler struct {
	platform  *Platform
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(p *Platform, version string) *HealthHandler {
	return &HealthHandler{
		platform:  p,
		startTime: time.Now(),
		version:   version,
	}
}

// Register mounts /health/live and /health/ready on r
func (h *HealthHandler) Register(r *mux.Router) {
	r.HandleFunc("/health/live", h.LivenessHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/health/ready", h.ReadinessHandler).Methods(http.MethodGet, http.MethodHead)
}

// ReadinessHandler reports 200 while at least one server is eligible, 503 otherwise
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ready", http.StatusOK
	if !h.platform.Ready() {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	middleware.WriteJSON(w, code, map[string]interface{}{
		"status":           status,
		"eligible_servers": h.platform.LoadBalancer().EligibleCount(),
		"total_servers":    len(h.platform.Servers()),
		"cache_health":     h.platform.CacheHealth(),
		"timestamp":        time.Now().UTC(),
		"version":          h.version,
		"uptime":           time.Since(h.startTime).String(),
	})
}

// LivenessHandler answers as long as the process serves HTTP
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	})
}
