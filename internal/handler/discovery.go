package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mir00r/cache-balancer/internal/discovery"
	"github.com/mir00r/cache-balancer/internal/middleware"
)

// DiscoveryHandler exposes the service discovery loop
type DiscoveryHandler struct {
	discovery *discovery.ServiceDiscovery
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(sd *discovery.ServiceDiscovery) *DiscoveryHandler {
	return &DiscoveryHandler{discovery: sd}
}

// Register mounts the discovery routes on r
func (h *DiscoveryHandler) Register(r *mux.Router) {
	r.HandleFunc("/discovery", h.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/discovery/sync", h.SyncHandler).Methods(http.MethodPost)
}

// StatsHandler handles GET /admin/discovery
func (h *DiscoveryHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := h.discovery.GetStats()
	stats["servers"] = h.discovery.Owned()
	middleware.WriteJSON(w, http.StatusOK, stats)
}

// SyncHandler handles POST /admin/discovery/sync
func (h *DiscoveryHandler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.discovery.Sync(r.Context()); err != nil {
		middleware.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "synced",
		"servers": h.discovery.Owned(),
	})
}
