// Package handler exposes the platform over HTTP: the admin API, the
// reverse proxy and the health probes.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/cache-balancer/internal/cache"
	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/middleware"
	"github.com/mir00r/cache-balancer/internal/platform"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// Platform is the facade served over HTTP; cached values are opaque JSON
type Platform = platform.Platform[json.RawMessage]

const maxBodyBytes = 1 << 20

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	platform  *Platform
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(p *Platform, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		platform:  p,
		logger:    logger.OrNop(log).WithField("component", "admin"),
		startTime: time.Now(),
	}
}

// Register mounts the admin routes on r. Fixed paths come before the
// parameterized ones they would otherwise collide with.
func (h *AdminHandler) Register(r *mux.Router) {
	r.HandleFunc("/cache/stats", h.CacheStatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/cache/invalidate", h.InvalidateHandler).Methods(http.MethodPost)
	r.HandleFunc("/cache", h.ClearCacheHandler).Methods(http.MethodDelete)
	r.HandleFunc("/cache/{key}", h.GetCacheHandler).Methods(http.MethodGet)
	r.HandleFunc("/cache/{key}", h.SetCacheHandler).Methods(http.MethodPut)
	r.HandleFunc("/cache/{key}", h.DeleteCacheHandler).Methods(http.MethodDelete)

	r.HandleFunc("/servers", h.ListServersHandler).Methods(http.MethodGet)
	r.HandleFunc("/servers", h.AddServerHandler).Methods(http.MethodPost)
	r.HandleFunc("/servers/next", h.NextServerHandler).Methods(http.MethodGet)
	r.HandleFunc("/servers/{id}", h.GetServerHandler).Methods(http.MethodGet)
	r.HandleFunc("/servers/{id}", h.DeleteServerHandler).Methods(http.MethodDelete)
	r.HandleFunc("/servers/{id}/metrics", h.ReportMetricsHandler).Methods(http.MethodPost)

	r.HandleFunc("/algorithm", h.SetAlgorithmHandler).Methods(http.MethodPut)
	r.HandleFunc("/events", h.EventsHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
}

// SetCacheRequest is the body of PUT /admin/cache/{key}
type SetCacheRequest struct {
	Value  json.RawMessage `json:"value"`
	TTL    string          `json:"ttl,omitempty"`
	Levels []int           `json:"levels,omitempty"`
	Tags   []string        `json:"tags,omitempty"`
}

// CacheValueResponse is a cache lookup result
type CacheValueResponse struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Source string          `json:"source"`
}

// CacheEntryResponse describes one entry of one level
type CacheEntryResponse struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Level       int             `json:"level"`
	ExpiresAt   time.Time       `json:"expires_at"`
	AccessCount int64           `json:"access_count"`
	Tags        []string        `json:"tags,omitempty"`
}

// InvalidateRequest is the body of POST /admin/cache/invalidate
type InvalidateRequest struct {
	Tag    string `json:"tag"`
	Levels []int  `json:"levels,omitempty"`
}

// ServerRequest is the body of POST /admin/servers
type ServerRequest struct {
	ID             string `json:"id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Weight         *int   `json:"weight,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty"`
}

// ServerResponse is a server with its breaker and averaged metrics
type ServerResponse struct {
	domain.ServerSnapshot
	CircuitBreaker string                `json:"circuit_breaker"`
	Metrics        *domain.ServerMetrics `json:"metrics,omitempty"`
}

func invalidRequest(message string) *errors.PlatformError {
	return errors.NewError(errors.ErrCodeInvalidRequest, "admin", message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if err == io.EOF {
			return invalidRequest("request body is empty")
		}
		return errors.WrapError(err, errors.ErrCodeInvalidRequest, "admin", "invalid JSON body")
	}
	return nil
}

// actor names the authenticated caller for audit logs
func actor(r *http.Request) string {
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return "anonymous"
}

// GetCacheHandler handles GET /admin/cache/{key}. With ?level=n it inspects
// one level without touching access metadata.
func (h *AdminHandler) GetCacheHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if levelParam := r.URL.Query().Get("level"); levelParam != "" {
		level, err := strconv.Atoi(levelParam)
		if err != nil {
			middleware.WriteError(w, r, invalidRequest("level must be an integer"))
			return
		}
		entry, ok := h.platform.Peek(level, key)
		if !ok {
			middleware.WriteJSON(w, http.StatusNotFound, map[string]interface{}{"key": key, "level": level, "hit": false})
			return
		}
		tags := make([]string, 0, len(entry.Tags))
		for tag := range entry.Tags {
			tags = append(tags, tag)
		}
		middleware.WriteJSON(w, http.StatusOK, CacheEntryResponse{
			Key:         key,
			Value:       entry.Value,
			Level:       level,
			ExpiresAt:   entry.ExpiresAt,
			AccessCount: entry.AccessCount,
			Tags:        tags,
		})
		return
	}

	res, err := h.platform.Get(r.Context(), key)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if !res.Hit {
		middleware.WriteJSON(w, http.StatusNotFound, map[string]interface{}{"key": key, "hit": false})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, CacheValueResponse{Key: key, Value: res.Value, Source: res.Source})
}

// SetCacheHandler handles PUT /admin/cache/{key}
func (h *AdminHandler) SetCacheHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req SetCacheRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if len(req.Value) == 0 {
		middleware.WriteError(w, r, invalidRequest("value is required"))
		return
	}

	opts := cache.SetOptions{Levels: req.Levels, Tags: req.Tags}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			middleware.WriteError(w, r, invalidRequest("ttl must be a positive duration"))
			return
		}
		opts.TTL = ttl
	}

	if err := h.platform.Set(r.Context(), key, req.Value, opts); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCacheHandler handles DELETE /admin/cache/{key}
func (h *AdminHandler) DeleteCacheHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if !h.platform.Delete(r.Context(), key) {
		middleware.WriteJSON(w, http.StatusNotFound, map[string]interface{}{"key": key, "deleted": false})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"key": key, "deleted": true})
}

// ClearCacheHandler handles DELETE /admin/cache, optionally ?level=n
func (h *AdminHandler) ClearCacheHandler(w http.ResponseWriter, r *http.Request) {
	level := 0
	if levelParam := r.URL.Query().Get("level"); levelParam != "" {
		n, err := strconv.Atoi(levelParam)
		if err != nil {
			middleware.WriteError(w, r, invalidRequest("level must be an integer"))
			return
		}
		level = n
	}

	removed, err := h.platform.Clear(r.Context(), level)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	h.logger.WithFields(map[string]interface{}{
		"level":   level,
		"removed": removed,
		"actor":   actor(r),
	}).Info("Cache cleared")
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// InvalidateHandler handles POST /admin/cache/invalidate
func (h *AdminHandler) InvalidateHandler(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.Tag == "" {
		middleware.WriteError(w, r, invalidRequest("tag is required"))
		return
	}

	removed, err := h.platform.InvalidateByTag(r.Context(), req.Tag, req.Levels...)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"tag": req.Tag, "removed": removed})
}

// CacheStatsHandler handles GET /admin/cache/stats
func (h *AdminHandler) CacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.platform.Stats().Cache)
}

func (h *AdminHandler) serverResponse(s *domain.Server) ServerResponse {
	resp := ServerResponse{ServerSnapshot: s.Snapshot()}
	if b, ok := h.platform.Breaker(s.ID); ok {
		resp.CircuitBreaker = b.State().String()
	}
	if avg, ok := h.platform.LoadBalancer().Metrics(s.ID); ok {
		resp.Metrics = &avg
	}
	return resp
}

// ListServersHandler handles GET /admin/servers
func (h *AdminHandler) ListServersHandler(w http.ResponseWriter, r *http.Request) {
	servers := h.platform.Servers()
	response := make([]ServerResponse, 0, len(servers))
	for _, s := range servers {
		response = append(response, h.serverResponse(s))
	}
	middleware.WriteJSON(w, http.StatusOK, response)
}

// GetServerHandler handles GET /admin/servers/{id}
func (h *AdminHandler) GetServerHandler(w http.ResponseWriter, r *http.Request) {
	server, err := h.platform.Server(mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.serverResponse(server))
}

// AddServerHandler handles POST /admin/servers
func (h *AdminHandler) AddServerHandler(w http.ResponseWriter, r *http.Request) {
	var req ServerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.ID == "" || req.Host == "" {
		middleware.WriteError(w, r, invalidRequest("id and host are required"))
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		middleware.WriteError(w, r, invalidRequest("port must be between 1 and 65535"))
		return
	}

	weight := 1
	if req.Weight != nil {
		weight = *req.Weight
	}
	server := domain.NewServer(req.ID, req.Host, req.Port, weight)
	if req.MaxConnections > 0 {
		server.MaxConnections = req.MaxConnections
	}

	if err := h.platform.AddServer(server); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	h.logger.WithFields(map[string]interface{}{
		"server_id": server.ID,
		"address":   server.Address(),
		"actor":     actor(r),
	}).Info("Server added via admin API")
	middleware.WriteJSON(w, http.StatusCreated, h.serverResponse(server))
}

// DeleteServerHandler handles DELETE /admin/servers/{id}
func (h *AdminHandler) DeleteServerHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.platform.RemoveServer(id); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	h.logger.WithField("server_id", id).WithField("actor", actor(r)).Info("Server removed via admin API")
	w.WriteHeader(http.StatusNoContent)
}

// ReportMetricsHandler handles POST /admin/servers/{id}/metrics
func (h *AdminHandler) ReportMetricsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var sample domain.ServerMetrics
	if err := decodeJSON(w, r, &sample); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := h.platform.ReportMetrics(id, sample); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	server, err := h.platform.Server(id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.serverResponse(server))
}

// NextServerHandler handles GET /admin/servers/next?key=
func (h *AdminHandler) NextServerHandler(w http.ResponseWriter, r *http.Request) {
	server, err := h.platform.NextServer(r.URL.Query().Get("key"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, server.Snapshot())
}

// SetAlgorithmHandler handles PUT /admin/algorithm
func (h *AdminHandler) SetAlgorithmHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm domain.Algorithm `json:"algorithm"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := h.platform.SetAlgorithm(req.Algorithm); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	h.logger.WithField("algorithm", string(req.Algorithm)).WithField("actor", actor(r)).Info("Algorithm changed via admin API")
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"algorithm": req.Algorithm})
}

// EventsHandler handles GET /admin/events?limit=n
func (h *AdminHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 0 {
			middleware.WriteError(w, r, invalidRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	middleware.WriteJSON(w, http.StatusOK, h.platform.Events().Recent(limit))
}

// StatsHandler handles GET /admin/stats
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":   time.Since(h.startTime).String(),
		"ready":    h.platform.Ready(),
		"platform": h.platform.Stats(),
	})
}
