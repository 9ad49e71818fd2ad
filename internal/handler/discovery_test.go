package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/cache-balancer/internal/config"
	"github.com/mir00r/cache-balancer/internal/discovery"
	"github.com/mir00r/cache-balancer/internal/domain"
)

func TestDiscoveryEndpoints(t *testing.T) {
	var broken atomic.Bool
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(discovery.HTTPServiceResponse{Services: []discovery.Service{
			{ID: "d1", Address: "10.0.0.1", Port: 8080, Health: discovery.HealthPassing},
		}})
	}))
	defer catalog.Close()

	cfg := config.DefaultConfig()
	cfg.Discovery.Enabled = true
	cfg.Discovery.Endpoint = catalog.URL

	p := newTestPlatform(t, domain.AffinityNone)
	provider, err := discovery.NewProvider(cfg.Discovery, catalog.Client())
	require.NoError(t, err)
	sd := discovery.New(cfg.Discovery, provider, p, nil)

	r, err := NewRouter(Dependencies{Config: cfg, Platform: p, Discovery: sd})
	require.NoError(t, err)

	rec := do(r, http.MethodPost, "/admin/discovery/sync", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, p.Servers(), 1)

	rec = do(r, http.MethodGet, "/admin/discovery", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	decode(t, rec, &stats)
	assert.Equal(t, "http", stats["provider"])
	assert.Equal(t, []interface{}{"d1"}, stats["servers"])

	broken.Store(true)
	rec = do(r, http.MethodPost, "/admin/discovery/sync", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Len(t, p.Servers(), 1)
}
