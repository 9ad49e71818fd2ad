package handler

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/cache-balancer/internal/config"
	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/platform"
)

func testPlatformConfig(affinity domain.SessionAffinity) platform.Config {
	return platform.Config{
		Cache: domain.CacheConfig{
			Levels: []domain.LevelConfig{
				{Name: "L1", MaxEntries: 10, TTL: time.Minute, Strategy: domain.EvictLRU},
				{Name: "L2", MaxEntries: 100, TTL: time.Hour, Strategy: domain.EvictLFU},
			},
		},
		LoadBalancer: domain.LoadBalancerConfig{
			Algorithm:       domain.RoundRobin,
			SessionAffinity: affinity,
			HealthCheck:     domain.HealthCheckConfig{Enabled: false},
			CircuitBreaker:  domain.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour},
		},
	}
}

func newTestPlatform(t *testing.T, affinity domain.SessionAffinity) *Platform {
	t.Helper()
	p, err := platform.New[json.RawMessage](testPlatformConfig(affinity))
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// addBackend starts an upstream and registers it under id
func addBackend(t *testing.T, p *Platform, id string, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(h)
	t.Cleanup(backend.Close)

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, p.AddServer(domain.NewServer(id, host, port, 1)))
	return backend
}

// addStubServer registers a server nothing listens on
func addStubServer(t *testing.T, p *Platform, id string, port int) {
	t.Helper()
	require.NoError(t, p.AddServer(domain.NewServer(id, "127.0.0.1", port, 1)))
}

func testRouter(t *testing.T, cfg *config.Config, p *Platform) *mux.Router {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r, err := NewRouter(Dependencies{Config: cfg, Platform: p, Version: "test"})
	require.NoError(t, err)
	return r
}

func do(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errors.PlatformError {
	t.Helper()
	var body struct {
		Error errors.PlatformError `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error
}
