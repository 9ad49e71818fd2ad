package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/cache-balancer/internal/errors"
)

type observation struct {
	method, route string
	status        int
}

type fakeObserver struct {
	mu  sync.Mutex
	obs []observation
}

func (f *fakeObserver) ObserveHTTPRequest(method, route string, status int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, observation{method, route, status})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errors.PlatformError {
	t.Helper()
	var body struct {
		Error errors.PlatformError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestLoggingMiddlewareAssignsRequestIDAndObserves(t *testing.T) {
	observer := &fakeObserver{}
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(nil, observer))

	var seenID string
	router.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, []observation{{http.MethodGet, "/items/{id}", http.StatusTeapot}}, observer.obs)

	req := httptest.NewRequest(http.MethodGet, "/items/7", nil)
	req.Header.Set(RequestIDHeader, "given-id")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "given-id", seenID)
}

func TestRecoveryMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(nil, nil), RecoveryMiddleware(nil))
	router.HandleFunc("/panic", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, errors.ErrCodeInternalError, body.Code)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), body.RequestID)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeadersMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errors.NewNoActiveServersError(0), http.StatusServiceUnavailable},
		{errors.NewCircuitOpenError("a"), http.StatusServiceUnavailable},
		{errors.NewServerNotFoundError("a"), http.StatusNotFound},
		{errors.NewBackendFailedError("a", nil), http.StatusBadGateway},
		{errors.NewError(errors.ErrCodeInvalidRequest, "test", "bad"), http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", ClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.8")
	assert.Equal(t, "10.0.0.8", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.1", ClientIP(req))
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))

	stats := rl.GetStats()
	assert.Equal(t, 2, stats["active_clients"])
	assert.Equal(t, int64(1), stats["rejected"])
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(limiterIdleTTL + time.Second)
	rl.Allow("fresh")

	rl.mu.Lock()
	rl.cleanupLimiters(now)
	_, oldKept := rl.limiters["old"]
	_, freshKept := rl.limiters["fresh"]
	rl.mu.Unlock()

	assert.False(t, oldKept)
	assert.True(t, freshKept)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, nil)
	h := rl.RateLimitMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, serve().Code)

	rec := serve()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, errors.ErrCodeRateLimitExceeded, decodeError(t, rec).Code)
}

func newJWTHandler(t *testing.T) (*JWTAuthMiddleware, http.Handler) {
	t.Helper()
	jm, err := NewJWTAuthMiddleware("test-secret", "cache-balancer", nil)
	require.NoError(t, err)

	h := jm.JWTAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			w.Header().Set("X-Subject", claims.Subject)
		}
		w.WriteHeader(http.StatusOK)
	}))
	return jm, h
}

func TestJWTAuthAllowsReads(t *testing.T) {
	_, h := newJWTHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/servers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuthMutations(t *testing.T) {
	jm, h := newJWTHandler(t)

	valid, err := jm.IssueToken("ops", []string{"admin"}, time.Hour)
	require.NoError(t, err)
	expired, err := jm.IssueToken("ops", nil, -time.Minute)
	require.NoError(t, err)

	other, err := NewJWTAuthMiddleware("other-secret", "cache-balancer", nil)
	require.NoError(t, err)
	wrongKey, err := other.IssueToken("ops", nil, time.Hour)
	require.NoError(t, err)

	foreign, err := NewJWTAuthMiddleware("test-secret", "someone-else", nil)
	require.NoError(t, err)
	wrongIssuer, err := foreign.IssueToken("ops", nil, time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", Issuer: "cache-balancer"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + wrongIssuer, http.StatusUnauthorized},
		{"no expiry", "Bearer " + noExpiry, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, "/admin/servers/a", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "ops", rec.Header().Get("X-Subject"))
			} else {
				assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
				assert.Equal(t, errors.ErrCodeAuthenticationFailed, decodeError(t, rec).Code)
			}
		})
	}
}

func TestNewJWTAuthMiddlewareRequiresSecret(t *testing.T) {
	_, err := NewJWTAuthMiddleware("", "", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
