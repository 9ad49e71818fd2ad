package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

const (
	// maxTrackedClients triggers a sweep of idle limiters
	maxTrackedClients = 10000
	limiterIdleTTL    = 3 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages one token bucket per client IP
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	logger   *logger.Logger
	now      func() time.Time
	rejected int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond float64, burst int, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger.OrNop(log).MiddlewareLogger("rate_limiter"),
		now:      time.Now,
	}
}

// Allow reports whether the client may make a request now
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, exists := rl.limiters[client]
	if !exists {
		if len(rl.limiters) >= maxTrackedClients {
			rl.cleanupLimiters(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[client] = cl
	}
	cl.lastSeen = now

	if !cl.limiter.AllowN(now, 1) {
		rl.rejected++
		return false
	}
	return true
}

// cleanupLimiters drops clients idle for longer than limiterIdleTTL
func (rl *RateLimiter) cleanupLimiters(now time.Time) {
	before := len(rl.limiters)
	for client, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > limiterIdleTTL {
			delete(rl.limiters, client)
		}
	}
	rl.logger.WithField("removed", before-len(rl.limiters)).Debug("Cleaned up rate limiter cache")
}

// RateLimitMiddleware rejects clients over their budget with 429
func (rl *RateLimiter) RateLimitMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r)
			limit := fmt.Sprintf("%.2f", float64(rl.rate))

			if !rl.Allow(clientIP) {
				rl.logger.WithFields(map[string]interface{}{
					"client_ip": clientIP,
					"path":      r.URL.Path,
					"method":    r.Method,
				}).Warn("Rate limit exceeded")

				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				WriteError(w, r, errors.NewRateLimitError(clientIP, float64(rl.rate)))
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP address from the request
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"rate_limit":     float64(rl.rate),
		"burst_size":     rl.burst,
		"active_clients": len(rl.limiters),
		"rejected":       rl.rejected,
	}
}
