package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/middleware"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

const (
	// SessionCookie carries the routing key under cookie affinity
	SessionCookie = "session_id"
	// ServerIDHeader names the upstream that served a proxied response
	ServerIDHeader = "X-Server-ID"

	sessionCookieMaxAge = 24 * time.Hour
)

type proxyStateKey struct{}

// proxyState carries one request's target and transport error through the
// shared ReverseProxy
type proxyState struct {
	target *url.URL
	err    error
}

// ProxyHandler forwards requests to the server the platform selects
type ProxyHandler struct {
	platform *Platform
	proxy    *httputil.ReverseProxy
	logger   *logger.Logger
}

// NewProxyHandler creates a proxy handler. A nil transport uses http.DefaultTransport.
func NewProxyHandler(p *Platform, transport http.RoundTripper, log *logger.Logger) *ProxyHandler {
	if transport == nil {
		transport = http.DefaultTransport
	}
	h := &ProxyHandler{
		platform: p,
		logger:   logger.OrNop(log).WithField("component", "proxy"),
	}
	h.proxy = &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			state := pr.In.Context().Value(proxyStateKey{}).(*proxyState)
			pr.SetURL(state.target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			r.Context().Value(proxyStateKey{}).(*proxyState).err = err
		},
	}
	return h
}

// routingKey derives the key for the configured affinity mode. Cookie
// affinity issues a session cookie on first contact.
func (h *ProxyHandler) routingKey(w http.ResponseWriter, r *http.Request) string {
	switch h.platform.LoadBalancer().SessionAffinity() {
	case domain.AffinityIP:
		return r.RemoteAddr
	case domain.AffinityURL:
		return r.URL.RequestURI()
	case domain.AffinityCookie:
		if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
			return c.Value
		}
		id := uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    id,
			Path:     "/",
			MaxAge:   int(sessionCookieMaxAge.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		return id
	default:
		return middleware.ClientIP(r)
	}
}

// ServeHTTP proxies the request. Upstream 5xx responses and transport
// errors count as failures against the selected server.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := h.routingKey(w, r)
	rec := &statusRecorder{ResponseWriter: w}

	server, err := h.platform.Forward(r.Context(), key, func(ctx context.Context, server *domain.Server) error {
		target, err := url.Parse(server.URL())
		if err != nil {
			return errors.NewBackendFailedError(server.ID, err)
		}
		state := &proxyState{target: target}
		rec.Header().Set(ServerIDHeader, server.ID)

		h.proxy.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, proxyStateKey{}, state)))

		if state.err != nil {
			return errors.NewBackendFailedError(server.ID, state.err)
		}
		if rec.status >= http.StatusInternalServerError {
			return errors.NewBackendFailedError(server.ID, fmt.Errorf("upstream responded with status %d", rec.status))
		}
		return nil
	})
	if err == nil {
		return
	}

	entry := h.logger.WithError(err).WithField("path", r.URL.Path)
	if server != nil {
		entry = entry.WithField("server_id", server.ID)
	}
	entry.Warn("Proxy request failed")

	if rec.wroteHeader {
		// the upstream's own response already went out
		return
	}
	rec.Header().Del(ServerIDHeader)
	middleware.WriteError(w, r, err)
}

// statusRecorder captures the status code written by the proxy
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
