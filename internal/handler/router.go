package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mir00r/cache-balancer/internal/config"
	"github.com/mir00r/cache-balancer/internal/discovery"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/middleware"
	"github.com/mir00r/cache-balancer/internal/observability"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// Dependencies wires the HTTP surface. Only Config and Platform are required.
type Dependencies struct {
	Config    *config.Config
	Platform  *Platform
	Collector *observability.Collector
	Reloader  *config.Reloader
	Discovery *discovery.ServiceDiscovery
	Logger    *logger.Logger
	Transport http.RoundTripper
	Version   string
}

// NewRouter builds the router: health probes, metrics, the admin API and a
// catch-all reverse proxy
func NewRouter(deps Dependencies) (*mux.Router, error) {
	if deps.Config == nil || deps.Platform == nil {
		return nil, errors.NewConfigError("router", "config and platform are required")
	}
	log := logger.OrNop(deps.Logger)
	cfg := deps.Config

	var observer middleware.RequestObserver
	if deps.Collector != nil {
		observer = deps.Collector
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log.MiddlewareLogger("logging"), observer))
	r.Use(middleware.RecoveryMiddleware(log.MiddlewareLogger("recovery")))

	NewHealthHandler(deps.Platform, deps.Version).Register(r)

	if cfg.Metrics.Enabled && deps.Collector != nil {
		r.Handle(cfg.Metrics.Path, deps.Collector.Handler()).Methods(http.MethodGet)
	}

	if cfg.Admin.Enabled {
		admin := r.PathPrefix(cfg.Admin.Path).Subrouter()
		admin.Use(middleware.SecurityHeadersMiddleware())

		if rl := cfg.Admin.RateLimit; rl.Enabled {
			limiter := middleware.NewRateLimiter(rl.RequestsPerSecond, rl.BurstSize, log.MiddlewareLogger("rate_limit"))
			admin.Use(limiter.RateLimitMiddleware())
		}
		if jwtCfg := cfg.Admin.JWT; jwtCfg.Enabled {
			auth, err := middleware.NewJWTAuthMiddleware(jwtCfg.Secret, jwtCfg.Issuer, log.MiddlewareLogger("jwt"))
			if err != nil {
				return nil, err
			}
			admin.Use(auth.JWTAuth())
		}

		NewAdminHandler(deps.Platform, log).Register(admin)
		if deps.Reloader != nil {
			NewConfigHandler(deps.Reloader, log).Register(admin)
		}
		if deps.Discovery != nil {
			NewDiscoveryHandler(deps.Discovery).Register(admin)
		}

		// unknown admin paths must not fall through to the proxy
		admin.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			middleware.WriteError(w, req, errors.NewError(errors.ErrCodeNotFound, "admin", "unknown admin endpoint").
				WithMetadata("path", req.URL.Path))
		})
	}

	r.PathPrefix("/").Handler(NewProxyHandler(deps.Platform, deps.Transport, log))
	return r, nil
}
