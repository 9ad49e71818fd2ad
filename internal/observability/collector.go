// Package observability turns platform events and HTTP traffic into
// Prometheus metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// Circuit breaker state gauge values
const (
	breakerClosed   = 0
	breakerHalfOpen = 1
	breakerOpen     = 2
)

// Collector is a domain.Listener that maintains Prometheus series for cache,
// selection, health and breaker events
type Collector struct {
	gatherer prometheus.Gatherer
	logger   *logger.Logger

	cacheHits          *prometheus.CounterVec
	cacheMisses        prometheus.Counter
	cacheEvictions     *prometheus.CounterVec
	cacheWrites        prometheus.Counter
	cacheDeletes       prometheus.Counter
	serverSelections   *prometheus.CounterVec
	serverMembership   *prometheus.CounterVec
	healthTransitions  *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers the platform metrics on reg. A nil reg gets a
// fresh registry.
func NewCollector(namespace string, reg *prometheus.Registry, log *logger.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	c := &Collector{
		gatherer: reg,
		logger:   logger.OrNop(log).MetricsLogger(),
	}

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits by level",
		},
		[]string{"level"},
	)
	c.cacheMisses = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of lookups that missed every level",
	})
	c.cacheEvictions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of evicted entries by level",
		},
		[]string{"level"},
	)
	c.cacheWrites = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_sets_total",
		Help:      "Total number of cache writes",
	})
	c.cacheDeletes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_deletes_total",
		Help:      "Total number of cache deletes",
	})

	c.serverSelections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_selections_total",
			Help:      "Total number of server selections by server and algorithm",
		},
		[]string{"server", "method"},
	)
	c.serverMembership = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_membership_changes_total",
			Help:      "Servers added to or removed from the registry",
		},
		[]string{"change"},
	)
	c.healthTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Health check classifications by server and status",
		},
		[]string{"server", "status"},
	)
	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by server and target state",
		},
		[]string{"server", "state"},
	)
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"server"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	return c
}

// OnEvent updates the series matching e.Kind
func (c *Collector) OnEvent(e domain.Event) {
	switch e.Kind {
	case domain.EventCacheHit:
		c.cacheHits.WithLabelValues(e.Level).Inc()
	case domain.EventCacheMiss:
		c.cacheMisses.Inc()
	case domain.EventCacheEvict:
		c.cacheEvictions.WithLabelValues(e.Level).Inc()
	case domain.EventCacheSet:
		c.cacheWrites.Inc()
	case domain.EventCacheDelete:
		c.cacheDeletes.Inc()

	case domain.EventServerSelected:
		c.serverSelections.WithLabelValues(e.ServerID, string(e.Method)).Inc()
	case domain.EventServerAdded:
		c.serverMembership.WithLabelValues("added").Inc()
		c.breakerState.WithLabelValues(e.ServerID).Set(breakerClosed)
	case domain.EventServerRemoved:
		c.serverMembership.WithLabelValues("removed").Inc()
		c.breakerState.DeleteLabelValues(e.ServerID)
	case domain.EventServerHealthy:
		c.healthTransitions.WithLabelValues(e.ServerID, "healthy").Inc()
	case domain.EventServerUnhealthy:
		c.healthTransitions.WithLabelValues(e.ServerID, "unhealthy").Inc()

	case domain.EventBreakerOpened:
		c.breakerTransition(e.ServerID, "open", breakerOpen)
	case domain.EventBreakerHalfOpened:
		c.breakerTransition(e.ServerID, "half-open", breakerHalfOpen)
	case domain.EventBreakerClosed:
		c.breakerTransition(e.ServerID, "closed", breakerClosed)

	default:
		c.logger.WithField("kind", string(e.Kind)).Debug("Ignoring unknown event kind")
	}
}

func (c *Collector) breakerTransition(serverID, state string, value float64) {
	c.breakerTransitions.WithLabelValues(serverID, state).Inc()
	c.breakerState.WithLabelValues(serverID).Set(value)
}

// ObserveHTTPRequest records one served HTTP request
func (c *Collector) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
