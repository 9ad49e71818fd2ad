// Package platform composes the hierarchical cache, the load balancer and
// the health checker behind one API and one event stream.
package platform

import (
	"context"
	"time"

	"github.com/mir00r/cache-balancer/internal/cache"
	"github.com/mir00r/cache-balancer/internal/circuitbreaker"
	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/events"
	"github.com/mir00r/cache-balancer/internal/service"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// Config is the typed construction surface of the platform
type Config struct {
	Cache        domain.CacheConfig        `json:"cache" yaml:"cache"`
	LoadBalancer domain.LoadBalancerConfig `json:"load_balancer" yaml:"load_balancer"`
	// EventHistory bounds the bus history served by Events
	EventHistory int `json:"event_history" yaml:"event_history"`
}

// BackendFactory returns the backend of one level for one shard. Unsharded
// caches are shard 0.
type BackendFactory[V any] func(shard int) cache.Backend[V]

type options[V any] struct {
	logger     *logger.Logger
	listeners  []domain.Listener
	backends   map[int]BackendFactory[V]
	prober     service.Prober
	now        func() time.Time
	random     func() float64
	autoManage bool
}

// Option configures a Platform
type Option[V any] func(*options[V])

// WithLogger sets the logger of every component
func WithLogger[V any](l *logger.Logger) Option[V] {
	return func(o *options[V]) {
		o.logger = l
	}
}

// WithListener subscribes l to the platform event stream
func WithListener[V any](l domain.Listener) Option[V] {
	return func(o *options[V]) {
		o.listeners = append(o.listeners, l)
	}
}

// WithLevelBackend puts a backend behind cache level n (1-based)
func WithLevelBackend[V any](n int, factory BackendFactory[V]) Option[V] {
	return func(o *options[V]) {
		o.backends[n] = factory
	}
}

// WithProber replaces the HTTP health probe
func WithProber[V any](p service.Prober) Option[V] {
	return func(o *options[V]) {
		o.prober = p
	}
}

// WithClock replaces the time source of the cache, breakers and hashing
func WithClock[V any](now func() time.Time) Option[V] {
	return func(o *options[V]) {
		o.now = now
	}
}

// WithRandom replaces the random source of weighted round-robin
func WithRandom[V any](random func() float64) Option[V] {
	return func(o *options[V]) {
		o.random = random
	}
}

// WithAutoManageStatus controls whether health events flip server status:
// server:unhealthy makes an active server inactive and server:healthy makes
// an inactive server active again. Enabled by default.
func WithAutoManageStatus[V any](enabled bool) Option[V] {
	return func(o *options[V]) {
		o.autoManage = enabled
	}
}

// Platform is the facade over cache, load balancer and health checker
type Platform[V any] struct {
	config Config
	logger *logger.Logger

	bus      *events.Bus
	cache    cache.Store[V]
	balancer *service.LoadBalancer
	health   *service.HealthChecker
	requests *service.RequestMetrics

	unsubscribe []func()
}

// New builds a platform. Components publish into one bus; ShardCount > 0
// selects a sharded cache.
func New[V any](config Config, opts ...Option[V]) (*Platform[V], error) {
	o := &options[V]{
		backends:   make(map[int]BackendFactory[V]),
		autoManage: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	log := logger.OrNop(o.logger)

	p := &Platform[V]{
		config:   config,
		logger:   log.PlatformLogger(),
		bus:      events.NewBus(config.EventHistory, log),
		requests: service.NewRequestMetrics(),
	}

	store, err := p.buildCache(o, log)
	if err != nil {
		return nil, err
	}
	p.cache = store

	lbOpts := []service.Option{service.WithListener(p.bus)}
	if o.now != nil {
		lbOpts = append(lbOpts, service.WithClock(o.now))
	}
	if o.random != nil {
		lbOpts = append(lbOpts, service.WithRandom(o.random))
	}
	p.balancer, err = service.NewLoadBalancer(config.LoadBalancer, nil, log, lbOpts...)
	if err != nil {
		return nil, err
	}

	hcOpts := []service.HealthCheckerOption{service.WithHealthListener(p.bus)}
	if o.prober != nil {
		hcOpts = append(hcOpts, service.WithProber(o.prober))
	}
	p.health = service.NewHealthChecker(config.LoadBalancer.HealthCheck, log, hcOpts...)

	for _, l := range o.listeners {
		p.unsubscribe = append(p.unsubscribe, p.bus.Subscribe(l))
	}
	if o.autoManage {
		p.unsubscribe = append(p.unsubscribe, p.bus.Subscribe(domain.ListenerFunc(p.manageStatus)))
	}
	return p, nil
}

func (p *Platform[V]) buildCache(o *options[V], log *logger.Logger) (cache.Store[V], error) {
	common := []cache.Option[V]{
		cache.WithLogger[V](log),
		cache.WithListener[V](p.bus),
	}
	if o.now != nil {
		common = append(common, cache.WithClock[V](o.now))
	}

	backendsFor := func(shard int) []cache.Option[V] {
		out := make([]cache.Option[V], 0, len(o.backends))
		for n, factory := range o.backends {
			out = append(out, cache.WithBackend[V](n, factory(shard)))
		}
		return out
	}

	if p.config.Cache.ShardCount > 0 {
		return cache.NewShardRouter[V](p.config.Cache, backendsFor, common...)
	}
	return cache.New[V](p.config.Cache, append(common, backendsFor(0)...)...)
}

// manageStatus reacts to health checker classifications
func (p *Platform[V]) manageStatus(e domain.Event) {
	var from, to domain.ServerStatus
	switch e.Kind {
	case domain.EventServerUnhealthy:
		from, to = domain.StatusActive, domain.StatusInactive
	case domain.EventServerHealthy:
		from, to = domain.StatusInactive, domain.StatusActive
	default:
		return
	}

	server, err := p.balancer.GetServer(e.ServerID)
	if err != nil || server.GetStatus() != from {
		return
	}
	server.SetStatus(to)
	p.logger.WithFields(map[string]interface{}{
		"server_id": e.ServerID,
		"from":      string(from),
		"to":        string(to),
	}).Info("Server status changed by health check")
}

// Get looks key up through the cache levels
func (p *Platform[V]) Get(ctx context.Context, key string) (cache.GetResult[V], error) {
	return p.cache.Get(ctx, key)
}

// GetOrLoad looks key up and back-fills from load on a full miss
func (p *Platform[V]) GetOrLoad(ctx context.Context, key string, load cache.Loader[V], opts cache.SetOptions) (cache.GetResult[V], error) {
	return p.cache.GetOrLoad(ctx, key, load, opts)
}

// Set writes value to the targeted levels
func (p *Platform[V]) Set(ctx context.Context, key string, value V, opts cache.SetOptions) error {
	return p.cache.Set(ctx, key, value, opts)
}

// Delete removes key from every level
func (p *Platform[V]) Delete(ctx context.Context, key string) bool {
	return p.cache.Delete(ctx, key)
}

// Clear empties one level, or every level when n is 0
func (p *Platform[V]) Clear(ctx context.Context, n int) (int, error) {
	return p.cache.Clear(ctx, n)
}

// InvalidateByTag removes every entry carrying tag
func (p *Platform[V]) InvalidateByTag(ctx context.Context, tag string, levels ...int) (int, error) {
	return p.cache.InvalidateByTag(ctx, tag, levels...)
}

// Peek inspects one level without touching access metadata
func (p *Platform[V]) Peek(n int, key string) (cache.Entry[V], bool) {
	return p.cache.Peek(n, key)
}

// NextServer selects an upstream for routingKey
func (p *Platform[V]) NextServer(routingKey string) (*domain.Server, error) {
	return p.balancer.GetNextServer(routingKey)
}

// AddServer registers a server and starts probing it
func (p *Platform[V]) AddServer(server *domain.Server) error {
	if err := p.balancer.AddServer(server); err != nil {
		return err
	}
	p.health.AddTarget(server.Target())
	return nil
}

// RemoveServer unregisters a server and stops probing it
func (p *Platform[V]) RemoveServer(id string) error {
	if err := p.balancer.RemoveServer(id); err != nil {
		return err
	}
	p.health.RemoveTarget(id)
	p.requests.Remove(id)
	return nil
}

// Servers returns the registry in insertion order
func (p *Platform[V]) Servers() []*domain.Server {
	return p.balancer.Servers()
}

// Server returns one registered server
func (p *Platform[V]) Server(id string) (*domain.Server, error) {
	return p.balancer.GetServer(id)
}

// SetAlgorithm switches the server selection algorithm
func (p *Platform[V]) SetAlgorithm(alg domain.Algorithm) error {
	return p.balancer.SetAlgorithm(alg)
}

// Breaker returns the circuit breaker of a server
func (p *Platform[V]) Breaker(id string) (*circuitbreaker.CircuitBreaker, bool) {
	return p.balancer.Breaker(id)
}

// ReportMetrics feeds one metrics sample for a server
func (p *Platform[V]) ReportMetrics(id string, sample domain.ServerMetrics) error {
	return p.balancer.UpdateServerMetrics(id, sample)
}

// Forward selects a server for routingKey and runs fn against it inside the
// server's circuit breaker, tracking active connections. The breaker sees
// the outcome once and the latency lands in the metrics window. The selected
// server is returned even when fn fails.
func (p *Platform[V]) Forward(ctx context.Context, routingKey string, fn func(ctx context.Context, server *domain.Server) error) (*domain.Server, error) {
	server, err := p.NextServer(routingKey)
	if err != nil {
		return nil, err
	}
	breaker, ok := p.Breaker(server.ID)
	if !ok {
		return server, errors.NewServerNotFoundError(server.ID)
	}

	server.IncrementConnections()
	defer server.DecrementConnections()

	start := time.Now()
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		return fn(ctx, server)
	})
	elapsed := time.Since(start)

	if errors.GetErrorCode(err) == errors.ErrCodeCircuitBreakerOpen {
		return server, err
	}

	sample := domain.ServerMetrics{ResponseTimeMs: float64(elapsed.Microseconds()) / 1000}
	if err != nil {
		sample.ErrorRate = 1
	}
	p.requests.Observe(server.ID, elapsed, err != nil)
	if reportErr := p.balancer.RecordRequestMetrics(server.ID, sample); reportErr != nil {
		// removed while the request was in flight
		p.logger.WithError(reportErr).WithField("server_id", server.ID).Debug("Dropping metrics sample")
	}
	return server, err
}

// Ready reports whether at least one server is eligible
func (p *Platform[V]) Ready() bool {
	return p.balancer.EligibleCount() > 0
}

// Events returns the platform event bus
func (p *Platform[V]) Events() *events.Bus {
	return p.bus
}

// Subscribe registers a listener on the event stream
func (p *Platform[V]) Subscribe(l domain.Listener) func() {
	return p.bus.Subscribe(l)
}

// LoadBalancer exposes the underlying load balancer
func (p *Platform[V]) LoadBalancer() *service.LoadBalancer {
	return p.balancer
}

// HealthChecker exposes the underlying health checker
func (p *Platform[V]) HealthChecker() *service.HealthChecker {
	return p.health
}

// Start runs the cache health loop and the health checker over the
// current registry
func (p *Platform[V]) Start(ctx context.Context) error {
	p.logger.Info("Starting platform")

	if err := p.cache.Start(ctx); err != nil {
		return err
	}
	targets := make([]domain.HealthTarget, 0)
	for _, s := range p.balancer.Servers() {
		targets = append(targets, s.Target())
	}
	if err := p.health.Start(ctx, targets); err != nil {
		p.cache.Stop()
		return err
	}

	p.logger.WithField("servers", len(targets)).Info("Platform started")
	return nil
}

// Stop halts background loops. Safe to call more than once.
func (p *Platform[V]) Stop() {
	p.health.Stop()
	p.cache.Stop()
	p.logger.Info("Platform stopped")
}

// Close stops the platform and drops its subscriptions
func (p *Platform[V]) Close() {
	p.Stop()
	for _, unsubscribe := range p.unsubscribe {
		unsubscribe()
	}
	p.unsubscribe = nil
}

// Stats is a snapshot of every component
type Stats struct {
	Cache        cache.Stats            `json:"cache"`
	LoadBalancer map[string]interface{} `json:"load_balancer"`
	HealthCheck  map[string]interface{} `json:"health_check"`
	Requests     map[string]interface{} `json:"requests"`
}

// Stats returns a snapshot of every component
func (p *Platform[V]) Stats() Stats {
	return Stats{
		Cache:        p.cache.Stats(),
		LoadBalancer: p.balancer.Stats(),
		HealthCheck:  p.health.GetStats(),
		Requests:     p.requests.GetStats(),
	}
}

// CacheHealth recomputes and returns the cache health
func (p *Platform[V]) CacheHealth() domain.HealthStatus {
	return p.cache.RefreshHealth()
}
