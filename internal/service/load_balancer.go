package service

import (
	"sync"
	"time"

	"github.com/mir00r/cache-balancer/internal/circuitbreaker"
	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/repository"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// LoadBalancer owns the server registry, one circuit breaker per server,
// the rolling metrics windows and the selection strategy.
type LoadBalancer struct {
	config   domain.LoadBalancerConfig
	repo     domain.ServerRepository
	logger   *logger.Logger
	listener domain.Listener
	random   func() float64
	now      func() time.Time

	metrics  *ServerMetricsStore
	sessions *StickySessions

	mu       sync.RWMutex
	strategy domain.SelectionStrategy
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// Option configures a LoadBalancer
type Option func(*LoadBalancer)

// WithListener sets the receiver of server and circuit breaker events
func WithListener(l domain.Listener) Option {
	return func(lb *LoadBalancer) {
		lb.listener = l
	}
}

// WithRandom replaces the random source used by weighted round-robin
func WithRandom(random func() float64) Option {
	return func(lb *LoadBalancer) {
		lb.random = random
	}
}

// WithClock replaces the time source of breakers and hashing
func WithClock(now func() time.Time) Option {
	return func(lb *LoadBalancer) {
		lb.now = now
	}
}

// NewLoadBalancer creates a load balancer. A nil repo gets an in-memory registry.
func NewLoadBalancer(
	config domain.LoadBalancerConfig,
	repo domain.ServerRepository,
	log *logger.Logger,
	opts ...Option,
) (*LoadBalancer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidConfig, "load_balancer", "invalid load balancer configuration")
	}
	if config.Algorithm == "" {
		config.Algorithm = domain.RoundRobin
	}
	if config.SessionAffinity == "" {
		config.SessionAffinity = domain.AffinityNone
	}
	config.CircuitBreaker = config.CircuitBreaker.WithDefaults()

	if repo == nil {
		repo = repository.NewInMemoryServerRepository()
	}

	lb := &LoadBalancer{
		config:   config,
		repo:     repo,
		logger:   logger.OrNop(log).LoadBalancerLogger(),
		now:      time.Now,
		metrics:  NewServerMetricsStore(),
		sessions: NewStickySessions(),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(lb)
	}

	if err := lb.setStrategy(config.Algorithm); err != nil {
		return nil, err
	}

	// servers already in the registry still need breakers
	for _, server := range repo.GetAll() {
		lb.breakers[server.ID] = lb.newBreaker(server.ID)
	}
	return lb, nil
}

func (lb *LoadBalancer) setStrategy(alg domain.Algorithm) error {
	strategy, err := NewStrategy(alg, StrategyOptions{
		Metrics: lb.metrics,
		Random:  lb.random,
		Now:     lb.now,
	})
	if err != nil {
		return err
	}
	lb.strategy = strategy
	lb.logger.Infof("Load balancing algorithm set to: %s", alg)
	return nil
}

// SetAlgorithm switches the selection algorithm
func (lb *LoadBalancer) SetAlgorithm(alg domain.Algorithm) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if err := lb.setStrategy(alg); err != nil {
		return err
	}
	lb.config.Algorithm = alg
	return nil
}

// Algorithm returns the configured selection algorithm
func (lb *LoadBalancer) Algorithm() domain.Algorithm {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.config.Algorithm
}

// SessionAffinity returns the configured affinity mode
func (lb *LoadBalancer) SessionAffinity() domain.SessionAffinity {
	return lb.config.SessionAffinity
}

func (lb *LoadBalancer) newBreaker(serverID string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(serverID, lb.config.CircuitBreaker,
		circuitbreaker.WithLogger(lb.logger),
		circuitbreaker.WithClock(lb.now),
		circuitbreaker.WithStateChange(lb.onBreakerStateChange),
	)
}

func (lb *LoadBalancer) onBreakerStateChange(serverID string, _, to circuitbreaker.State) {
	var kind domain.EventKind
	switch to {
	case circuitbreaker.StateOpen:
		kind = domain.EventBreakerOpened
	case circuitbreaker.StateHalfOpen:
		kind = domain.EventBreakerHalfOpened
	case circuitbreaker.StateClosed:
		kind = domain.EventBreakerClosed
	default:
		return
	}
	domain.Notify(lb.listener, domain.Event{Kind: kind, ServerID: serverID})
}

// AddServer registers a server and creates its circuit breaker
func (lb *LoadBalancer) AddServer(server *domain.Server) error {
	if server == nil {
		return errors.NewError(errors.ErrCodeInvalidRequest, "load_balancer", "server cannot be nil")
	}
	if server.Weight < 0 {
		return errors.NewError(errors.ErrCodeInvalidRequest, "load_balancer", "server weight cannot be negative").
			WithMetadata("server_id", server.ID)
	}

	lb.mu.Lock()
	if err := lb.repo.Save(server); err != nil {
		lb.mu.Unlock()
		return err
	}
	lb.breakers[server.ID] = lb.newBreaker(server.ID)
	lb.mu.Unlock()

	lb.logger.WithField("server_id", server.ID).
		WithField("address", server.Address()).
		Info("Added new server")
	domain.Notify(lb.listener, domain.Event{
		Kind:     domain.EventServerAdded,
		ServerID: server.ID,
		Address:  server.Address(),
	})
	return nil
}

// RemoveServer deletes a server together with its breaker, metrics and sticky sessions
func (lb *LoadBalancer) RemoveServer(id string) error {
	lb.mu.Lock()
	if err := lb.repo.Delete(id); err != nil {
		lb.mu.Unlock()
		return err
	}
	delete(lb.breakers, id)
	lb.mu.Unlock()

	lb.metrics.Remove(id)
	purged := lb.sessions.PurgeServer(id)

	lb.logger.WithField("server_id", id).
		WithField("purged_sessions", purged).
		Info("Removed server")
	domain.Notify(lb.listener, domain.Event{Kind: domain.EventServerRemoved, ServerID: id})
	return nil
}

// GetServer returns a registered server
func (lb *LoadBalancer) GetServer(id string) (*domain.Server, error) {
	return lb.repo.GetByID(id)
}

// Servers returns all registered servers in insertion order
func (lb *LoadBalancer) Servers() []*domain.Server {
	return lb.repo.GetAll()
}

// Breaker returns the circuit breaker of a server
func (lb *LoadBalancer) Breaker(id string) (*circuitbreaker.CircuitBreaker, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	b, ok := lb.breakers[id]
	return b, ok
}

// Metrics returns the averaged metrics of a server
func (lb *LoadBalancer) Metrics(id string) (domain.ServerMetrics, bool) {
	return lb.metrics.Average(id)
}

// UpdateServerMetrics appends a sample to the server's window, feeds its
// breaker and recomputes its health status
func (lb *LoadBalancer) UpdateServerMetrics(id string, sample domain.ServerMetrics) error {
	return lb.recordMetrics(id, sample, true)
}

// RecordRequestMetrics is UpdateServerMetrics for a request whose outcome
// the breaker already observed through Execute
func (lb *LoadBalancer) RecordRequestMetrics(id string, sample domain.ServerMetrics) error {
	return lb.recordMetrics(id, sample, false)
}

func (lb *LoadBalancer) recordMetrics(id string, sample domain.ServerMetrics, feedBreaker bool) error {
	server, err := lb.repo.GetByID(id)
	if err != nil {
		return err
	}
	breaker, _ := lb.Breaker(id)

	if sample.Timestamp.IsZero() {
		sample.Timestamp = lb.now()
	}
	avg := lb.metrics.Record(id, sample)

	if breaker != nil && feedBreaker {
		if sample.ErrorRate > 0.5 {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	previous := server.GetHealthStatus()
	health := DeriveHealth(avg, breaker != nil && breaker.IsOpen())
	server.SetHealthStatus(health)

	if health != previous {
		lb.logger.WithFields(map[string]interface{}{
			"server_id": id,
			"from":      string(previous),
			"to":        string(health),
		}).Info("Server health status changed")
	}
	return nil
}

// eligible snapshots the servers that are active and whose breaker allows requests
func (lb *LoadBalancer) eligible() (servers []*domain.Server, total int) {
	lb.mu.RLock()
	all := lb.repo.GetAll()
	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(lb.breakers))
	for id, b := range lb.breakers {
		breakers[id] = b
	}
	lb.mu.RUnlock()

	// breaker callbacks may fire from AllowRequest, so filter outside the lock
	filter := domain.NewCompositeServerFilter(
		domain.ActiveServerFilter{},
		domain.ServerFilterFunc{
			FilterName: "breaker_not_open",
			Keep: func(s *domain.Server) bool {
				b := breakers[s.ID]
				return b == nil || b.AllowRequest()
			},
		},
	)
	return filter.Filter(all), len(all)
}

// EligibleCount returns how many servers are currently selectable
func (lb *LoadBalancer) EligibleCount() int {
	servers, _ := lb.eligible()
	return len(servers)
}

// GetNextServer selects a server for routingKey, which may be empty
func (lb *LoadBalancer) GetNextServer(routingKey string) (*domain.Server, error) {
	servers, total := lb.eligible()
	if len(servers) == 0 {
		lb.logger.WithField("registered", total).Warn("No eligible servers")
		return nil, errors.NewNoActiveServersError(total)
	}

	lb.mu.RLock()
	strategy := lb.strategy
	lb.mu.RUnlock()

	pick := func() *domain.Server { return strategy.Select(servers, routingKey) }

	var selected *domain.Server
	if lb.config.SessionAffinity.Enabled() && routingKey != "" {
		stickyKey := StickyKey(lb.config.SessionAffinity, routingKey)
		s, hit := lb.sessions.LookupOrBind(stickyKey, servers, pick)
		if hit {
			lb.logger.WithField("server_id", s.ID).Debug("Sticky session hit")
			return s, nil
		}
		selected = s
	} else {
		selected = pick()
	}

	lb.logger.WithField("server_id", selected.ID).
		WithField("algorithm", string(strategy.Algorithm())).
		Debug("Selected server for request")
	domain.Notify(lb.listener, domain.Event{
		Kind:     domain.EventServerSelected,
		ServerID: selected.ID,
		Address:  selected.Address(),
		Method:   strategy.Algorithm(),
	})
	return selected, nil
}

// Stats returns load balancer statistics
func (lb *LoadBalancer) Stats() map[string]interface{} {
	lb.mu.RLock()
	breakers := make(map[string]circuitbreaker.Stats, len(lb.breakers))
	for id, b := range lb.breakers {
		breakers[id] = b.Stats()
	}
	strategy := lb.strategy
	lb.mu.RUnlock()

	servers := lb.repo.GetAll()
	snapshots := make([]domain.ServerSnapshot, 0, len(servers))
	for _, s := range servers {
		snapshots = append(snapshots, s.Snapshot())
	}

	stats := map[string]interface{}{
		"algorithm":        string(lb.Algorithm()),
		"session_affinity": string(lb.config.SessionAffinity),
		"total_servers":    len(servers),
		"eligible_servers": lb.EligibleCount(),
		"sticky_sessions":  lb.sessions.Len(),
		"servers":          snapshots,
		"circuit_breakers": breakers,
	}
	if s, ok := strategy.(interface{ Stats() map[string]interface{} }); ok {
		stats["strategy"] = s.Stats()
	}
	return stats
}
