package service

import (
	"math"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/hashing"
)

// StrategyStats holds thread-safe selection statistics for a strategy
type StrategyStats struct {
	TotalSelections int64
	LastUsed        int64 // Unix milliseconds
	mu              sync.RWMutex
	perServer       map[string]int64
}

// NewStrategyStats creates a new statistics collector
func NewStrategyStats() *StrategyStats {
	return &StrategyStats{perServer: make(map[string]int64)}
}

func (s *StrategyStats) record(server *domain.Server) {
	atomic.AddInt64(&s.TotalSelections, 1)
	atomic.StoreInt64(&s.LastUsed, time.Now().UnixMilli())

	s.mu.Lock()
	s.perServer[server.ID]++
	s.mu.Unlock()
}

// GetStats returns a snapshot of current statistics
func (s *StrategyStats) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perServer := make(map[string]int64, len(s.perServer))
	for id, n := range s.perServer {
		perServer[id] = n
	}
	return map[string]interface{}{
		"total_selections": atomic.LoadInt64(&s.TotalSelections),
		"last_used":        atomic.LoadInt64(&s.LastUsed),
		"per_server":       perServer,
	}
}

func (s *StrategyStats) reset() {
	atomic.StoreInt64(&s.TotalSelections, 0)
	atomic.StoreInt64(&s.LastUsed, 0)
	s.mu.Lock()
	s.perServer = make(map[string]int64)
	s.mu.Unlock()
}

// MetricsSource supplies averaged server metrics to the adaptive strategy
type MetricsSource interface {
	Average(serverID string) (domain.ServerMetrics, bool)
}

// BaseStrategy provides the algorithm name and statistics shared by all strategies
type BaseStrategy struct {
	algorithm domain.Algorithm
	stats     *StrategyStats
}

func newBaseStrategy(alg domain.Algorithm) BaseStrategy {
	return BaseStrategy{algorithm: alg, stats: NewStrategyStats()}
}

// Algorithm returns the algorithm name
func (b *BaseStrategy) Algorithm() domain.Algorithm {
	return b.algorithm
}

// Stats returns the strategy's selection statistics
func (b *BaseStrategy) Stats() map[string]interface{} {
	stats := b.stats.GetStats()
	stats["algorithm"] = string(b.algorithm)
	return stats
}

func (b *BaseStrategy) selected(server *domain.Server) *domain.Server {
	b.stats.record(server)
	return server
}

// RoundRobinStrategy cycles through the eligible servers in order
type RoundRobinStrategy struct {
	BaseStrategy
	counter uint64
}

// NewRoundRobinStrategy creates a round-robin strategy
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{BaseStrategy: newBaseStrategy(domain.RoundRobin)}
}

func (s *RoundRobinStrategy) Select(servers []*domain.Server, _ string) *domain.Server {
	next := atomic.AddUint64(&s.counter, 1)
	return s.selected(servers[(next-1)%uint64(len(servers))])
}

func (s *RoundRobinStrategy) Reset() {
	atomic.StoreUint64(&s.counter, 0)
	s.stats.reset()
}

// WeightedRoundRobinStrategy draws a server with probability proportional to its weight
type WeightedRoundRobinStrategy struct {
	BaseStrategy
	mu     sync.Mutex
	random func() float64
}

// NewWeightedRoundRobinStrategy creates a weighted strategy. random must
// return values in [0, 1); nil uses math/rand.
func NewWeightedRoundRobinStrategy(random func() float64) *WeightedRoundRobinStrategy {
	if random == nil {
		random = rand.Float64
	}
	return &WeightedRoundRobinStrategy{
		BaseStrategy: newBaseStrategy(domain.WeightedRoundRobin),
		random:       random,
	}
}

func (s *WeightedRoundRobinStrategy) Select(servers []*domain.Server, _ string) *domain.Server {
	total := 0
	for _, server := range servers {
		if server.Weight > 0 {
			total += server.Weight
		}
	}
	if total == 0 {
		return s.selected(servers[0])
	}

	s.mu.Lock()
	r := s.random() * float64(total)
	s.mu.Unlock()

	for _, server := range servers {
		if server.Weight <= 0 {
			continue
		}
		r -= float64(server.Weight)
		if r <= 0 {
			return s.selected(server)
		}
	}
	// float rounding can leave r marginally above zero
	for i := len(servers) - 1; i >= 0; i-- {
		if servers[i].Weight > 0 {
			return s.selected(servers[i])
		}
	}
	return s.selected(servers[0])
}

func (s *WeightedRoundRobinStrategy) Reset() {
	s.stats.reset()
}

// LeastConnectionsStrategy picks the server with the fewest active connections
type LeastConnectionsStrategy struct {
	BaseStrategy
}

// NewLeastConnectionsStrategy creates a least-connections strategy
func NewLeastConnectionsStrategy() *LeastConnectionsStrategy {
	return &LeastConnectionsStrategy{BaseStrategy: newBaseStrategy(domain.LeastConnections)}
}

func (s *LeastConnectionsStrategy) Select(servers []*domain.Server, _ string) *domain.Server {
	best := servers[0]
	bestConns := best.GetActiveConnections()
	for _, server := range servers[1:] {
		if conns := server.GetActiveConnections(); conns < bestConns {
			best, bestConns = server, conns
		}
	}
	return s.selected(best)
}

func (s *LeastConnectionsStrategy) Reset() {
	s.stats.reset()
}

// WeightedLeastConnectionsStrategy picks the minimum of activeConnections/weight.
// Servers with weight <= 0 are only chosen when nothing else is eligible.
type WeightedLeastConnectionsStrategy struct {
	BaseStrategy
}

// NewWeightedLeastConnectionsStrategy creates a weighted least-connections strategy
func NewWeightedLeastConnectionsStrategy() *WeightedLeastConnectionsStrategy {
	return &WeightedLeastConnectionsStrategy{BaseStrategy: newBaseStrategy(domain.WeightedLeastConnections)}
}

func (s *WeightedLeastConnectionsStrategy) Select(servers []*domain.Server, _ string) *domain.Server {
	best := servers[0]
	bestLoad := weightedLoad(best)
	for _, server := range servers[1:] {
		if load := weightedLoad(server); load < bestLoad {
			best, bestLoad = server, load
		}
	}
	return s.selected(best)
}

func (s *WeightedLeastConnectionsStrategy) Reset() {
	s.stats.reset()
}

func weightedLoad(server *domain.Server) float64 {
	if server.Weight <= 0 {
		return math.Inf(1)
	}
	return float64(server.GetActiveConnections()) / float64(server.Weight)
}

// ConsistentHashingStrategy maps a routing key to hash(key) mod len(servers).
// This is modulo placement, not a ring: membership changes remap keys.
type ConsistentHashingStrategy struct {
	BaseStrategy
	now func() time.Time
}

// NewConsistentHashingStrategy creates a hashing strategy. Requests without a
// routing key hash the current time in milliseconds.
func NewConsistentHashingStrategy(now func() time.Time) *ConsistentHashingStrategy {
	if now == nil {
		now = time.Now
	}
	return &ConsistentHashingStrategy{
		BaseStrategy: newBaseStrategy(domain.ConsistentHashing),
		now:          now,
	}
}

func (s *ConsistentHashingStrategy) Select(servers []*domain.Server, routingKey string) *domain.Server {
	key := routingKey
	if key == "" {
		key = strconv.FormatInt(s.now().UnixMilli(), 10)
	}
	return s.selected(servers[hashing.Index(key, len(servers))])
}

func (s *ConsistentHashingStrategy) Reset() {
	s.stats.reset()
}

// AdaptiveStrategy scores servers on utilization, latency, error rate and weight
type AdaptiveStrategy struct {
	BaseStrategy
	metrics MetricsSource
}

// NewAdaptiveStrategy creates an adaptive strategy reading averaged metrics from source
func NewAdaptiveStrategy(source MetricsSource) *AdaptiveStrategy {
	return &AdaptiveStrategy{
		BaseStrategy: newBaseStrategy(domain.Adaptive),
		metrics:      source,
	}
}

func (s *AdaptiveStrategy) Select(servers []*domain.Server, _ string) *domain.Server {
	best := servers[0]
	bestScore := s.Score(best)
	for _, server := range servers[1:] {
		if score := s.Score(server); score > bestScore {
			best, bestScore = server, score
		}
	}
	return s.selected(best)
}

// Score computes the adaptive score of a server; higher is better.
// A server without samples counts as zero latency and zero errors.
func (s *AdaptiveStrategy) Score(server *domain.Server) float64 {
	var avg domain.ServerMetrics
	if s.metrics != nil {
		avg, _ = s.metrics.Average(server.ID)
	}

	utilization := 1.0
	if server.MaxConnections > 0 {
		utilization = 1 - float64(server.GetActiveConnections())/float64(server.MaxConnections)
	}

	return 0.3*utilization +
		0.3*(1/(avg.ResponseTimeMs+1)) +
		0.3*(1-avg.ErrorRate) +
		0.1*(float64(server.Weight)/10)
}

func (s *AdaptiveStrategy) Reset() {
	s.stats.reset()
}

// StrategyOptions supplies the collaborators some strategies need
type StrategyOptions struct {
	// Metrics feeds the adaptive strategy
	Metrics MetricsSource
	// Random feeds weighted round-robin; nil uses math/rand
	Random func() float64
	// Now seeds consistent hashing for requests without a routing key
	Now func() time.Time
}

// NewStrategy builds the strategy for alg
func NewStrategy(alg domain.Algorithm, opts StrategyOptions) (domain.SelectionStrategy, error) {
	switch alg {
	case domain.RoundRobin:
		return NewRoundRobinStrategy(), nil
	case domain.WeightedRoundRobin:
		return NewWeightedRoundRobinStrategy(opts.Random), nil
	case domain.LeastConnections:
		return NewLeastConnectionsStrategy(), nil
	case domain.WeightedLeastConnections:
		return NewWeightedLeastConnectionsStrategy(), nil
	case domain.ConsistentHashing:
		return NewConsistentHashingStrategy(opts.Now), nil
	case domain.Adaptive:
		return NewAdaptiveStrategy(opts.Metrics), nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidAlgorithm, "load_balancer",
			"unsupported algorithm: "+string(alg))
	}
}
