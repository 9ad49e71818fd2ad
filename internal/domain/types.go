package domain

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ServerStatus is the administrative status of an upstream server
type ServerStatus string

const (
	// StatusActive means the server may receive traffic
	StatusActive ServerStatus = "active"
	// StatusInactive means the server is excluded from selection
	StatusInactive ServerStatus = "inactive"
	// StatusDraining means the server finishes in-flight work but gets no new traffic
	StatusDraining ServerStatus = "draining"
)

// Valid reports whether s is a known status
func (s ServerStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDraining:
		return true
	}
	return false
}

// HealthStatus is the derived health of a server or a cache level
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Server represents an upstream with its configuration and runtime state
type Server struct {
	ID             string `json:"id" yaml:"id"`
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Weight         int    `json:"weight" yaml:"weight"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`

	// Runtime state
	activeConnections int64
	mu                sync.RWMutex
	status            ServerStatus
	health            HealthStatus
}

// NewServer creates an active, healthy server with the given identity
func NewServer(id, host string, port, weight int) *Server {
	return &Server{
		ID:             id,
		Host:           host,
		Port:           port,
		Weight:         weight,
		MaxConnections: 100,
		status:         StatusActive,
		health:         HealthHealthy,
	}
}

// Address returns host:port
func (s *Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the plain HTTP base URL of the server
func (s *Server) URL() string {
	return "http://" + s.Address()
}

// IncrementConnections atomically increments the active connection count
func (s *Server) IncrementConnections() {
	atomic.AddInt64(&s.activeConnections, 1)
}

// DecrementConnections atomically decrements the active connection count
func (s *Server) DecrementConnections() {
	atomic.AddInt64(&s.activeConnections, -1)
}

// SetActiveConnections overwrites the active connection count
func (s *Server) SetActiveConnections(n int64) {
	atomic.StoreInt64(&s.activeConnections, n)
}

// GetActiveConnections returns the current number of active connections
func (s *Server) GetActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConnections)
}

// SetStatus updates the administrative status
func (s *Server) SetStatus(status ServerStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// GetStatus returns the administrative status
func (s *Server) GetStatus() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsActive returns true if the server status is active
func (s *Server) IsActive() bool {
	return s.GetStatus() == StatusActive
}

// SetHealthStatus records the derived health status
func (s *Server) SetHealthStatus(h HealthStatus) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

// GetHealthStatus returns the derived health status
func (s *Server) GetHealthStatus() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// Target returns the identity the health checker probes
func (s *Server) Target() HealthTarget {
	return HealthTarget{ID: s.ID, Host: s.Host, Port: s.Port}
}

// ServerSnapshot is a point-in-time copy of a server, safe to serialize
type ServerSnapshot struct {
	ID                string       `json:"id"`
	Host              string       `json:"host"`
	Port              int          `json:"port"`
	Weight            int          `json:"weight"`
	MaxConnections    int          `json:"max_connections"`
	ActiveConnections int64        `json:"active_connections"`
	Status            ServerStatus `json:"status"`
	HealthStatus      HealthStatus `json:"health_status"`
}

// Snapshot copies the server's configuration and runtime state
func (s *Server) Snapshot() ServerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServerSnapshot{
		ID:                s.ID,
		Host:              s.Host,
		Port:              s.Port,
		Weight:            s.Weight,
		MaxConnections:    s.MaxConnections,
		ActiveConnections: s.GetActiveConnections(),
		Status:            s.status,
		HealthStatus:      s.health,
	}
}

// MarshalJSON serializes the snapshot rather than the lock-guarded fields
func (s *Server) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// ServerMetrics is one metrics sample, or the average of a window of samples
type ServerMetrics struct {
	ResponseTimeMs float64   `json:"response_time_ms"`
	ErrorRate      float64   `json:"error_rate"`
	Throughput     float64   `json:"throughput"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	Timestamp      time.Time `json:"timestamp"`
}

// Algorithm names a server selection algorithm
type Algorithm string

const (
	RoundRobin               Algorithm = "round-robin"
	WeightedRoundRobin       Algorithm = "weighted-round-robin"
	LeastConnections         Algorithm = "least-connections"
	WeightedLeastConnections Algorithm = "weighted-least-connections"
	ConsistentHashing        Algorithm = "consistent-hashing"
	Adaptive                 Algorithm = "adaptive"
)

// Algorithms lists every supported selection algorithm
var Algorithms = []Algorithm{
	RoundRobin, WeightedRoundRobin, LeastConnections,
	WeightedLeastConnections, ConsistentHashing, Adaptive,
}

// Valid reports whether a is a supported algorithm
func (a Algorithm) Valid() bool {
	for _, known := range Algorithms {
		if a == known {
			return true
		}
	}
	return false
}

// SessionAffinity selects how a routing key is turned into a sticky key
type SessionAffinity string

const (
	AffinityNone   SessionAffinity = "none"
	AffinityIP     SessionAffinity = "ip"
	AffinityCookie SessionAffinity = "cookie"
	AffinityURL    SessionAffinity = "url"
)

// Valid reports whether a is a known affinity mode
func (a SessionAffinity) Valid() bool {
	switch a {
	case "", AffinityNone, AffinityIP, AffinityCookie, AffinityURL:
		return true
	}
	return false
}

// Enabled reports whether sticky routing is on
func (a SessionAffinity) Enabled() bool {
	return a != "" && a != AffinityNone
}

// HealthCheckConfig defines configuration for active health checking
type HealthCheckConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Interval           time.Duration `json:"interval" yaml:"interval"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	HealthyThreshold   int           `json:"healthy_threshold" yaml:"healthy_threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	Path               string        `json:"path" yaml:"path"`
	Method             string        `json:"method" yaml:"method"`
	ExpectedStatus     []int         `json:"expected_status" yaml:"expected_status"`
}

// WithDefaults fills zero fields with usable defaults
func (c HealthCheckConfig) WithDefaults() HealthCheckConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = 2
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.Path == "" {
		c.Path = "/health"
	}
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if len(c.ExpectedStatus) == 0 {
		c.ExpectedStatus = []int{http.StatusOK}
	}
	return c
}

// CircuitBreakerConfig defines configuration for the per-server breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

// WithDefaults fills zero fields with usable defaults
func (c CircuitBreakerConfig) WithDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// LoadBalancerConfig defines the configuration for the load balancer
type LoadBalancerConfig struct {
	Algorithm       Algorithm            `json:"algorithm" yaml:"algorithm"`
	SessionAffinity SessionAffinity      `json:"session_affinity" yaml:"session_affinity"`
	HealthCheck     HealthCheckConfig    `json:"health_check" yaml:"health_check"`
	CircuitBreaker  CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// Validate checks algorithm and affinity names
func (c LoadBalancerConfig) Validate() error {
	if c.Algorithm != "" && !c.Algorithm.Valid() {
		return fmt.Errorf("unknown algorithm %q", c.Algorithm)
	}
	if !c.SessionAffinity.Valid() {
		return fmt.Errorf("unknown session affinity %q", c.SessionAffinity)
	}
	return nil
}

// EvictionStrategy selects the victim when a cache level is full
type EvictionStrategy string

const (
	EvictLRU  EvictionStrategy = "lru"
	EvictLFU  EvictionStrategy = "lfu"
	EvictFIFO EvictionStrategy = "fifo"
	EvictMRU  EvictionStrategy = "mru"
	EvictTTL  EvictionStrategy = "ttl"
)

// Valid reports whether s is a known strategy
func (s EvictionStrategy) Valid() bool {
	switch s {
	case EvictLRU, EvictLFU, EvictFIFO, EvictMRU, EvictTTL:
		return true
	}
	return false
}

// LevelConfig configures one cache level. Immutable after construction.
type LevelConfig struct {
	Name       string           `json:"name" yaml:"name"`
	MaxEntries int              `json:"max_entries" yaml:"max_entries"`
	MaxBytes   int64            `json:"max_bytes" yaml:"max_bytes"`
	TTL        time.Duration    `json:"ttl" yaml:"ttl"`
	Strategy   EvictionStrategy `json:"strategy" yaml:"strategy"`
}

// CacheConfig configures a hierarchical cache, optionally sharded
type CacheConfig struct {
	Levels         []LevelConfig `json:"levels" yaml:"levels"`
	ShardCount     int           `json:"shard_count" yaml:"shard_count"`
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval"`
}

// Validate checks the level definitions
func (c CacheConfig) Validate() error {
	if len(c.Levels) == 0 {
		return fmt.Errorf("at least one cache level is required")
	}
	for i, l := range c.Levels {
		if l.MaxEntries <= 0 && l.MaxBytes <= 0 {
			return fmt.Errorf("level %d: max_entries or max_bytes must be positive", i+1)
		}
		if l.TTL <= 0 {
			return fmt.Errorf("level %d: ttl must be positive", i+1)
		}
		if l.Strategy != "" && !l.Strategy.Valid() {
			return fmt.Errorf("level %d: unknown eviction strategy %q", i+1, l.Strategy)
		}
	}
	if c.ShardCount < 0 {
		return fmt.Errorf("shard_count cannot be negative")
	}
	return nil
}

// HealthTarget is the identity a health checker probes
type HealthTarget struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns host:port
func (t HealthTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ProbeStatus is the outcome of one health probe
type ProbeStatus string

const (
	ProbePass ProbeStatus = "pass"
	ProbeFail ProbeStatus = "fail"
)

// HealthCheckResult records one probe of one server
type HealthCheckResult struct {
	ServerID     string        `json:"server_id"`
	Status       ProbeStatus   `json:"status"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Timestamp    time.Time     `json:"timestamp"`
	Error        string        `json:"error,omitempty"`
}
