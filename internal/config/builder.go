package config

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/mir00r/cache-balancer/internal/cache"
	"github.com/mir00r/cache-balancer/internal/domain"
)

// ConfigBuilder provides a fluent interface for building configurations.
// Argument errors are collected and returned by Build.
type ConfigBuilder struct {
	config *Config
	errors []error
}

// NewConfigBuilder creates a builder seeded with DefaultConfig
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

// WithPort sets the HTTP listener port
func (b *ConfigBuilder) WithPort(port int) *ConfigBuilder {
	if port <= 0 || port > 65535 {
		b.errors = append(b.errors, fmt.Errorf("invalid port number: %d", port))
		return b
	}
	b.config.Server.Port = port
	return b
}

// WithCacheLevels replaces the cache levels, fastest first
func (b *ConfigBuilder) WithCacheLevels(levels ...domain.LevelConfig) *ConfigBuilder {
	if len(levels) == 0 {
		b.errors = append(b.errors, fmt.Errorf("at least one cache level is required"))
		return b
	}
	b.config.Cache.Levels = append([]domain.LevelConfig(nil), levels...)
	return b
}

// WithShards partitions the cache into n shards
func (b *ConfigBuilder) WithShards(n int) *ConfigBuilder {
	if n < 0 {
		b.errors = append(b.errors, fmt.Errorf("shard count cannot be negative: %d", n))
		return b
	}
	b.config.Cache.ShardCount = n
	return b
}

// WithRedisLevel puts a Redis backend behind cache level n
func (b *ConfigBuilder) WithRedisLevel(n int, redis cache.RedisConfig) *ConfigBuilder {
	b.config.Cache.Redis = RedisConfig{Enabled: true, Level: n, RedisConfig: redis}
	return b
}

// WithAlgorithm selects the server selection algorithm
func (b *ConfigBuilder) WithAlgorithm(alg domain.Algorithm) *ConfigBuilder {
	if !alg.Valid() {
		b.errors = append(b.errors, fmt.Errorf("invalid load balancing algorithm: %s", alg))
		return b
	}
	b.config.LoadBalancer.Algorithm = alg
	return b
}

// WithSessionAffinity selects the sticky session mode
func (b *ConfigBuilder) WithSessionAffinity(mode domain.SessionAffinity) *ConfigBuilder {
	if !mode.Valid() {
		b.errors = append(b.errors, fmt.Errorf("invalid session affinity: %s", mode))
		return b
	}
	b.config.LoadBalancer.SessionAffinity = mode
	return b
}

// WithServer adds an upstream to the startup registry
func (b *ConfigBuilder) WithServer(id, host string, port, weight int) *ConfigBuilder {
	if id == "" {
		b.errors = append(b.errors, fmt.Errorf("server ID cannot be empty"))
		return b
	}
	if weight < 0 {
		b.errors = append(b.errors, fmt.Errorf("server weight cannot be negative: %d", weight))
		return b
	}
	b.config.Servers = append(b.config.Servers, ServerEntry{
		ID:     id,
		Host:   host,
		Port:   port,
		Weight: weight,
	})
	return b
}

// WithHealthCheck configures active probing
func (b *ConfigBuilder) WithHealthCheck(interval, timeout time.Duration, path string, healthy, unhealthy int) *ConfigBuilder {
	if interval <= 0 || timeout <= 0 {
		b.errors = append(b.errors, fmt.Errorf("health check interval and timeout must be positive"))
		return b
	}
	if healthy <= 0 || unhealthy <= 0 {
		b.errors = append(b.errors, fmt.Errorf("health check thresholds must be positive"))
		return b
	}

	hc := &b.config.LoadBalancer.HealthCheck
	hc.Enabled = true
	hc.Interval = interval
	hc.Timeout = timeout
	hc.Path = path
	hc.HealthyThreshold = healthy
	hc.UnhealthyThreshold = unhealthy
	return b
}

// WithoutHealthCheck disables active probing
func (b *ConfigBuilder) WithoutHealthCheck() *ConfigBuilder {
	b.config.LoadBalancer.HealthCheck.Enabled = false
	return b
}

// WithCircuitBreaker configures the per-server breakers
func (b *ConfigBuilder) WithCircuitBreaker(failures, successes int, timeout time.Duration) *ConfigBuilder {
	if failures <= 0 || successes <= 0 || timeout <= 0 {
		b.errors = append(b.errors, fmt.Errorf("circuit breaker thresholds and timeout must be positive"))
		return b
	}
	b.config.LoadBalancer.CircuitBreaker = domain.CircuitBreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          timeout,
	}
	return b
}

// WithLogging configures logging
func (b *ConfigBuilder) WithLogging(level, format, output string) *ConfigBuilder {
	b.config.Logging.Level = level
	b.config.Logging.Format = format
	b.config.Logging.Output = output
	return b
}

// WithAdminRateLimit limits admin requests per client
func (b *ConfigBuilder) WithAdminRateLimit(requestsPerSecond float64, burst int) *ConfigBuilder {
	if requestsPerSecond <= 0 || burst <= 0 {
		b.errors = append(b.errors, fmt.Errorf("rate limit values must be positive"))
		return b
	}
	b.config.Admin.RateLimit = RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         burst,
	}
	return b
}

// WithJWT requires HMAC bearer tokens on mutating admin routes
func (b *ConfigBuilder) WithJWT(secret string) *ConfigBuilder {
	b.config.Admin.JWT.Enabled = true
	b.config.Admin.JWT.Secret = secret
	return b
}

// Build returns the configuration, the joined argument errors or the
// validation error
func (b *ConfigBuilder) Build() (*Config, error) {
	if len(b.errors) > 0 {
		return nil, stderrors.Join(b.errors...)
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}
