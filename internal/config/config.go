// Package config loads the platform configuration from a YAML file with
// PLATFORM_* environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/cache-balancer/internal/cache"
	"github.com/mir00r/cache-balancer/internal/discovery"
	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/platform"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// Config represents the main configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Cache        CacheConfig        `yaml:"cache"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Servers      []ServerEntry      `yaml:"servers"`
	Discovery    discovery.Config   `yaml:"discovery"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Admin        AdminConfig        `yaml:"admin"`
}

// ServerConfig contains HTTP listener configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HTTP2Enabled    bool          `yaml:"http2_enabled"`
}

// CacheConfig contains the cache levels and the optional Redis level backend
type CacheConfig struct {
	Levels         []domain.LevelConfig `yaml:"levels"`
	ShardCount     int                  `yaml:"shard_count"`
	HealthInterval time.Duration        `yaml:"health_interval"`
	Redis          RedisConfig          `yaml:"redis"`
}

// RedisConfig puts a Redis backend behind one cache level
type RedisConfig struct {
	Enabled           bool `yaml:"enabled"`
	Level             int  `yaml:"level"`
	cache.RedisConfig `yaml:",inline"`
}

// LoadBalancerConfig contains load balancer specific configuration
type LoadBalancerConfig struct {
	domain.LoadBalancerConfig `yaml:",inline"`
	AutoManageStatus          bool `yaml:"auto_manage_status"`
	EventHistory              int  `yaml:"event_history"`
}

// ServerEntry is one upstream registered at startup
type ServerEntry struct {
	ID             string `yaml:"id"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Weight         int    `yaml:"weight"`
	MaxConnections int    `yaml:"max_connections"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Path      string          `yaml:"path"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	JWT       JWTConfig       `yaml:"jwt"`
}

// RateLimitConfig limits admin requests per client
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// JWTConfig protects mutating admin routes with HMAC-signed bearer tokens
type JWTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			Levels: []domain.LevelConfig{
				{Name: "L1", MaxEntries: 1000, TTL: 5 * time.Minute, Strategy: domain.EvictLRU},
				{Name: "L2", MaxEntries: 10000, TTL: time.Hour, Strategy: domain.EvictLFU},
			},
			HealthInterval: 30 * time.Second,
			Redis: RedisConfig{
				Level: 2,
				RedisConfig: cache.RedisConfig{
					Addr:      "localhost:6379",
					PoolSize:  10,
					KeyPrefix: "cache:",
				},
			},
		},
		LoadBalancer: LoadBalancerConfig{
			LoadBalancerConfig: domain.LoadBalancerConfig{
				Algorithm:       domain.RoundRobin,
				SessionAffinity: domain.AffinityNone,
				HealthCheck: domain.HealthCheckConfig{
					Enabled:            true,
					Interval:           30 * time.Second,
					Timeout:            5 * time.Second,
					HealthyThreshold:   2,
					UnhealthyThreshold: 3,
					Path:               "/health",
					Method:             "GET",
					ExpectedStatus:     []int{200},
				},
				CircuitBreaker: domain.CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
			},
			AutoManageStatus: true,
			EventHistory:     1000,
		},
		Discovery: discovery.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "platform",
		},
		Admin: AdminConfig{
			Enabled: true,
			Path:    "/admin",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
			JWT: JWTConfig{Issuer: "cache-balancer"},
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	config := DefaultConfig()
	if err := config.mergeFile(filename); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) mergeFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.NewConfigError("config", fmt.Sprintf(format, args...))
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return invalid("server read_timeout and write_timeout must be positive")
	}

	if err := c.Cache.toDomain().Validate(); err != nil {
		return invalid("cache: %v", err)
	}
	if c.Cache.Redis.Enabled {
		if c.Cache.Redis.Addr == "" {
			return invalid("cache.redis.addr cannot be empty")
		}
		if c.Cache.Redis.Level < 1 || c.Cache.Redis.Level > len(c.Cache.Levels) {
			return invalid("cache.redis.level %d is out of range 1..%d", c.Cache.Redis.Level, len(c.Cache.Levels))
		}
	}

	if err := c.LoadBalancer.Validate(); err != nil {
		return invalid("load_balancer: %v", err)
	}
	if hc := c.LoadBalancer.HealthCheck; hc.Enabled {
		if hc.Interval <= 0 {
			return invalid("health_check.interval must be positive")
		}
		if hc.Timeout <= 0 {
			return invalid("health_check.timeout must be positive")
		}
		if hc.HealthyThreshold <= 0 || hc.UnhealthyThreshold <= 0 {
			return invalid("health_check thresholds must be positive")
		}
	}
	if cb := c.LoadBalancer.CircuitBreaker; cb.FailureThreshold < 0 || cb.SuccessThreshold < 0 || cb.Timeout < 0 {
		return invalid("circuit_breaker values cannot be negative")
	}

	serverIDs := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" {
			return invalid("servers[%d]: id cannot be empty", i)
		}
		if serverIDs[s.ID] {
			return invalid("servers[%d]: duplicate id '%s'", i, s.ID)
		}
		serverIDs[s.ID] = true

		if s.Host == "" {
			return invalid("servers[%d]: host cannot be empty", i)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return invalid("servers[%d]: invalid port %d", i, s.Port)
		}
		if s.Weight < 0 {
			return invalid("servers[%d]: weight cannot be negative", i)
		}
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if err := c.Discovery.Validate(); err != nil {
		return invalid("discovery: %v", err)
	}

	if !validLevels[c.Logging.Level] {
		return invalid("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return invalid("invalid log format: %s", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return invalid("invalid log output: %s", c.Logging.Output)
	}

	if rl := c.Admin.RateLimit; rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			return invalid("admin.rate_limit.requests_per_second must be positive")
		}
		if rl.BurstSize <= 0 {
			return invalid("admin.rate_limit.burst_size must be positive")
		}
	}
	if c.Admin.JWT.Enabled && c.Admin.JWT.Secret == "" {
		return invalid("admin.jwt.secret is required when jwt is enabled")
	}
	return nil
}

func (c CacheConfig) toDomain() domain.CacheConfig {
	return domain.CacheConfig{
		Levels:         c.Levels,
		ShardCount:     c.ShardCount,
		HealthInterval: c.HealthInterval,
	}
}

// ToPlatformConfig converts to the typed platform construction config
func (c *Config) ToPlatformConfig() platform.Config {
	return platform.Config{
		Cache:        c.Cache.toDomain(),
		LoadBalancer: c.LoadBalancer.LoadBalancerConfig,
		EventHistory: c.LoadBalancer.EventHistory,
	}
}

// ToServers converts the startup registry to domain servers
func (c *Config) ToServers() []*domain.Server {
	servers := make([]*domain.Server, len(c.Servers))
	for i, s := range c.Servers {
		server := domain.NewServer(s.ID, s.Host, s.Port, s.Weight)
		if s.MaxConnections > 0 {
			server.MaxConnections = s.MaxConnections
		}
		servers[i] = server
	}
	return servers
}

// ToLoggerConfig converts the logging section
func (c *Config) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
		File:   c.Logging.File,
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}
	return nil
}
