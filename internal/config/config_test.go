package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/cache-balancer/internal/cache"
	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
)

const sampleYAML = `
server:
  port: 9090
  http2_enabled: true
cache:
  shard_count: 4
  levels:
    - name: hot
      max_entries: 50
      ttl: 30s
      strategy: lru
    - name: warm
      max_entries: 500
      ttl: 10m
      strategy: ttl
  redis:
    enabled: true
    level: 2
    addr: redis:6379
    key_prefix: "app:"
load_balancer:
  algorithm: consistent-hashing
  session_affinity: ip
  auto_manage_status: false
  health_check:
    enabled: true
    interval: 5s
    timeout: 1s
    healthy_threshold: 1
    unhealthy_threshold: 2
    path: /ping
  circuit_breaker:
    failure_threshold: 3
    success_threshold: 1
    timeout: 10s
servers:
  - id: api-1
    host: 10.0.0.1
    port: 8081
    weight: 2
  - id: api-2
    host: 10.0.0.2
    port: 8081
    weight: 1
    max_connections: 10
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Cache.Levels, 2)
	assert.Equal(t, domain.RoundRobin, cfg.LoadBalancer.Algorithm)
	assert.True(t, cfg.LoadBalancer.AutoManageStatus)
	assert.False(t, cfg.Cache.Redis.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeFile(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.HTTP2Enabled)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	require.Len(t, cfg.Cache.Levels, 2)
	assert.Equal(t, "hot", cfg.Cache.Levels[0].Name)
	assert.Equal(t, 30*time.Second, cfg.Cache.Levels[0].TTL)
	assert.Equal(t, domain.EvictTTL, cfg.Cache.Levels[1].Strategy)
	assert.Equal(t, 4, cfg.Cache.ShardCount)
	assert.True(t, cfg.Cache.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, "app:", cfg.Cache.Redis.KeyPrefix)
	assert.Equal(t, 10, cfg.Cache.Redis.PoolSize)

	lb := cfg.LoadBalancer
	assert.Equal(t, domain.ConsistentHashing, lb.Algorithm)
	assert.Equal(t, domain.AffinityIP, lb.SessionAffinity)
	assert.False(t, lb.AutoManageStatus)
	assert.Equal(t, 5*time.Second, lb.HealthCheck.Interval)
	assert.Equal(t, "/ping", lb.HealthCheck.Path)
	assert.Equal(t, []int{200}, lb.HealthCheck.ExpectedStatus)
	assert.Equal(t, 3, lb.CircuitBreaker.FailureThreshold)

	servers := cfg.ToServers()
	require.Len(t, servers, 2)
	assert.Equal(t, "10.0.0.1:8081", servers[0].Address())
	assert.Equal(t, 2, servers[0].Weight)
	assert.Equal(t, 100, servers[0].MaxConnections)
	assert.Equal(t, 10, servers[1].MaxConnections)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "server: [not a map"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "load_balancer:\n  algorithm: random\n"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoadConfigEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, sampleYAML)
	t.Setenv("PLATFORM_PORT", "7070")
	t.Setenv("PLATFORM_ALGORITHM", "least-connections")
	t.Setenv("PLATFORM_HEALTH_CHECK_INTERVAL", "2s")
	t.Setenv("PLATFORM_REDIS_ENABLED", "false")
	t.Setenv("PLATFORM_SERVERS", "x=127.0.0.1:9001=3, y=127.0.0.1:9002")
	t.Setenv("PLATFORM_LOG_LEVEL", "debug")
	t.Setenv("PLATFORM_DISCOVERY_ENABLED", "true")
	t.Setenv("PLATFORM_DISCOVERY_ENDPOINT", "http://registry.local/services")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, domain.LeastConnections, cfg.LoadBalancer.Algorithm)
	assert.Equal(t, 2*time.Second, cfg.LoadBalancer.HealthCheck.Interval)
	assert.Equal(t, "/ping", cfg.LoadBalancer.HealthCheck.Path)
	assert.False(t, cfg.Cache.Redis.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "http", cfg.Discovery.Provider)
	assert.Equal(t, "http://registry.local/services", cfg.Discovery.Endpoint)
	assert.Equal(t, []ServerEntry{
		{ID: "x", Host: "127.0.0.1", Port: 9001, Weight: 3},
		{ID: "y", Host: "127.0.0.1", Port: 9002, Weight: 1},
	}, cfg.Servers)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("PLATFORM_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvironmentRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"PLATFORM_PORT":                  "eighty",
		"PLATFORM_HTTP2_ENABLED":         "maybe",
		"PLATFORM_HEALTH_CHECK_INTERVAL": "soon",
		"PLATFORM_ADMIN_RATE_LIMIT_RPS":  "fast",
		"PLATFORM_SERVERS":               "a=nohost",
		"PLATFORM_DISCOVERY_INTERVAL":    "often",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			err := DefaultConfig().ApplyEnvironment()
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"no levels", func(c *Config) { c.Cache.Levels = nil }},
		{"level ttl", func(c *Config) { c.Cache.Levels[0].TTL = 0 }},
		{"eviction strategy", func(c *Config) { c.Cache.Levels[0].Strategy = "random" }},
		{"redis addr", func(c *Config) { c.Cache.Redis.Enabled = true; c.Cache.Redis.Addr = "" }},
		{"redis level", func(c *Config) { c.Cache.Redis.Enabled = true; c.Cache.Redis.Level = 3 }},
		{"algorithm", func(c *Config) { c.LoadBalancer.Algorithm = "random" }},
		{"affinity", func(c *Config) { c.LoadBalancer.SessionAffinity = "header" }},
		{"health interval", func(c *Config) { c.LoadBalancer.HealthCheck.Interval = 0 }},
		{"breaker", func(c *Config) { c.LoadBalancer.CircuitBreaker.Timeout = -time.Second }},
		{"server id", func(c *Config) { c.Servers = []ServerEntry{{Host: "h", Port: 1}} }},
		{"duplicate server", func(c *Config) {
			c.Servers = []ServerEntry{{ID: "a", Host: "h", Port: 1}, {ID: "a", Host: "h", Port: 2}}
		}},
		{"negative weight", func(c *Config) { c.Servers = []ServerEntry{{ID: "a", Host: "h", Port: 1, Weight: -1}} }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"rate limit", func(c *Config) { c.Admin.RateLimit.Enabled = true; c.Admin.RateLimit.BurstSize = 0 }},
		{"jwt secret", func(c *Config) { c.Admin.JWT.Enabled = true }},
		{"discovery endpoint", func(c *Config) { c.Discovery.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.LoadBalancer.HealthCheck.Enabled = false
	cfg.LoadBalancer.HealthCheck.Interval = 0
	assert.NoError(t, cfg.Validate())
}

func TestToPlatformConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.ShardCount = 3
	cfg.LoadBalancer.EventHistory = 50

	pc := cfg.ToPlatformConfig()
	assert.Equal(t, 3, pc.Cache.ShardCount)
	assert.Equal(t, cfg.Cache.Levels, pc.Cache.Levels)
	assert.Equal(t, domain.RoundRobin, pc.LoadBalancer.Algorithm)
	assert.Equal(t, 50, pc.EventHistory)

	lc := cfg.ToLoggerConfig()
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, "json", lc.Format)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg, err := LoadFromFile(writeFile(t, sampleYAML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigBuilder(t *testing.T) {
	cfg, err := NewConfigBuilder().
		WithPort(8181).
		WithCacheLevels(domain.LevelConfig{Name: "L1", MaxEntries: 10, TTL: time.Minute}).
		WithShards(2).
		WithRedisLevel(1, cache.RedisConfig{Addr: "localhost:6379"}).
		WithAlgorithm(domain.Adaptive).
		WithSessionAffinity(domain.AffinityCookie).
		WithServer("a", "127.0.0.1", 9001, 1).
		WithHealthCheck(time.Second, time.Second, "/healthz", 1, 1).
		WithCircuitBreaker(2, 1, time.Second).
		WithAdminRateLimit(10, 20).
		WithJWT("secret").
		Build()
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Len(t, cfg.Cache.Levels, 1)
	assert.Equal(t, 1, cfg.Cache.Redis.Level)
	assert.Equal(t, domain.Adaptive, cfg.LoadBalancer.Algorithm)
	assert.Equal(t, "/healthz", cfg.LoadBalancer.HealthCheck.Path)
	assert.True(t, cfg.Admin.JWT.Enabled)
	assert.Len(t, cfg.Servers, 1)
}

func TestConfigBuilderCollectsErrors(t *testing.T) {
	_, err := NewConfigBuilder().
		WithPort(0).
		WithAlgorithm("random").
		WithServer("", "h", 1, 1).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port number")
	assert.Contains(t, err.Error(), "invalid load balancing algorithm")
	assert.Contains(t, err.Error(), "server ID cannot be empty")

	_, err = NewConfigBuilder().WithJWT("").Build()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
