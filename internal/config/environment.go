package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mir00r/cache-balancer/internal/domain"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PLATFORM_"

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// An explicit path must exist; otherwise PLATFORM_CONFIG_FILE or config.yaml is
// read when present.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path = ResolvePath(path); path != "" {
		if err := config.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.ApplyEnvironment(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ResolvePath returns the file LoadConfig reads for path, or "" when it
// falls back to defaults and the environment alone
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	path = getEnv(EnvPrefix+"CONFIG_FILE", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// ApplyEnvironment overrides fields from PLATFORM_* variables. A variable
// that is set but cannot be parsed is an error.
func (c *Config) ApplyEnvironment() error {
	e := &envReader{}

	// Server
	e.setInt("PORT", &c.Server.Port)
	e.setDuration("READ_TIMEOUT", &c.Server.ReadTimeout)
	e.setDuration("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	e.setDuration("IDLE_TIMEOUT", &c.Server.IdleTimeout)
	e.setDuration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	e.setBool("HTTP2_ENABLED", &c.Server.HTTP2Enabled)

	// Cache
	e.setInt("CACHE_SHARD_COUNT", &c.Cache.ShardCount)
	e.setDuration("CACHE_HEALTH_INTERVAL", &c.Cache.HealthInterval)
	e.setBool("REDIS_ENABLED", &c.Cache.Redis.Enabled)
	e.setInt("REDIS_LEVEL", &c.Cache.Redis.Level)
	e.setString("REDIS_ADDR", &c.Cache.Redis.Addr)
	e.setString("REDIS_PASSWORD", &c.Cache.Redis.Password)
	e.setInt("REDIS_DB", &c.Cache.Redis.DB)
	e.setString("REDIS_KEY_PREFIX", &c.Cache.Redis.KeyPrefix)

	// Load balancer
	lb := &c.LoadBalancer
	if v, ok := lookup("ALGORITHM"); ok {
		lb.Algorithm = domain.Algorithm(v)
	}
	if v, ok := lookup("SESSION_AFFINITY"); ok {
		lb.SessionAffinity = domain.SessionAffinity(v)
	}
	e.setBool("AUTO_MANAGE_STATUS", &lb.AutoManageStatus)
	e.setInt("EVENT_HISTORY", &lb.EventHistory)

	e.setBool("HEALTH_CHECK_ENABLED", &lb.HealthCheck.Enabled)
	e.setDuration("HEALTH_CHECK_INTERVAL", &lb.HealthCheck.Interval)
	e.setDuration("HEALTH_CHECK_TIMEOUT", &lb.HealthCheck.Timeout)
	e.setInt("HEALTH_CHECK_HEALTHY_THRESHOLD", &lb.HealthCheck.HealthyThreshold)
	e.setInt("HEALTH_CHECK_UNHEALTHY_THRESHOLD", &lb.HealthCheck.UnhealthyThreshold)
	e.setString("HEALTH_CHECK_PATH", &lb.HealthCheck.Path)

	e.setInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", &lb.CircuitBreaker.FailureThreshold)
	e.setInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", &lb.CircuitBreaker.SuccessThreshold)
	e.setDuration("CIRCUIT_BREAKER_TIMEOUT", &lb.CircuitBreaker.Timeout)

	// Servers replace the file list completely
	if v, ok := lookup("SERVERS"); ok {
		servers, err := parseServersFromEnv(v)
		if err != nil {
			e.fail("SERVERS", err)
		} else {
			c.Servers = servers
		}
	}

	// Discovery
	e.setBool("DISCOVERY_ENABLED", &c.Discovery.Enabled)
	e.setString("DISCOVERY_PROVIDER", &c.Discovery.Provider)
	e.setString("DISCOVERY_ENDPOINT", &c.Discovery.Endpoint)
	e.setString("DISCOVERY_SERVICE", &c.Discovery.Service)
	e.setDuration("DISCOVERY_INTERVAL", &c.Discovery.Interval)
	e.setDuration("DISCOVERY_TIMEOUT", &c.Discovery.Timeout)

	// Logging
	e.setString("LOG_LEVEL", &c.Logging.Level)
	e.setString("LOG_FORMAT", &c.Logging.Format)
	e.setString("LOG_OUTPUT", &c.Logging.Output)
	e.setString("LOG_FILE", &c.Logging.File)

	// Metrics and admin
	e.setBool("METRICS_ENABLED", &c.Metrics.Enabled)
	e.setString("METRICS_PATH", &c.Metrics.Path)
	e.setBool("ADMIN_ENABLED", &c.Admin.Enabled)
	e.setBool("ADMIN_RATE_LIMIT_ENABLED", &c.Admin.RateLimit.Enabled)
	e.setFloat("ADMIN_RATE_LIMIT_RPS", &c.Admin.RateLimit.RequestsPerSecond)
	e.setInt("ADMIN_RATE_LIMIT_BURST", &c.Admin.RateLimit.BurstSize)
	e.setBool("JWT_ENABLED", &c.Admin.JWT.Enabled)
	e.setString("JWT_SECRET", &c.Admin.JWT.Secret)
	e.setString("JWT_ISSUER", &c.Admin.JWT.Issuer)

	return e.err
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func lookup(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}

// envReader applies overrides and keeps the first parse failure
type envReader struct {
	err error
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = invalid("%s%s: %v", EnvPrefix, name, err)
	}
}

func (e *envReader) setString(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) setInt(name string, dst *int) {
	if v, ok := lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(name string, dst *float64) {
	if v, ok := lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(name string, dst *bool) {
	if v, ok := lookup(name); ok {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	if v, ok := lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

// parseServersFromEnv parses servers from an environment variable
// Format: "id1=host1:port1=weight1,id2=host2:port2"
// Example: "api-1=10.0.0.1:8081=2,api-2=10.0.0.2:8081"
func parseServersFromEnv(value string) ([]ServerEntry, error) {
	var servers []ServerEntry

	for _, spec := range strings.Split(value, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		parts := strings.Split(spec, "=")
		if len(parts) < 2 {
			return nil, fmt.Errorf("server %q: expected id=host:port[=weight]", spec)
		}

		host, portStr, found := strings.Cut(parts[1], ":")
		if !found {
			return nil, fmt.Errorf("server %q: missing port", spec)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("server %q: invalid port: %w", spec, err)
		}

		weight := 1
		if len(parts) >= 3 {
			if weight, err = strconv.Atoi(parts[2]); err != nil {
				return nil, fmt.Errorf("server %q: invalid weight: %w", spec, err)
			}
		}

		servers = append(servers, ServerEntry{
			ID:     parts[0],
			Host:   host,
			Port:   port,
			Weight: weight,
		})
	}
	return servers, nil
}
