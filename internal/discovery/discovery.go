// Package discovery keeps the server registry in step with an external
// service catalog. Only servers it added are ever removed by it.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// Health values reported by providers
const (
	HealthPassing  = "passing"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Config selects and tunes the discovery provider
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Provider string        `yaml:"provider"`
	Endpoint string        `yaml:"endpoint"`
	Service  string        `yaml:"service"`
	Tags     []string      `yaml:"tags"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// DefaultWeight applies when an instance carries no weight metadata
	DefaultWeight int `yaml:"default_weight"`
}

// DefaultConfig returns a disabled configuration with usable timings
func DefaultConfig() Config {
	return Config{
		Provider:      "http",
		Interval:      30 * time.Second,
		Timeout:       5 * time.Second,
		DefaultWeight: 1,
	}
}

// Validate checks an enabled configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Provider {
	case "http":
	case "consul":
		if c.Service == "" {
			return fmt.Errorf("consul discovery requires a service name")
		}
	default:
		return fmt.Errorf("unsupported discovery provider: %s", c.Provider)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("discovery endpoint is required")
	}
	if c.Interval <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("discovery interval and timeout must be positive")
	}
	if c.DefaultWeight < 0 {
		return fmt.Errorf("discovery default weight cannot be negative")
	}
	return nil
}

// Service is one discovered instance
type Service struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Tags     []string          `json:"tags"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Health   string            `json:"health"`
	Metadata map[string]string `json:"metadata"`
}

// Provider lists the instances currently in a catalog
type Provider interface {
	Name() string
	Discover(ctx context.Context) ([]Service, error)
}

// NewProvider builds the provider named by cfg.Provider
func NewProvider(cfg Config, client *http.Client) (Provider, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	switch cfg.Provider {
	case "http":
		return NewHTTPProvider(cfg.Endpoint, client), nil
	case "consul":
		return NewConsulProvider(cfg.Endpoint, cfg.Service, client), nil
	default:
		return nil, errors.NewConfigError("discovery", "unsupported discovery provider: "+cfg.Provider)
	}
}

// Registry is the server set discovery reconciles
type Registry interface {
	AddServer(server *domain.Server) error
	RemoveServer(id string) error
	Server(id string) (*domain.Server, error)
}

// ServiceDiscovery polls a provider and applies the difference to the registry
type ServiceDiscovery struct {
	config   Config
	provider Provider
	registry Registry
	logger   *logger.Logger

	mu       sync.Mutex
	owned    map[string]string // server ID -> address/weight signature
	syncs    int
	lastSync time.Time
	lastErr  error

	stop    chan struct{}
	done    chan struct{}
	running bool
}

// New creates a discovery loop over provider
func New(cfg Config, provider Provider, registry Registry, log *logger.Logger) *ServiceDiscovery {
	return &ServiceDiscovery{
		config:   cfg,
		provider: provider,
		registry: registry,
		logger:   logger.OrNop(log).WithField("component", "discovery"),
		owned:    make(map[string]string),
	}
}

// Start syncs once and then every interval until Stop or ctx is done. A
// failed first sync is logged, not returned.
func (sd *ServiceDiscovery) Start(ctx context.Context) error {
	sd.mu.Lock()
	if sd.running {
		sd.mu.Unlock()
		return fmt.Errorf("service discovery is already running")
	}
	sd.running = true
	sd.stop = make(chan struct{})
	sd.done = make(chan struct{})
	stop, done := sd.stop, sd.done
	sd.mu.Unlock()

	if err := sd.Sync(ctx); err != nil {
		sd.logger.WithError(err).Warn("Initial service discovery failed")
	}

	go sd.loop(ctx, stop, done)

	sd.logger.WithFields(map[string]interface{}{
		"provider": sd.provider.Name(),
		"endpoint": sd.config.Endpoint,
		"interval": sd.config.Interval.String(),
	}).Info("Service discovery started")
	return nil
}

func (sd *ServiceDiscovery) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(sd.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := sd.Sync(ctx); err != nil {
				sd.logger.WithError(err).Error("Service discovery iteration failed")
			}
		}
	}
}

// Stop halts the loop and waits for it. Discovered servers stay registered.
func (sd *ServiceDiscovery) Stop() {
	sd.mu.Lock()
	if !sd.running {
		sd.mu.Unlock()
		return
	}
	sd.running = false
	close(sd.stop)
	done := sd.done
	sd.mu.Unlock()

	<-done
	sd.logger.Info("Service discovery stopped")
}

// Sync queries the provider once and reconciles the registry. A provider
// error leaves the registry untouched.
func (sd *ServiceDiscovery) Sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sd.config.Timeout)
	defer cancel()

	services, err := sd.provider.Discover(ctx)

	sd.mu.Lock()
	defer sd.mu.Unlock()

	sd.lastSync = time.Now()
	if err != nil {
		sd.lastErr = err
		return err
	}

	desired := make(map[string]*domain.Server)
	for _, svc := range services {
		if !sd.matches(svc) {
			sd.logger.WithFields(map[string]interface{}{
				"service_id": svc.ID,
				"health":     svc.Health,
			}).Debug("Skipping service")
			continue
		}
		desired[svc.ID] = sd.toServer(svc)
	}

	sd.lastErr = sd.reconcile(desired)
	sd.syncs++
	return sd.lastErr
}

func (sd *ServiceDiscovery) reconcile(desired map[string]*domain.Server) error {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for id := range sd.owned {
		if _, ok := desired[id]; ok {
			continue
		}
		if err := sd.registry.RemoveServer(id); err != nil && errors.GetErrorCode(err) != errors.ErrCodeServerNotFound {
			keep(err)
			continue
		}
		delete(sd.owned, id)
		sd.logger.WithField("server_id", id).Info("Service removed: removing server")
	}

	for id, server := range desired {
		sig := signature(server)
		if prev, ok := sd.owned[id]; ok {
			if prev == sig {
				continue
			}
			if err := sd.registry.RemoveServer(id); err != nil && errors.GetErrorCode(err) != errors.ErrCodeServerNotFound {
				keep(err)
				continue
			}
			delete(sd.owned, id)
		} else if _, err := sd.registry.Server(id); err == nil {
			sd.logger.WithField("server_id", id).Warn("Discovered server ID is already registered from another source")
			continue
		}

		if err := sd.registry.AddServer(server); err != nil {
			keep(err)
			continue
		}
		sd.owned[id] = sig
		sd.logger.WithField("server_id", id).
			WithField("address", server.Address()).
			Info("Service discovered: adding server")
	}
	return firstErr
}

// matches keeps passing instances carrying every required tag
func (sd *ServiceDiscovery) matches(svc Service) bool {
	if svc.ID == "" || svc.Address == "" || svc.Port <= 0 {
		return false
	}
	if svc.Health != "" && svc.Health != HealthPassing {
		return false
	}
	for _, required := range sd.config.Tags {
		found := false
		for _, tag := range svc.Tags {
			if tag == required {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (sd *ServiceDiscovery) toServer(svc Service) *domain.Server {
	server := domain.NewServer(svc.ID, svc.Address, svc.Port, parseWeight(svc.Metadata["weight"], sd.config.DefaultWeight))
	if n, err := strconv.Atoi(svc.Metadata["max_connections"]); err == nil && n > 0 {
		server.MaxConnections = n
	}
	return server
}

func signature(s *domain.Server) string {
	return fmt.Sprintf("%s/%d/%d", s.Address(), s.Weight, s.MaxConnections)
}

// parseWeight reads an integer weight or one of high, medium and low
func parseWeight(value string, fallback int) int {
	switch value {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	if w, err := strconv.Atoi(value); err == nil && w >= 0 {
		return w
	}
	return fallback
}

// Owned returns the sorted IDs of servers added by discovery
func (sd *ServiceDiscovery) Owned() []string {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	ids := make([]string, 0, len(sd.owned))
	for id := range sd.owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetStats returns service discovery statistics
func (sd *ServiceDiscovery) GetStats() map[string]interface{} {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	stats := map[string]interface{}{
		"provider":          sd.provider.Name(),
		"endpoint":          sd.config.Endpoint,
		"running":           sd.running,
		"server_count":      len(sd.owned),
		"syncs":             sd.syncs,
		"last_sync":         sd.lastSync,
		"discover_interval": sd.config.Interval.String(),
	}
	if sd.lastErr != nil {
		stats["last_error"] = sd.lastErr.Error()
	}
	return stats
}
