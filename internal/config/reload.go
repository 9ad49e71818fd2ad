package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// DefaultReloadInterval is how often the watcher stats the config file
const DefaultReloadInterval = 5 * time.Second

// Registry is the runtime state a reload reconciles
type Registry interface {
	AddServer(server *domain.Server) error
	RemoveServer(id string) error
	Servers() []*domain.Server
	SetAlgorithm(alg domain.Algorithm) error
}

// Reloader applies server list and algorithm changes from the config file
// without a restart. Other sections take effect on the next start.
type Reloader struct {
	path     string
	registry Registry
	logger   *logger.Logger
	interval time.Duration

	mu          sync.RWMutex
	config      *Config
	callbacks   []func(*Config) error
	lastModTime time.Time
	reloads     int
	lastError   error

	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewReloader creates a reloader for the file at path, starting from current
func NewReloader(path string, current *Config, registry Registry, log *logger.Logger) *Reloader {
	r := &Reloader{
		path:     path,
		registry: registry,
		logger:   logger.OrNop(log).WithField("component", "config_reload"),
		interval: DefaultReloadInterval,
		config:   current,
	}
	if info, err := os.Stat(path); err == nil {
		r.lastModTime = info.ModTime()
	}
	return r
}

// SetInterval changes the polling interval; call before Start
func (r *Reloader) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// RegisterReloadCallback registers a callback run after a successful reload.
// Callbacks run under the reloader's lock and must not call back into it.
func (r *Reloader) RegisterReloadCallback(callback func(*Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// Start polls the config file until ctx is done or Stop is called
func (r *Reloader) Start(ctx context.Context) error {
	if _, err := os.Stat(r.path); err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("config watcher already running")
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.watch(ctx)

	r.logger.WithField("config_file", r.path).Info("Started configuration file watcher")
	return nil
}

// Stop stops the watcher and waits for it to exit
func (r *Reloader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	<-done
	r.logger.Info("Stopped configuration file watcher")
}

func (r *Reloader) watch(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.CheckNow(); err != nil {
				r.logger.WithError(err).Error("Failed to reload configuration")
			}
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckNow reloads when the file changed since the last look, and reports
// whether it did
func (r *Reloader) CheckNow() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	r.mu.RLock()
	unchanged := !info.ModTime().After(r.lastModTime)
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	newConfig, err := LoadConfig(r.path)
	if err == nil {
		err = r.Reload(newConfig)
	}

	r.mu.Lock()
	r.lastModTime = info.ModTime()
	r.mu.Unlock()
	return err == nil, err
}

// ReloadFromFile re-reads the watched file regardless of its modification time
func (r *Reloader) ReloadFromFile() error {
	newConfig, err := LoadConfig(r.path)
	if err != nil {
		return err
	}
	return r.Reload(newConfig)
}

// ReloadFromYAML validates and applies a YAML document on top of the defaults
func (r *Reloader) ReloadFromYAML(data []byte) error {
	newConfig := DefaultConfig()
	if err := yaml.Unmarshal(data, newConfig); err != nil {
		return invalid("invalid YAML configuration: %v", err)
	}
	return r.Reload(newConfig)
}

// Reload validates newConfig and reconciles the registry with it
func (r *Reloader) Reload(newConfig *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.reload(newConfig)
	r.lastError = err
	return err
}

func (r *Reloader) reload(newConfig *Config) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}

	old := r.config
	r.logger.WithFields(map[string]interface{}{
		"old_servers": len(old.Servers),
		"new_servers": len(newConfig.Servers),
	}).Info("Reloading configuration")

	if err := r.updateServers(newConfig); err != nil {
		return err
	}

	if old.LoadBalancer.Algorithm != newConfig.LoadBalancer.Algorithm {
		if err := r.registry.SetAlgorithm(newConfig.LoadBalancer.Algorithm); err != nil {
			return err
		}
		r.logger.WithFields(map[string]interface{}{
			"old_algorithm": string(old.LoadBalancer.Algorithm),
			"new_algorithm": string(newConfig.LoadBalancer.Algorithm),
		}).Info("Updated load balancing algorithm")
	}

	if !reflect.DeepEqual(old.Cache, newConfig.Cache) || old.Server != newConfig.Server {
		r.logger.Warn("Cache and listener changes take effect on restart")
	}

	for _, callback := range r.callbacks {
		if err := callback(newConfig); err != nil {
			return fmt.Errorf("config reload callback failed: %w", err)
		}
	}

	r.config = newConfig
	r.reloads++
	r.logger.Info("Configuration reloaded successfully")
	return nil
}

// updateServers removes servers dropped from the configuration, replaces
// servers whose address or weight changed and adds new ones. Servers that
// never came from the configuration are left alone.
func (r *Reloader) updateServers(newConfig *Config) error {
	current := make(map[string]*domain.Server)
	for _, s := range r.registry.Servers() {
		current[s.ID] = s
	}

	wanted := make(map[string]bool, len(newConfig.Servers))
	for _, s := range newConfig.ToServers() {
		wanted[s.ID] = true

		existing, ok := current[s.ID]
		if ok && existing.Address() == s.Address() && existing.Weight == s.Weight {
			continue
		}
		if ok {
			if err := r.registry.RemoveServer(s.ID); err != nil {
				return err
			}
		}
		if err := r.registry.AddServer(s); err != nil {
			return err
		}
		r.logger.WithField("server_id", s.ID).
			WithField("address", s.Address()).
			Info("Applied server from configuration")
	}

	for _, old := range r.config.Servers {
		if wanted[old.ID] {
			continue
		}
		if _, ok := current[old.ID]; !ok {
			continue
		}
		if err := r.registry.RemoveServer(old.ID); err != nil {
			return err
		}
		r.logger.WithField("server_id", old.ID).Info("Removed server missing from configuration")
	}
	return nil
}

// GetCurrentConfig returns the last applied configuration
func (r *Reloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// GetReloadStats returns reload statistics
func (r *Reloader) GetReloadStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]interface{}{
		"config_file":     r.path,
		"watcher_active":  r.running,
		"callbacks_count": len(r.callbacks),
		"current_servers": len(r.config.Servers),
		"reloads":         r.reloads,
		"last_modified":   r.lastModTime,
	}
	if r.lastError != nil {
		stats["last_error"] = r.lastError.Error()
	}
	return stats
}
