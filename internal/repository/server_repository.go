package repository

import (
	"fmt"
	"sync"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
)

// InMemoryServerRepository implements domain.ServerRepository. Servers are
// returned in insertion order so round-robin selection is deterministic.
type InMemoryServerRepository struct {
	mu      sync.RWMutex
	servers map[string]*domain.Server
	order   []string
}

var _ domain.ServerRepository = (*InMemoryServerRepository)(nil)

// NewInMemoryServerRepository creates an empty registry
func NewInMemoryServerRepository() *InMemoryServerRepository {
	return &InMemoryServerRepository{
		servers: make(map[string]*domain.Server),
	}
}

// GetAll returns all servers in insertion order
func (r *InMemoryServerRepository) GetAll() []*domain.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make([]*domain.Server, 0, len(r.order))
	for _, id := range r.order {
		servers = append(servers, r.servers[id])
	}
	return servers
}

// GetByID returns a server by its ID
func (r *InMemoryServerRepository) GetByID(id string) (*domain.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, exists := r.servers[id]
	if !exists {
		return nil, errors.NewServerNotFoundError(id)
	}
	return server, nil
}

// Save adds a server. A duplicate ID is rejected.
func (r *InMemoryServerRepository) Save(server *domain.Server) error {
	if server == nil {
		return fmt.Errorf("server cannot be nil")
	}
	if server.ID == "" {
		return errors.NewError(errors.ErrCodeInvalidRequest, "repository", "server ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[server.ID]; exists {
		return errors.NewDuplicateServerError(server.ID)
	}
	r.servers[server.ID] = server
	r.order = append(r.order, server.ID)
	return nil
}

// Delete removes a server
func (r *InMemoryServerRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[id]; !exists {
		return errors.NewServerNotFoundError(id)
	}

	delete(r.servers, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetByStatus returns servers with the specified status, in insertion order
func (r *InMemoryServerRepository) GetByStatus(status domain.ServerStatus) []*domain.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filtered []*domain.Server
	for _, id := range r.order {
		if s := r.servers[id]; s.GetStatus() == status {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Count returns the total number of servers
func (r *InMemoryServerRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Exists checks if a server with the given ID exists
func (r *InMemoryServerRepository) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.servers[id]
	return exists
}

// GetStats returns registry statistics by status and health
func (r *InMemoryServerRepository) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byStatus := map[domain.ServerStatus]int{}
	byHealth := map[domain.HealthStatus]int{}
	for _, s := range r.servers {
		byStatus[s.GetStatus()]++
		byHealth[s.GetHealthStatus()]++
	}

	return map[string]interface{}{
		"total_servers":     len(r.servers),
		"active_servers":    byStatus[domain.StatusActive],
		"inactive_servers":  byStatus[domain.StatusInactive],
		"draining_servers":  byStatus[domain.StatusDraining],
		"healthy_servers":   byHealth[domain.HealthHealthy],
		"degraded_servers":  byHealth[domain.HealthDegraded],
		"unhealthy_servers": byHealth[domain.HealthUnhealthy],
	}
}
