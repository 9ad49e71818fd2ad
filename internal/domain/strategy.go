package domain

// SelectionStrategy picks one server from an already-filtered eligible set.
// Implementations must be safe for concurrent use.
type SelectionStrategy interface {
	// Select returns the chosen server. servers is never empty.
	Select(servers []*Server, routingKey string) *Server

	// Algorithm returns the algorithm name reported in server:selected events
	Algorithm() Algorithm

	// Reset clears internal state such as round-robin counters
	Reset()
}

// ServerRepository stores the server registry in insertion order
type ServerRepository interface {
	// GetAll returns servers in insertion order
	GetAll() []*Server
	// GetByID returns a server by its ID
	GetByID(id string) (*Server, error)
	// Save adds a new server; duplicates are rejected
	Save(server *Server) error
	// Delete removes a server
	Delete(id string) error
	// Count returns the number of registered servers
	Count() int
}

// ServerFilter narrows a server list
type ServerFilter interface {
	Filter(servers []*Server) []*Server
	Name() string
}

// ServerFilterFunc adapts a predicate to ServerFilter
type ServerFilterFunc struct {
	FilterName string
	Keep       func(s *Server) bool
}

func (f ServerFilterFunc) Filter(servers []*Server) []*Server {
	out := make([]*Server, 0, len(servers))
	for _, s := range servers {
		if f.Keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (f ServerFilterFunc) Name() string {
	return f.FilterName
}

// ActiveServerFilter keeps servers whose status is active
type ActiveServerFilter struct{}

func (ActiveServerFilter) Filter(servers []*Server) []*Server {
	out := make([]*Server, 0, len(servers))
	for _, s := range servers {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out
}

func (ActiveServerFilter) Name() string {
	return "active_servers"
}

// CompositeServerFilter applies multiple filters in sequence
type CompositeServerFilter struct {
	filters []ServerFilter
}

func NewCompositeServerFilter(filters ...ServerFilter) *CompositeServerFilter {
	return &CompositeServerFilter{filters: filters}
}

func (f *CompositeServerFilter) Filter(servers []*Server) []*Server {
	result := servers
	for _, filter := range f.filters {
		result = filter.Filter(result)
		if len(result) == 0 {
			break
		}
	}
	return result
}

func (f *CompositeServerFilter) Name() string {
	return "composite_filter"
}
