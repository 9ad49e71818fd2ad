package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ConsulProvider lists the instances of one service through Consul's
// health endpoint
type ConsulProvider struct {
	client   *http.Client
	endpoint string
	service  string
}

// consulEntry is one element of /v1/health/service/<name>
type consulEntry struct {
	Node struct {
		Node    string `json:"Node"`
		Address string `json:"Address"`
	} `json:"Node"`
	Service struct {
		ID      string            `json:"ID"`
		Service string            `json:"Service"`
		Tags    []string          `json:"Tags"`
		Address string            `json:"Address"`
		Port    int               `json:"Port"`
		Meta    map[string]string `json:"Meta"`
	} `json:"Service"`
	Checks []struct {
		Status string `json:"Status"`
	} `json:"Checks"`
}

// NewConsulProvider creates a provider for service at the Consul agent
// endpoint, e.g. http://127.0.0.1:8500
func NewConsulProvider(endpoint, service string, client *http.Client) *ConsulProvider {
	return &ConsulProvider{
		client:   client,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		service:  service,
	}
}

// Name returns the provider name
func (c *ConsulProvider) Name() string {
	return "consul"
}

// Discover returns every instance of the service with its aggregated check status
func (c *ConsulProvider) Discover(ctx context.Context) ([]Service, error) {
	u := fmt.Sprintf("%s/v1/health/service/%s", c.endpoint, url.PathEscape(c.service))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service instances request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query Consul: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("consul query failed with status: %s", resp.Status)
	}

	var entries []consulEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to parse service instances: %w", err)
	}

	services := make([]Service, 0, len(entries))
	for _, e := range entries {
		health := HealthPassing
		for _, check := range e.Checks {
			if check.Status == HealthCritical {
				health = HealthCritical
				break
			}
			if check.Status == HealthWarning {
				health = HealthWarning
			}
		}

		// service address falls back to the node address
		address := e.Service.Address
		if address == "" {
			address = e.Node.Address
		}

		metadata := map[string]string{"node": e.Node.Node}
		for k, v := range e.Service.Meta {
			metadata[k] = v
		}
		for _, tag := range e.Service.Tags {
			if w, ok := strings.CutPrefix(tag, "weight="); ok {
				metadata["weight"] = w
			}
		}

		services = append(services, Service{
			ID:       e.Service.ID,
			Name:     e.Service.Service,
			Tags:     e.Service.Tags,
			Address:  address,
			Port:     e.Service.Port,
			Health:   health,
			Metadata: metadata,
		})
	}
	return services, nil
}
