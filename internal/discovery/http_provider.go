package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPProvider reads {"services": [...]} from a plain HTTP endpoint
type HTTPProvider struct {
	client   *http.Client
	endpoint string
}

// HTTPServiceResponse is the expected response body
type HTTPServiceResponse struct {
	Services []Service `json:"services"`
}

// NewHTTPProvider creates a provider for endpoint
func NewHTTPProvider(endpoint string, client *http.Client) *HTTPProvider {
	return &HTTPProvider{client: client, endpoint: endpoint}
}

// Name returns the provider name
func (h *HTTPProvider) Name() string {
	return "http"
}

// Discover fetches the current service list
func (h *HTTPProvider) Discover(ctx context.Context) ([]Service, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create services request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("services query failed with status: %s", resp.Status)
	}

	var response HTTPServiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to parse services: %w", err)
	}
	return response.Services, nil
}
