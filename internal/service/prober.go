package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mir00r/cache-balancer/internal/domain"
)

// Prober issues one health probe against a target and returns the status code.
// Implementations must honour ctx cancellation.
type Prober interface {
	Probe(ctx context.Context, target domain.HealthTarget) (int, error)
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, target domain.HealthTarget) (int, error)

// Probe calls f
func (f ProberFunc) Probe(ctx context.Context, target domain.HealthTarget) (int, error) {
	return f(ctx, target)
}

// HTTPProber probes http://host:port/path with the configured method
type HTTPProber struct {
	client *http.Client
	method string
	path   string
}

// NewHTTPProber creates a prober for the given method and path
func NewHTTPProber(method, path string) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
			// redirects are reported as their own status
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		method: method,
		path:   path,
	}
}

// Probe performs the request; the deadline comes from ctx
func (p *HTTPProber) Probe(ctx context.Context, target domain.HealthTarget) (int, error) {
	url := fmt.Sprintf("http://%s%s", target.Address(), p.path)

	req, err := http.NewRequestWithContext(ctx, p.method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("User-Agent", "CacheBalancer-HealthChecker/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
