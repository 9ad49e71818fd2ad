package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mir00r/cache-balancer/internal/domain"
)

func TestServerMetricsStoreWindow(t *testing.T) {
	store := NewServerMetricsStore()

	for i := 0; i < 150; i++ {
		store.Record("a", domain.ServerMetrics{ResponseTimeMs: float64(i), ErrorRate: 0.1})
	}

	assert.Equal(t, MetricsWindowSize, store.Samples("a"))
	avg, ok := store.Average("a")
	assert.True(t, ok)
	// samples 50..149
	assert.InDelta(t, 99.5, avg.ResponseTimeMs, 1e-9)
	assert.InDelta(t, 0.1, avg.ErrorRate, 1e-9)
	assert.False(t, avg.Timestamp.IsZero())

	store.Remove("a")
	_, ok = store.Average("a")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Samples("a"))
}

func TestDeriveHealth(t *testing.T) {
	tests := []struct {
		name        string
		avg         domain.ServerMetrics
		breakerOpen bool
		expected    domain.HealthStatus
	}{
		{"zero", domain.ServerMetrics{}, false, domain.HealthHealthy},
		{"breaker open", domain.ServerMetrics{}, true, domain.HealthUnhealthy},
		{"error boundary", domain.ServerMetrics{ErrorRate: 0.5}, false, domain.HealthDegraded},
		{"error high", domain.ServerMetrics{ErrorRate: 0.51}, false, domain.HealthUnhealthy},
		{"error mid", domain.ServerMetrics{ErrorRate: 0.21}, false, domain.HealthDegraded},
		{"memory high", domain.ServerMetrics{MemoryPercent: 91}, false, domain.HealthUnhealthy},
		{"cpu boundary", domain.ServerMetrics{CPUPercent: 70}, false, domain.HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveHealth(tt.avg, tt.breakerOpen))
		})
	}
}

func TestStickyKey(t *testing.T) {
	tests := []struct {
		mode     domain.SessionAffinity
		key      string
		expected string
	}{
		{domain.AffinityIP, "10.0.0.1:443", "10.0.0.1"},
		{domain.AffinityIP, "10.0.0.1", "10.0.0.1"},
		{domain.AffinityCookie, "abc:def?x", "abc:def?x"},
		{domain.AffinityURL, "/cart?id=1", "/cart"},
		{domain.AffinityURL, "/cart", "/cart"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, StickyKey(tt.mode, tt.key), "%s %s", tt.mode, tt.key)
	}
}

func TestStickySessionsPurge(t *testing.T) {
	ss := NewStickySessions()
	a := domain.NewServer("a", "10.0.0.1", 8001, 1)
	b := domain.NewServer("b", "10.0.0.2", 8002, 1)
	ss.LookupOrBind("k1", nil, func() *domain.Server { return a })
	ss.LookupOrBind("k2", nil, func() *domain.Server { return b })
	ss.LookupOrBind("k3", nil, func() *domain.Server { return a })

	assert.Equal(t, 2, ss.PurgeServer("a"))
	assert.Equal(t, 1, ss.Len())

	got, hit := ss.LookupOrBind("k2", []*domain.Server{a, b}, func() *domain.Server {
		t.Fatal("bound key must not pick again")
		return nil
	})
	assert.True(t, hit)
	assert.Equal(t, "b", got.ID)

	// a purged binding picks again
	got, hit = ss.LookupOrBind("k1", []*domain.Server{a, b}, func() *domain.Server { return b })
	assert.False(t, hit)
	assert.Equal(t, "b", got.ID)
}
