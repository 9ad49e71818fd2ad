package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mir00r/cache-balancer/internal/circuitbreaker"
	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/hashing"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) OnEvent(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds(serverID string) []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventKind
	for _, e := range r.events {
		if serverID == "" || e.ServerID == serverID {
			out = append(out, e.Kind)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLoadBalancer(t *testing.T, cfg domain.LoadBalancerConfig, opts ...Option) *LoadBalancer {
	t.Helper()
	lb, err := NewLoadBalancer(cfg, nil, logger.NewNop(), opts...)
	require.NoError(t, err)
	for _, s := range testServers(1, 1, 1) {
		require.NoError(t, lb.AddServer(s))
	}
	return lb
}

func nextIDs(t *testing.T, lb *LoadBalancer, key string, n int) []string {
	t.Helper()
	out := make([]string, n)
	for i := range out {
		s, err := lb.GetNextServer(key)
		require.NoError(t, err)
		out[i] = s.ID
	}
	return out
}

func tripBreaker(t *testing.T, lb *LoadBalancer, id string) {
	t.Helper()
	b, ok := lb.Breaker(id)
	require.True(t, ok)
	for b.State() != circuitbreaker.StateOpen {
		require.NoError(t, lb.UpdateServerMetrics(id, domain.ServerMetrics{ErrorRate: 1}))
	}
}

func TestLoadBalancerRoundRobin(t *testing.T) {
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{Algorithm: domain.RoundRobin})

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, nextIDs(t, lb, "", 6))
}

func TestLoadBalancerConcurrentRoundRobin(t *testing.T) {
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{Algorithm: domain.RoundRobin})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s, err := lb.GetNextServer("")
				if err != nil {
					continue
				}
				mu.Lock()
				counts[s.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"a": 100, "b": 100, "c": 100}, counts)
}

func TestLoadBalancerConsistentHashingIsStable(t *testing.T) {
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{Algorithm: domain.ConsistentHashing})
	servers := lb.Servers()

	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringN(1, 32, -1).Draw(t, "key")

		first, err := lb.GetNextServer(key)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		second, err := lb.GetNextServer(key)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if first.ID != second.ID {
			t.Fatalf("key %q routed to %s then %s", key, first.ID, second.ID)
		}
		if want := servers[hashing.Index(key, len(servers))].ID; first.ID != want {
			t.Fatalf("key %q routed to %s, want %s", key, first.ID, want)
		}
	})
}

func TestLoadBalancerNoActiveServers(t *testing.T) {
	t.Run("all removed", func(t *testing.T) {
		lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{})
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, lb.RemoveServer(id))
		}

		_, err := lb.GetNextServer("")
		assert.ErrorIs(t, err, errors.ErrNoActiveServers)
	})

	t.Run("all breakers open", func(t *testing.T) {
		lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{
			CircuitBreaker: domain.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour},
		})
		for _, id := range []string{"a", "b", "c"} {
			tripBreaker(t, lb, id)
		}

		_, err := lb.GetNextServer("")
		assert.ErrorIs(t, err, errors.ErrNoActiveServers)
		assert.Equal(t, 0, lb.EligibleCount())
	})

	t.Run("all inactive", func(t *testing.T) {
		lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{})
		for _, s := range lb.Servers() {
			s.SetStatus(domain.StatusInactive)
		}

		_, err := lb.GetNextServer("")
		assert.ErrorIs(t, err, errors.ErrNoActiveServers)
	})
}

func TestLoadBalancerSkipsOpenBreakerUntilTimeout(t *testing.T) {
	clock := newFakeClock()
	events := &recorder{}
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{
		CircuitBreaker: domain.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute},
	}, WithClock(clock.Now), WithListener(events))

	tripBreaker(t, lb, "a")
	assert.Equal(t, []string{"b", "c", "b", "c"}, nextIDs(t, lb, "", 4))

	clock.Advance(time.Minute + time.Millisecond)
	assert.Equal(t, 3, lb.EligibleCount())

	b, _ := lb.Breaker("a")
	assert.Equal(t, circuitbreaker.StateHalfOpen, b.State())

	require.NoError(t, lb.UpdateServerMetrics("a", domain.ServerMetrics{ErrorRate: 0}))
	assert.Equal(t, circuitbreaker.StateClosed, b.State())

	assert.Equal(t, []domain.EventKind{
		domain.EventServerAdded,
		domain.EventBreakerOpened,
		domain.EventBreakerHalfOpened,
		domain.EventBreakerClosed,
	}, events.kinds("a"))
}

func TestLoadBalancerSessionAffinity(t *testing.T) {
	events := &recorder{}
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{
		Algorithm:       domain.RoundRobin,
		SessionAffinity: domain.AffinityIP,
	}, WithListener(events))

	first, err := lb.GetNextServer("10.0.0.1:1234")
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)

	again, err := lb.GetNextServer("10.0.0.1:5678")
	require.NoError(t, err)
	assert.Equal(t, "a", again.ID)

	other, err := lb.GetNextServer("10.0.0.2:1234")
	require.NoError(t, err)
	assert.Equal(t, "b", other.ID)

	selected := 0
	for _, k := range events.kinds("") {
		if k == domain.EventServerSelected {
			selected++
		}
	}
	assert.Equal(t, 2, selected, "sticky hits do not run the algorithm")

	// an ineligible target is re-bound
	first.SetStatus(domain.StatusInactive)
	rebound, err := lb.GetNextServer("10.0.0.1:1234")
	require.NoError(t, err)
	assert.NotEqual(t, "a", rebound.ID)

	following, err := lb.GetNextServer("10.0.0.1:9999")
	require.NoError(t, err)
	assert.Equal(t, rebound.ID, following.ID)
}

func TestLoadBalancerConcurrentFirstRequestsShareSession(t *testing.T) {
	for round := 0; round < 20; round++ {
		lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{
			Algorithm:       domain.RoundRobin,
			SessionAffinity: domain.AffinityCookie,
		})

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			start = make(chan struct{})
			seen  = map[string]int{}
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				s, err := lb.GetNextServer("session-1")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[s.ID]++
				mu.Unlock()
			}()
		}
		close(start)
		wg.Wait()

		require.Len(t, seen, 1, "one session is served by one server")
		assert.Equal(t, 1, lb.sessions.Len())
	}
}

func TestLoadBalancerRemovePurgesState(t *testing.T) {
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{SessionAffinity: domain.AffinityCookie})

	s, err := lb.GetNextServer("session-1")
	require.NoError(t, err)
	require.NoError(t, lb.UpdateServerMetrics(s.ID, domain.ServerMetrics{ResponseTimeMs: 10}))
	assert.Equal(t, 1, lb.sessions.Len())

	require.NoError(t, lb.RemoveServer(s.ID))

	assert.Equal(t, 0, lb.sessions.Len())
	_, ok := lb.Breaker(s.ID)
	assert.False(t, ok)
	_, ok = lb.Metrics(s.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, lb.RemoveServer(s.ID), errors.ErrServerNotFound)
}

func TestLoadBalancerAddServerValidation(t *testing.T) {
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{})

	err := lb.AddServer(domain.NewServer("a", "h", 1, 1))
	assert.Equal(t, errors.ErrCodeDuplicateServer, errors.GetErrorCode(err))

	err = lb.AddServer(domain.NewServer("neg", "h", 1, -1))
	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.GetErrorCode(err))

	err = lb.AddServer(nil)
	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.GetErrorCode(err))
}

func TestNewLoadBalancerRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewLoadBalancer(domain.LoadBalancerConfig{Algorithm: "random"}, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{})
	assert.Equal(t, domain.RoundRobin, lb.Algorithm())
	require.NoError(t, lb.SetAlgorithm(domain.LeastConnections))
	assert.Equal(t, domain.LeastConnections, lb.Algorithm())
	assert.Error(t, lb.SetAlgorithm("random"))
}

func TestUpdateServerMetricsHealth(t *testing.T) {
	tests := []struct {
		name     string
		sample   domain.ServerMetrics
		expected domain.HealthStatus
	}{
		{"healthy", domain.ServerMetrics{ErrorRate: 0.1, CPUPercent: 50}, domain.HealthHealthy},
		{"degraded errors", domain.ServerMetrics{ErrorRate: 0.3}, domain.HealthDegraded},
		{"degraded cpu", domain.ServerMetrics{CPUPercent: 75}, domain.HealthDegraded},
		{"degraded memory", domain.ServerMetrics{MemoryPercent: 71}, domain.HealthDegraded},
		{"unhealthy errors", domain.ServerMetrics{ErrorRate: 0.6}, domain.HealthUnhealthy},
		{"unhealthy cpu", domain.ServerMetrics{CPUPercent: 95}, domain.HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{})
			require.NoError(t, lb.UpdateServerMetrics("a", tt.sample))

			s, err := lb.GetServer("a")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, s.GetHealthStatus())
		})
	}
}

func TestUpdateServerMetricsOpensBreaker(t *testing.T) {
	events := &recorder{}
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{
		CircuitBreaker: domain.CircuitBreakerConfig{FailureThreshold: 3},
	}, WithListener(events))

	for i := 0; i < 3; i++ {
		require.NoError(t, lb.UpdateServerMetrics("b", domain.ServerMetrics{ErrorRate: 0.9}))
	}

	b, _ := lb.Breaker("b")
	assert.True(t, b.IsOpen())
	assert.Contains(t, events.kinds("b"), domain.EventBreakerOpened)

	s, _ := lb.GetServer("b")
	assert.Equal(t, domain.HealthUnhealthy, s.GetHealthStatus())

	assert.ErrorIs(t, lb.UpdateServerMetrics("missing", domain.ServerMetrics{}), errors.ErrServerNotFound)
}

func TestAdaptiveLoadBalancerUsesReportedMetrics(t *testing.T) {
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{Algorithm: domain.Adaptive})

	require.NoError(t, lb.UpdateServerMetrics("a", domain.ServerMetrics{ResponseTimeMs: 200, ErrorRate: 0.3}))
	require.NoError(t, lb.UpdateServerMetrics("b", domain.ServerMetrics{ResponseTimeMs: 1}))
	require.NoError(t, lb.UpdateServerMetrics("c", domain.ServerMetrics{ResponseTimeMs: 50}))

	s, err := lb.GetNextServer("")
	require.NoError(t, err)
	assert.Equal(t, "b", s.ID)
}

func TestLoadBalancerSelectedEvent(t *testing.T) {
	events := &recorder{}
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{Algorithm: domain.LeastConnections}, WithListener(events))

	_, err := lb.GetNextServer("")
	require.NoError(t, err)

	events.mu.Lock()
	last := events.events[len(events.events)-1]
	events.mu.Unlock()

	assert.Equal(t, domain.EventServerSelected, last.Kind)
	assert.Equal(t, "a", last.ServerID)
	assert.Equal(t, domain.LeastConnections, last.Method)
	assert.False(t, last.Timestamp.IsZero())
}

func TestLoadBalancerStats(t *testing.T) {
	lb := newTestLoadBalancer(t, domain.LoadBalancerConfig{})
	_, err := lb.GetNextServer("")
	require.NoError(t, err)

	stats := lb.Stats()
	assert.Equal(t, "round-robin", stats["algorithm"])
	assert.Equal(t, 3, stats["total_servers"])
	assert.Equal(t, 3, stats["eligible_servers"])
	assert.Len(t, stats["circuit_breakers"], 3)
}
