package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
)

func testServers(weights ...int) []*domain.Server {
	names := []string{"a", "b", "c", "d", "e"}
	servers := make([]*domain.Server, len(weights))
	for i, w := range weights {
		servers[i] = domain.NewServer(names[i], "127.0.0.1", 8081+i, w)
	}
	return servers
}

func selectIDs(s domain.SelectionStrategy, servers []*domain.Server, key string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s.Select(servers, key).ID
	}
	return out
}

func TestRoundRobinStrategy(t *testing.T) {
	servers := testServers(1, 1, 1)
	strategy := NewRoundRobinStrategy()

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, selectIDs(strategy, servers, "", 6))

	strategy.Reset()
	assert.Equal(t, "a", strategy.Select(servers, "").ID)
	assert.Equal(t, int64(1), strategy.Stats()["total_selections"])
}

func TestWeightedRoundRobinStrategy(t *testing.T) {
	servers := testServers(1, 2, 1)

	tests := []struct {
		draw     float64
		expected string
	}{
		{0.0, "a"},
		{0.25, "a"},
		{0.3, "b"},
		{0.74, "b"},
		{0.9, "c"},
	}

	for _, tt := range tests {
		draw := tt.draw
		strategy := NewWeightedRoundRobinStrategy(func() float64 { return draw })
		assert.Equal(t, tt.expected, strategy.Select(servers, "").ID, "draw %v", tt.draw)
	}
}

func TestWeightedRoundRobinSkipsZeroWeights(t *testing.T) {
	servers := testServers(0, 3, 0)
	strategy := NewWeightedRoundRobinStrategy(func() float64 { return 0 })
	assert.Equal(t, "b", strategy.Select(servers, "").ID)

	allZero := testServers(0, 0)
	assert.Equal(t, "a", strategy.Select(allZero, "").ID)
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	servers := testServers(1, 3)
	strategy := NewWeightedRoundRobinStrategy(nil)

	counts := map[string]int{}
	for i := 0; i < 4000; i++ {
		counts[strategy.Select(servers, "").ID]++
	}
	assert.InDelta(t, 3.0, float64(counts["b"])/float64(counts["a"]), 0.6)
}

func TestLeastConnectionsStrategy(t *testing.T) {
	servers := testServers(1, 1, 1)
	servers[0].SetActiveConnections(3)
	servers[1].SetActiveConnections(1)
	servers[2].SetActiveConnections(1)

	strategy := NewLeastConnectionsStrategy()
	assert.Equal(t, "b", strategy.Select(servers, "").ID)
}

func TestWeightedLeastConnectionsStrategy(t *testing.T) {
	servers := testServers(1, 4, 0)
	servers[0].SetActiveConnections(2)
	servers[1].SetActiveConnections(4)
	servers[2].SetActiveConnections(0)

	strategy := NewWeightedLeastConnectionsStrategy()
	assert.Equal(t, "b", strategy.Select(servers, "").ID)

	onlyZero := testServers(0)
	assert.Equal(t, "a", strategy.Select(onlyZero, "").ID)
}

func TestConsistentHashingStrategy(t *testing.T) {
	servers := testServers(1, 1, 1)
	strategy := NewConsistentHashingStrategy(nil)

	// String("hello") = 99162322, 99162322 % 3 = 1
	assert.Equal(t, "b", strategy.Select(servers, "hello").ID)
	assert.Equal(t, "b", strategy.Select(servers, "hello").ID)
}

func TestConsistentHashingWithoutKeyUsesClock(t *testing.T) {
	servers := testServers(1, 1, 1)
	fixed := time.UnixMilli(1000)
	strategy := NewConsistentHashingStrategy(func() time.Time { return fixed })

	// String("1000") = 1507423, 1507423 % 3 = 1
	assert.Equal(t, "b", strategy.Select(servers, "").ID)
}

type staticMetrics map[string]domain.ServerMetrics

func (m staticMetrics) Average(id string) (domain.ServerMetrics, bool) {
	v, ok := m[id]
	return v, ok
}

func TestAdaptiveStrategy(t *testing.T) {
	servers := testServers(1, 1)
	metrics := staticMetrics{
		"a": {ResponseTimeMs: 100, ErrorRate: 0.4},
	}
	strategy := NewAdaptiveStrategy(metrics)

	assert.Equal(t, "b", strategy.Select(servers, "").ID)

	// 0.3*1 + 0.3*1 + 0.3*1 + 0.1*1
	unbounded := domain.NewServer("u", "h", 1, 10)
	unbounded.MaxConnections = 0
	assert.InDelta(t, 1.0, strategy.Score(unbounded), 1e-9)

	loaded := domain.NewServer("l", "h", 1, 0)
	loaded.SetActiveConnections(50)
	assert.InDelta(t, 0.15+0.3+0.3, strategy.Score(loaded), 1e-9)
}

func TestNewStrategy(t *testing.T) {
	for _, alg := range domain.Algorithms {
		s, err := NewStrategy(alg, StrategyOptions{})
		require.NoError(t, err)
		assert.Equal(t, alg, s.Algorithm())
	}

	_, err := NewStrategy("random", StrategyOptions{})
	assert.Equal(t, errors.ErrCodeInvalidAlgorithm, errors.GetErrorCode(err))
}
