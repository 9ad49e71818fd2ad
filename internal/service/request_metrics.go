package service

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// RequestMetrics aggregates proxied request outcomes per server
type RequestMetrics struct {
	totalRequests int64
	totalErrors   int64
	started       time.Time

	mu      sync.RWMutex
	servers map[string]*serverRequestMetrics
}

type serverRequestMetrics struct {
	requests     int64
	errors       int64
	totalLatency int64
	minLatency   int64
	maxLatency   int64
	lastRequest  time.Time
	buckets      LatencyBuckets
}

// LatencyBuckets holds latency distribution data
type LatencyBuckets struct {
	Under10ms   int64 `json:"under_10ms"`
	Under50ms   int64 `json:"under_50ms"`
	Under100ms  int64 `json:"under_100ms"`
	Under500ms  int64 `json:"under_500ms"`
	Under1000ms int64 `json:"under_1000ms"`
	Over1000ms  int64 `json:"over_1000ms"`
}

func (b *LatencyBuckets) add(ms int64) {
	switch {
	case ms < 10:
		b.Under10ms++
	case ms < 50:
		b.Under50ms++
	case ms < 100:
		b.Under100ms++
	case ms < 500:
		b.Under500ms++
	case ms < 1000:
		b.Under1000ms++
	default:
		b.Over1000ms++
	}
}

// ServerRequestStats is a snapshot of one server's request metrics
type ServerRequestStats struct {
	Requests            int64          `json:"requests"`
	Errors              int64          `json:"errors"`
	SuccessRate         float64        `json:"success_rate"`
	AvgLatencyMs        float64        `json:"avg_latency_ms"`
	MinLatencyMs        int64          `json:"min_latency_ms"`
	MaxLatencyMs        int64          `json:"max_latency_ms"`
	LastRequest         time.Time      `json:"last_request"`
	LatencyDistribution LatencyBuckets `json:"latency_distribution"`
}

// NewRequestMetrics creates an empty collector
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{
		started: time.Now(),
		servers: make(map[string]*serverRequestMetrics),
	}
}

// Observe records one proxied request
func (m *RequestMetrics) Observe(serverID string, latency time.Duration, failed bool) {
	atomic.AddInt64(&m.totalRequests, 1)
	if failed {
		atomic.AddInt64(&m.totalErrors, 1)
	}
	ms := latency.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[serverID]
	if !ok {
		s = &serverRequestMetrics{minLatency: math.MaxInt64}
		m.servers[serverID] = s
	}
	s.requests++
	if failed {
		s.errors++
	}
	s.totalLatency += ms
	if ms < s.minLatency {
		s.minLatency = ms
	}
	if ms > s.maxLatency {
		s.maxLatency = ms
	}
	s.lastRequest = time.Now()
	s.buckets.add(ms)
}

func (s *serverRequestMetrics) snapshot() ServerRequestStats {
	stats := ServerRequestStats{
		Requests:            s.requests,
		Errors:              s.errors,
		MinLatencyMs:        s.minLatency,
		MaxLatencyMs:        s.maxLatency,
		LastRequest:         s.lastRequest,
		LatencyDistribution: s.buckets,
	}
	if s.requests > 0 {
		stats.SuccessRate = float64(s.requests-s.errors) / float64(s.requests) * 100
		stats.AvgLatencyMs = float64(s.totalLatency) / float64(s.requests)
	}
	return stats
}

// ServerStats returns the request metrics of one server
func (m *RequestMetrics) ServerStats(serverID string) (ServerRequestStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[serverID]
	if !ok {
		return ServerRequestStats{}, false
	}
	return s.snapshot(), true
}

// Remove drops a server's metrics
func (m *RequestMetrics) Remove(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, serverID)
}

// GetStats returns current statistics
func (m *RequestMetrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	servers := make(map[string]ServerRequestStats, len(m.servers))
	for id, s := range m.servers {
		servers[id] = s.snapshot()
	}
	m.mu.RUnlock()

	total := atomic.LoadInt64(&m.totalRequests)
	errs := atomic.LoadInt64(&m.totalErrors)
	var successRate float64
	if total > 0 {
		successRate = float64(total-errs) / float64(total) * 100
	}

	return map[string]interface{}{
		"total_requests":       total,
		"total_errors":         errs,
		"overall_success_rate": successRate,
		"uptime":               time.Since(m.started).String(),
		"servers":              servers,
	}
}
