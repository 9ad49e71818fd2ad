package service

import (
	"sync"
	"time"

	"github.com/mir00r/cache-balancer/internal/domain"
)

// MetricsWindowSize is the number of samples kept per server
const MetricsWindowSize = 100

// metricsWindow is a bounded FIFO of samples with the running average
type metricsWindow struct {
	samples []domain.ServerMetrics
	average domain.ServerMetrics
}

func (w *metricsWindow) add(sample domain.ServerMetrics) {
	if len(w.samples) >= MetricsWindowSize {
		w.samples = append(w.samples[:0:0], w.samples[1:]...)
	}
	w.samples = append(w.samples, sample)

	var sum domain.ServerMetrics
	for _, s := range w.samples {
		sum.ResponseTimeMs += s.ResponseTimeMs
		sum.ErrorRate += s.ErrorRate
		sum.Throughput += s.Throughput
		sum.CPUPercent += s.CPUPercent
		sum.MemoryPercent += s.MemoryPercent
	}
	n := float64(len(w.samples))
	w.average = domain.ServerMetrics{
		ResponseTimeMs: sum.ResponseTimeMs / n,
		ErrorRate:      sum.ErrorRate / n,
		Throughput:     sum.Throughput / n,
		CPUPercent:     sum.CPUPercent / n,
		MemoryPercent:  sum.MemoryPercent / n,
		Timestamp:      sample.Timestamp,
	}
}

// ServerMetricsStore keeps a rolling window of metric samples per server
type ServerMetricsStore struct {
	mu      sync.RWMutex
	windows map[string]*metricsWindow
}

// NewServerMetricsStore creates an empty store
func NewServerMetricsStore() *ServerMetricsStore {
	return &ServerMetricsStore{windows: make(map[string]*metricsWindow)}
}

// Record appends a sample, dropping the oldest beyond the window size, and
// returns the new average
func (s *ServerMetricsStore) Record(serverID string, sample domain.ServerMetrics) domain.ServerMetrics {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[serverID]
	if !ok {
		w = &metricsWindow{}
		s.windows[serverID] = w
	}
	w.add(sample)
	return w.average
}

// Average returns the averaged metrics of a server
func (s *ServerMetricsStore) Average(serverID string) (domain.ServerMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[serverID]
	if !ok {
		return domain.ServerMetrics{}, false
	}
	return w.average, true
}

// Samples returns how many samples a server's window holds
func (s *ServerMetricsStore) Samples(serverID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if w, ok := s.windows[serverID]; ok {
		return len(w.samples)
	}
	return 0
}

// Remove drops a server's window
func (s *ServerMetricsStore) Remove(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, serverID)
}

// DeriveHealth classifies a server from its averaged metrics and breaker
func DeriveHealth(avg domain.ServerMetrics, breakerOpen bool) domain.HealthStatus {
	switch {
	case breakerOpen, avg.ErrorRate > 0.5, avg.CPUPercent > 90, avg.MemoryPercent > 90:
		return domain.HealthUnhealthy
	case avg.ErrorRate > 0.2, avg.CPUPercent > 70, avg.MemoryPercent > 70:
		return domain.HealthDegraded
	default:
		return domain.HealthHealthy
	}
}
