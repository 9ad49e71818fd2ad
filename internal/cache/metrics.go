package cache

import (
	"time"

	"github.com/mir00r/cache-balancer/internal/domain"
)

// LevelStats reports the counters of one level
type LevelStats struct {
	Name       string                  `json:"name"`
	Strategy   domain.EvictionStrategy `json:"strategy"`
	Backend    string                  `json:"backend,omitempty"`
	Hits       int64                   `json:"hits"`
	Misses     int64                   `json:"misses"`
	HitRate    float64                 `json:"hit_rate"`
	Entries    int                     `json:"entries"`
	Bytes      int64                   `json:"bytes"`
	Evictions  int64                   `json:"evictions"`
	Errors     int64                   `json:"errors"`
	AvgLatency time.Duration           `json:"avg_latency"`
	Health     domain.HealthStatus     `json:"health"`
}

// Stats reports a whole cache, or the sum over shards for a router
type Stats struct {
	Levels  []LevelStats        `json:"levels"`
	Health  domain.HealthStatus `json:"health"`
	Shards  []ShardStats        `json:"shards,omitempty"`
	Hits    int64               `json:"hits"`
	Misses  int64               `json:"misses"`
	HitRate float64             `json:"hit_rate"`
}

// ShardStats reports the router counters of one shard
type ShardStats struct {
	Index   int     `json:"index"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Entries int     `json:"entries"`
}

func worstHealth(statuses ...domain.HealthStatus) domain.HealthStatus {
	worst := domain.HealthHealthy
	for _, s := range statuses {
		switch s {
		case domain.HealthUnhealthy:
			return domain.HealthUnhealthy
		case domain.HealthDegraded:
			worst = domain.HealthDegraded
		}
	}
	return worst
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// mergeLevels adds b's counters into a, level by level
func mergeLevels(a, b []LevelStats) []LevelStats {
	if a == nil {
		out := make([]LevelStats, len(b))
		copy(out, b)
		return out
	}
	for i := range a {
		if i >= len(b) {
			break
		}
		samples := a[i].Hits + a[i].Misses
		other := b[i].Hits + b[i].Misses
		if samples+other > 0 {
			a[i].AvgLatency = time.Duration((int64(a[i].AvgLatency)*samples + int64(b[i].AvgLatency)*other) / (samples + other))
		}
		a[i].Hits += b[i].Hits
		a[i].Misses += b[i].Misses
		a[i].Entries += b[i].Entries
		a[i].Bytes += b[i].Bytes
		a[i].Evictions += b[i].Evictions
		a[i].Errors += b[i].Errors
		a[i].HitRate = hitRate(a[i].Hits, a[i].Misses)
		a[i].Health = worstHealth(a[i].Health, b[i].Health)
	}
	return a
}
