package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// level is one tier of a hierarchical cache. mu guards the entry map, the
// size counters and the metrics.
type level[V any] struct {
	index   int
	name    string
	cfg     domain.LevelConfig
	order   before[V]
	backend Backend[V]
	logger  *logger.Logger

	mu      sync.Mutex
	entries map[string]*Entry[V]
	bytes   int64
	seq     uint64
	tick    uint64

	hits       int64
	misses     int64
	writes     int64
	evictions  int64
	errors     int64
	avgLatency time.Duration
	samples    int64
	health     domain.HealthStatus
}

func newLevel[V any](index int, cfg domain.LevelConfig, backend Backend[V], log *logger.Logger) *level[V] {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("L%d", index)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = domain.EvictLRU
	}
	l := &level[V]{
		index:   index,
		name:    name,
		cfg:     cfg,
		order:   evictionOrder[V](cfg.Strategy),
		backend: backend,
		entries: make(map[string]*Entry[V]),
		health:  domain.HealthHealthy,
	}
	l.logger = log.WithField("level", name)
	return l
}

// lookup returns a copy of the live entry for key. Expired entries are
// purged. On an in-memory miss the backend is consulted and a found value
// is indexed again under the level TTL.
func (l *level[V]) lookup(ctx context.Context, key string, now time.Time, size func(V) int64) (Entry[V], bool, []string) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if ok && e.Expired(now) {
		l.removeLocked(key)
		ok = false
	}
	if ok {
		l.tick++
		e.tick = l.tick
		e.AccessCount++
		e.LastAccessedAt = now
		snap := *e
		l.mu.Unlock()
		return snap, true, nil
	}
	l.mu.Unlock()

	if l.backend == nil {
		return Entry[V]{}, false, nil
	}

	v, found, err := l.backend.Get(ctx, key)
	if err != nil {
		l.recordError()
		l.logger.WithError(err).WithField("key", key).Warn("Cache backend read failed")
		return Entry[V]{}, false, nil
	}
	if !found {
		return Entry[V]{}, false, nil
	}

	restored := newEntry(key, v, l.cfg.TTL, nil, size(v), now)
	restored.AccessCount = 1
	snap := *restored
	evicted, stored := l.insert(restored)
	l.dropFromBackend(ctx, evicted)
	if !stored {
		return Entry[V]{}, false, evicted
	}
	return snap, true, evicted
}

// peek returns a copy without touching access statistics
func (l *level[V]) peek(key string, now time.Time) (Entry[V], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || e.Expired(now) {
		return Entry[V]{}, false
	}
	return *e, true
}

// store writes e to memory and through to the backend. It returns the
// evicted keys and an error only for a failed backend write.
func (l *level[V]) store(ctx context.Context, e *Entry[V]) ([]string, error) {
	evicted, stored := l.insert(e)
	l.dropFromBackend(ctx, evicted)

	if !stored {
		// the replaced value must not resurface through read-through
		l.dropFromBackend(ctx, []string{e.Key})
		l.logger.WithFields(map[string]interface{}{
			"key":       e.Key,
			"size":      e.SizeBytes,
			"max_bytes": l.cfg.MaxBytes,
		}).Debug("Entry larger than level capacity, not stored")
		return evicted, nil
	}

	if l.backend != nil {
		if err := l.backend.Set(ctx, e.Key, e.Value, e.TTL); err != nil {
			l.recordError()
			l.logger.WithError(err).WithField("key", e.Key).Warn("Cache backend write failed")
			return evicted, err
		}
	}
	return evicted, nil
}

// insert replaces any entry under the same key, evicting until the new entry
// fits. An entry larger than MaxBytes is not stored.
func (l *level[V]) insert(e *Entry[V]) ([]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writes++
	if _, exists := l.entries[e.Key]; exists {
		l.removeLocked(e.Key)
	}
	if l.cfg.MaxBytes > 0 && e.SizeBytes > l.cfg.MaxBytes {
		return nil, false
	}

	var evicted []string
	for l.overflowsLocked(e.SizeBytes) {
		victim, ok := selectVictim(l.entries, l.order)
		if !ok {
			break
		}
		l.removeLocked(victim)
		l.evictions++
		evicted = append(evicted, victim)
	}

	l.seq++
	l.tick++
	e.seq = l.seq
	e.tick = l.tick
	l.entries[e.Key] = e
	l.bytes += e.SizeBytes
	return evicted, true
}

func (l *level[V]) overflowsLocked(incoming int64) bool {
	if l.cfg.MaxEntries > 0 && len(l.entries)+1 > l.cfg.MaxEntries {
		return true
	}
	return l.cfg.MaxBytes > 0 && l.bytes+incoming > l.cfg.MaxBytes
}

func (l *level[V]) removeLocked(key string) bool {
	e, ok := l.entries[key]
	if !ok {
		return false
	}
	l.bytes -= e.SizeBytes
	delete(l.entries, key)
	return true
}

func (l *level[V]) delete(ctx context.Context, key string) bool {
	l.mu.Lock()
	removed := l.removeLocked(key)
	l.mu.Unlock()

	if l.backend != nil {
		if err := l.backend.Delete(ctx, key); err != nil {
			l.recordError()
			l.logger.WithError(err).WithField("key", key).Warn("Cache backend delete failed")
		}
	}
	return removed
}

func (l *level[V]) clear(ctx context.Context) int {
	l.mu.Lock()
	n := len(l.entries)
	l.entries = make(map[string]*Entry[V])
	l.bytes = 0
	l.mu.Unlock()

	if l.backend != nil {
		if err := l.backend.Clear(ctx); err != nil {
			l.recordError()
			l.logger.WithError(err).Warn("Cache backend clear failed")
		}
	}
	return n
}

// removeTagged scans every entry and removes those carrying tag
func (l *level[V]) removeTagged(ctx context.Context, tag string) []string {
	l.mu.Lock()
	var removed []string
	for key, e := range l.entries {
		if e.HasTag(tag) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		l.removeLocked(key)
	}
	l.mu.Unlock()

	l.dropFromBackend(ctx, removed)
	return removed
}

func (l *level[V]) dropFromBackend(ctx context.Context, keys []string) {
	if l.backend == nil {
		return
	}
	for _, key := range keys {
		if err := l.backend.Delete(ctx, key); err != nil {
			l.recordError()
			l.logger.WithError(err).WithField("key", key).Warn("Cache backend delete failed")
		}
	}
}

func (l *level[V]) recordLookup(hit bool, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hit {
		l.hits++
	} else {
		l.misses++
	}
	l.samples++
	l.avgLatency += (latency - l.avgLatency) / time.Duration(l.samples)
}

func (l *level[V]) recordError() {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

// refreshHealth derives the level health from error and hit rates
func (l *level[V]) refreshHealth() domain.HealthStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	lookups := l.hits + l.misses
	ops := lookups + l.writes
	var errorRate, hitRate float64
	if ops > 0 {
		errorRate = float64(l.errors) / float64(ops)
	} else if l.errors > 0 {
		errorRate = 1
	}
	if lookups > 0 {
		hitRate = float64(l.hits) / float64(lookups)
	}

	switch {
	case errorRate > 0.10:
		l.health = domain.HealthUnhealthy
	case errorRate > 0.05, lookups > 0 && hitRate < 0.5:
		l.health = domain.HealthDegraded
	default:
		l.health = domain.HealthHealthy
	}
	return l.health
}

func (l *level[V]) stats() LevelStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LevelStats{
		Name:       l.name,
		Strategy:   l.cfg.Strategy,
		Hits:       l.hits,
		Misses:     l.misses,
		Entries:    len(l.entries),
		Bytes:      l.bytes,
		Evictions:  l.evictions,
		Errors:     l.errors,
		AvgLatency: l.avgLatency,
		Health:     l.health,
	}
	if l.backend != nil {
		s.Backend = l.backend.Name()
	}
	if total := l.hits + l.misses; total > 0 {
		s.HitRate = float64(l.hits) / float64(total)
	}
	return s
}
