package cache

import (
	"context"
	"sync/atomic"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/hashing"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// Store is the cache surface shared by HierarchicalCache and ShardRouter
type Store[V any] interface {
	Get(ctx context.Context, key string) (GetResult[V], error)
	GetOrLoad(ctx context.Context, key string, load Loader[V], opts SetOptions) (GetResult[V], error)
	Set(ctx context.Context, key string, value V, opts SetOptions) error
	Delete(ctx context.Context, key string) bool
	Clear(ctx context.Context, level int) (int, error)
	InvalidateByTag(ctx context.Context, tag string, levels ...int) (int, error)
	Peek(level int, key string) (Entry[V], bool)
	RefreshHealth() domain.HealthStatus
	Stats() Stats
	Start(ctx context.Context) error
	Stop()
}

var (
	_ Store[string] = (*HierarchicalCache[string])(nil)
	_ Store[string] = (*ShardRouter[string])(nil)
)

// ShardOptions returns extra options for one shard, such as a backend with
// a shard-specific key prefix
type ShardOptions[V any] func(shard int) []Option[V]

// shardCounters are the router-side hit/miss counters of one shard
type shardCounters struct {
	hits   int64
	misses int64
}

// ShardRouter spreads keys over independent caches with identical level
// configuration. A key always maps to the same shard for a fixed shard
// count; changing the count remaps every key and nothing is migrated.
type ShardRouter[V any] struct {
	shards   []*HierarchicalCache[V]
	counters []shardCounters
	logger   *logger.Logger
}

// NewShardRouter builds config.ShardCount caches. common applies to every
// shard; perShard, if set, adds shard-specific options.
func NewShardRouter[V any](config domain.CacheConfig, perShard ShardOptions[V], common ...Option[V]) (*ShardRouter[V], error) {
	n := config.ShardCount
	if n <= 0 {
		return nil, errors.NewConfigError("shard_router", "shard count must be positive")
	}

	r := &ShardRouter[V]{
		shards:   make([]*HierarchicalCache[V], n),
		counters: make([]shardCounters, n),
	}
	for i := 0; i < n; i++ {
		opts := make([]Option[V], 0, len(common)+2)
		opts = append(opts, common...)
		opts = append(opts, WithShard[V](i))
		if perShard != nil {
			opts = append(opts, perShard(i)...)
		}
		c, err := New(config, opts...)
		if err != nil {
			return nil, err
		}
		r.shards[i] = c
	}

	// the router logs through whatever logger the shards were given
	r.logger = r.shards[0].root.ShardLogger()
	r.logger.WithFields(map[string]interface{}{
		"shards": n,
		"levels": len(config.Levels),
	}).Info("Cache shard router created")
	return r, nil
}

// Route returns the shard index for key
func (r *ShardRouter[V]) Route(key string) int {
	return hashing.Index(key, len(r.shards))
}

// ShardCount returns the number of shards
func (r *ShardRouter[V]) ShardCount() int {
	return len(r.shards)
}

// Shard returns the cache at index i
func (r *ShardRouter[V]) Shard(i int) *HierarchicalCache[V] {
	return r.shards[i]
}

func (r *ShardRouter[V]) count(i int, hit bool) {
	if hit {
		atomic.AddInt64(&r.counters[i].hits, 1)
	} else {
		atomic.AddInt64(&r.counters[i].misses, 1)
	}
}

// Get looks key up in its shard
func (r *ShardRouter[V]) Get(ctx context.Context, key string) (GetResult[V], error) {
	i := r.Route(key)
	res, err := r.shards[i].Get(ctx, key)
	if err == nil {
		r.count(i, res.Hit)
	}
	return res, err
}

// GetOrLoad looks key up in its shard, loading on a miss
func (r *ShardRouter[V]) GetOrLoad(ctx context.Context, key string, load Loader[V], opts SetOptions) (GetResult[V], error) {
	i := r.Route(key)
	res, err := r.shards[i].GetOrLoad(ctx, key, load, opts)
	if err == nil {
		r.count(i, res.Hit)
	} else {
		r.count(i, false)
	}
	return res, err
}

// Set writes key to its shard
func (r *ShardRouter[V]) Set(ctx context.Context, key string, value V, opts SetOptions) error {
	return r.shards[r.Route(key)].Set(ctx, key, value, opts)
}

// Delete removes key from its shard
func (r *ShardRouter[V]) Delete(ctx context.Context, key string) bool {
	return r.shards[r.Route(key)].Delete(ctx, key)
}

// Peek inspects key at a level of its shard
func (r *ShardRouter[V]) Peek(level int, key string) (Entry[V], bool) {
	return r.shards[r.Route(key)].Peek(level, key)
}

// Clear empties a level, or all levels, on every shard
func (r *ShardRouter[V]) Clear(ctx context.Context, level int) (int, error) {
	total := 0
	for _, s := range r.shards {
		n, err := s.Clear(ctx, level)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// InvalidateByTag removes tagged entries from every shard
func (r *ShardRouter[V]) InvalidateByTag(ctx context.Context, tag string, levels ...int) (int, error) {
	total := 0
	for _, s := range r.shards {
		n, err := s.InvalidateByTag(ctx, tag, levels...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RefreshHealth recomputes health on every shard and returns the worst
func (r *ShardRouter[V]) RefreshHealth() domain.HealthStatus {
	statuses := make([]domain.HealthStatus, len(r.shards))
	for i, s := range r.shards {
		statuses[i] = s.RefreshHealth()
	}
	return worstHealth(statuses...)
}

// Stats sums level counters over shards and reports per-shard routing
// counters
func (r *ShardRouter[V]) Stats() Stats {
	var out Stats
	out.Shards = make([]ShardStats, len(r.shards))
	statuses := make([]domain.HealthStatus, len(r.shards))

	for i, s := range r.shards {
		st := s.Stats()
		out.Levels = mergeLevels(out.Levels, st.Levels)
		statuses[i] = st.Health

		hits := atomic.LoadInt64(&r.counters[i].hits)
		misses := atomic.LoadInt64(&r.counters[i].misses)
		entries := 0
		for _, l := range st.Levels {
			entries += l.Entries
		}
		out.Shards[i] = ShardStats{
			Index:   i,
			Hits:    hits,
			Misses:  misses,
			HitRate: hitRate(hits, misses),
			Entries: entries,
		}
		out.Hits += hits
		out.Misses += misses
	}
	out.Health = worstHealth(statuses...)
	out.HitRate = hitRate(out.Hits, out.Misses)
	return out
}

// Start runs every shard's health loop
func (r *ShardRouter[V]) Start(ctx context.Context) error {
	for i, s := range r.shards {
		if err := s.Start(ctx); err != nil {
			r.logger.WithError(err).WithField("shard", i).Error("Failed to start cache shard")
			for _, started := range r.shards[:i] {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop halts every shard's health loop
func (r *ShardRouter[V]) Stop() {
	for _, s := range r.shards {
		s.Stop()
	}
	r.logger.Debug("Cache shards stopped")
}
