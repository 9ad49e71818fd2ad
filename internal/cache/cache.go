package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// SourceLoader is the GetResult source for values produced by a loader
const SourceLoader = "loader"

// Loader produces a value on a full cache miss
type Loader[V any] func(ctx context.Context) (V, error)

// SetOptions controls a write. Zero values mean the level TTL, all levels
// and no tags.
type SetOptions struct {
	TTL    time.Duration `json:"ttl,omitempty"`
	Levels []int         `json:"levels,omitempty"`
	Tags   []string      `json:"tags,omitempty"`
}

// GetResult is the outcome of a lookup. Source names the level that served
// a hit, or "loader".
type GetResult[V any] struct {
	Value  V      `json:"value"`
	Hit    bool   `json:"hit"`
	Source string `json:"source,omitempty"`
}

// Option configures a HierarchicalCache
type Option[V any] func(*HierarchicalCache[V])

// WithLogger sets the logger
func WithLogger[V any](l *logger.Logger) Option[V] {
	return func(c *HierarchicalCache[V]) {
		if l != nil {
			c.root = l
			c.logger = l.CacheLogger()
		}
	}
}

// WithListener sets the event listener
func WithListener[V any](l domain.Listener) Option[V] {
	return func(c *HierarchicalCache[V]) {
		c.listener = l
	}
}

// WithBackend attaches a backend to a level, numbered from 1
func WithBackend[V any](n int, b Backend[V]) Option[V] {
	return func(c *HierarchicalCache[V]) {
		c.backends[n] = b
	}
}

// WithSizer replaces the JSON-length size function
func WithSizer[V any](size func(V) int64) Option[V] {
	return func(c *HierarchicalCache[V]) {
		c.size = size
	}
}

// WithClock replaces time.Now
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *HierarchicalCache[V]) {
		c.now = now
	}
}

// WithShard tags emitted events with a shard index
func WithShard[V any](shard int) Option[V] {
	return func(c *HierarchicalCache[V]) {
		c.shard = shard
	}
}

// HierarchicalCache is an N-level cache. Level 1 is checked first; hits at
// deeper levels are promoted into every shallower level.
type HierarchicalCache[V any] struct {
	config   domain.CacheConfig
	levels   []*level[V]
	backends map[int]Backend[V]
	root     *logger.Logger
	logger   *logger.Logger
	listener domain.Listener
	size     func(V) int64
	now      func() time.Time
	shard    int
	loads    singleflight.Group

	hits   int64
	misses int64

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// New builds a cache from config. Levels are numbered from 1.
func New[V any](config domain.CacheConfig, opts ...Option[V]) (*HierarchicalCache[V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidConfig, "cache", "invalid cache configuration")
	}

	c := &HierarchicalCache[V]{
		config:   config,
		backends: make(map[int]Backend[V]),
		root:     logger.NewNop(),
		logger:   logger.NewNop(),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	c.size = c.jsonSize
	for _, opt := range opts {
		opt(c)
	}

	for n := range c.backends {
		if n < 1 || n > len(config.Levels) {
			return nil, errors.NewError(errors.ErrCodeInvalidLevel, "cache",
				fmt.Sprintf("backend configured for level %d, cache has %d levels", n, len(config.Levels)))
		}
	}

	c.levels = make([]*level[V], len(config.Levels))
	for i, lc := range config.Levels {
		c.levels[i] = newLevel(i+1, lc, c.backends[i+1], c.logger)
	}
	return c, nil
}

func (c *HierarchicalCache[V]) jsonSize(v V) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.WithError(err).Debug("Value is not JSON-encodable, sizing as zero")
		return 0
	}
	return int64(len(data))
}

func (c *HierarchicalCache[V]) emit(e domain.Event) {
	e.Shard = c.shard
	domain.Notify(c.listener, e)
}

func (c *HierarchicalCache[V]) emitEvictions(lvl *level[V], keys []string) {
	for _, k := range keys {
		c.emit(domain.Event{Kind: domain.EventCacheEvict, Level: lvl.name, Key: k})
	}
}

// Get scans the levels in order. A hit below level 1 is promoted into the
// shallower levels using each target level's own TTL.
func (c *HierarchicalCache[V]) Get(ctx context.Context, key string) (GetResult[V], error) {
	for i, lvl := range c.levels {
		start := time.Now()
		entry, ok, evicted := lvl.lookup(ctx, key, c.now(), c.size)
		lvl.recordLookup(ok, time.Since(start))
		c.emitEvictions(lvl, evicted)

		if !ok {
			continue
		}

		atomic.AddInt64(&c.hits, 1)
		c.emit(domain.Event{Kind: domain.EventCacheHit, Level: lvl.name, Key: key})
		c.logger.WithFields(map[string]interface{}{
			"key":   key,
			"level": lvl.name,
		}).Debug("Cache hit")

		if i > 0 {
			c.promote(ctx, entry, c.levels[:i])
		}
		return GetResult[V]{Value: entry.Value, Hit: true, Source: lvl.name}, nil
	}

	atomic.AddInt64(&c.misses, 1)
	c.emit(domain.Event{Kind: domain.EventCacheMiss, Key: key})
	c.logger.WithField("key", key).Debug("Cache miss")
	return GetResult[V]{}, nil
}

func (c *HierarchicalCache[V]) promote(ctx context.Context, from Entry[V], targets []*level[V]) {
	now := c.now()
	for _, lvl := range targets {
		e := newEntry(from.Key, from.Value, lvl.cfg.TTL, from.Tags, from.SizeBytes, now)
		evicted, _ := lvl.store(ctx, e)
		c.emitEvictions(lvl, evicted)
	}
}

// GetOrLoad returns a cached value, or calls load on a full miss and writes
// the result to opts.Levels (all levels when empty). Concurrent misses on the
// same key share one load. A load error is returned unchanged and leaves the
// cache untouched.
//
// The shared load keeps the first caller's context values but not its
// cancellation. A caller whose ctx ends stops waiting with ctx.Err() while
// the load carries on for the others.
func (c *HierarchicalCache[V]) GetOrLoad(ctx context.Context, key string, load Loader[V], opts SetOptions) (GetResult[V], error) {
	res, err := c.Get(ctx, key)
	if err != nil || res.Hit || load == nil {
		return res, err
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(key, func() (interface{}, error) {
		value, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(loadCtx, key, value, opts); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Back-fill after load was incomplete")
		}
		return value, nil
	})

	var out singleflight.Result
	select {
	case <-ctx.Done():
		return GetResult[V]{}, ctx.Err()
	case out = <-ch:
	}
	if out.Err != nil {
		return GetResult[V]{}, out.Err
	}
	value, _ := out.Val.(V)
	return GetResult[V]{Value: value, Hit: false, Source: SourceLoader}, nil
}

// Set writes value to each targeted level independently. The size is
// computed once and reused. An error is returned only when every targeted
// level failed to write through to its backend.
func (c *HierarchicalCache[V]) Set(ctx context.Context, key string, value V, opts SetOptions) error {
	targets, err := c.resolveLevels(opts.Levels)
	if err != nil {
		return err
	}

	size := c.size(value)
	tags := tagSet(opts.Tags)
	now := c.now()

	var failures int
	var lastErr error
	for _, lvl := range targets {
		ttl := lvl.cfg.TTL
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		evicted, err := lvl.store(ctx, newEntry(key, value, ttl, tags, size, now))
		c.emitEvictions(lvl, evicted)
		if err != nil {
			failures++
			lastErr = err
		}
	}

	c.emit(domain.Event{Kind: domain.EventCacheSet, Key: key})

	if failures > 0 && failures == len(targets) {
		return errors.WrapError(lastErr, errors.ErrCodeCacheBackend, "cache",
			fmt.Sprintf("write of %q failed on every level", key))
	}
	return nil
}

func (c *HierarchicalCache[V]) resolveLevels(levels []int) ([]*level[V], error) {
	if len(levels) == 0 {
		return c.levels, nil
	}
	out := make([]*level[V], 0, len(levels))
	seen := make(map[int]bool, len(levels))
	for _, n := range levels {
		if n < 1 || n > len(c.levels) {
			return nil, errors.NewError(errors.ErrCodeInvalidLevel, "cache",
				fmt.Sprintf("level %d out of range 1..%d", n, len(c.levels)))
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, c.levels[n-1])
		}
	}
	return out, nil
}

// Delete removes key from every level. It reports whether any level held it.
func (c *HierarchicalCache[V]) Delete(ctx context.Context, key string) bool {
	removed := false
	for _, lvl := range c.levels {
		if lvl.delete(ctx, key) {
			removed = true
		}
	}
	c.emit(domain.Event{Kind: domain.EventCacheDelete, Key: key})
	return removed
}

// Clear empties level n, or every level when n is 0. It returns the
// number of entries dropped.
func (c *HierarchicalCache[V]) Clear(ctx context.Context, n int) (int, error) {
	targets := c.levels
	if n != 0 {
		var err error
		if targets, err = c.resolveLevels([]int{n}); err != nil {
			return 0, err
		}
	}

	total := 0
	for _, lvl := range targets {
		total += lvl.clear(ctx)
	}
	c.logger.WithFields(map[string]interface{}{
		"level":   n,
		"entries": total,
	}).Info("Cache cleared")
	return total, nil
}

// InvalidateByTag removes every entry carrying tag from the given levels,
// or all levels. This scans every entry and is meant for administrative use.
func (c *HierarchicalCache[V]) InvalidateByTag(ctx context.Context, tag string, levels ...int) (int, error) {
	targets, err := c.resolveLevels(levels)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, lvl := range targets {
		removed := lvl.removeTagged(ctx, tag)
		total += len(removed)
		for _, k := range removed {
			c.emit(domain.Event{Kind: domain.EventCacheDelete, Level: lvl.name, Key: k})
		}
	}
	c.logger.WithFields(map[string]interface{}{
		"tag":     tag,
		"entries": total,
	}).Info("Cache invalidated by tag")
	return total, nil
}

// Peek returns the live entry at a level without touching access statistics
func (c *HierarchicalCache[V]) Peek(n int, key string) (Entry[V], bool) {
	if n < 1 || n > len(c.levels) {
		return Entry[V]{}, false
	}
	return c.levels[n-1].peek(key, c.now())
}

// LevelCount returns the number of levels
func (c *HierarchicalCache[V]) LevelCount() int {
	return len(c.levels)
}

// RefreshHealth recomputes every level's health and returns the worst
func (c *HierarchicalCache[V]) RefreshHealth() domain.HealthStatus {
	statuses := make([]domain.HealthStatus, len(c.levels))
	for i, lvl := range c.levels {
		statuses[i] = lvl.refreshHealth()
	}
	return worstHealth(statuses...)
}

// Health returns the last computed health without recomputing it
func (c *HierarchicalCache[V]) Health() domain.HealthStatus {
	return c.Stats().Health
}

// Stats returns per-level counters
func (c *HierarchicalCache[V]) Stats() Stats {
	s := Stats{
		Levels: make([]LevelStats, len(c.levels)),
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
	statuses := make([]domain.HealthStatus, len(c.levels))
	for i, lvl := range c.levels {
		s.Levels[i] = lvl.stats()
		statuses[i] = s.Levels[i].Health
	}
	s.Health = worstHealth(statuses...)
	s.HitRate = hitRate(s.Hits, s.Misses)
	return s
}

// Start runs the periodic health evaluation until Stop or ctx is done
func (c *HierarchicalCache[V]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return fmt.Errorf("cache health loop is already running")
	}

	interval := c.config.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	c.isRunning = true
	c.wg.Add(1)
	go c.healthLoop(ctx, interval, c.stopChan)
	return nil
}

// Stop halts the health loop. It is safe to call when not started.
func (c *HierarchicalCache[V]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
	c.isRunning = false
	c.stopChan = make(chan struct{})
}

func (c *HierarchicalCache[V]) healthLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if status := c.RefreshHealth(); status != domain.HealthHealthy {
				c.logger.WithField("health", string(status)).Warn("Cache health degraded")
			}
		}
	}
}
