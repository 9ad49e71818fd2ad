package cache

import (
	"context"
	"time"
)

// Backend is an opaque store behind one cache level, such as Redis or a
// CDN. The level's in-memory index stays authoritative for capacity, TTL
// and eviction; the backend is written through and consulted on a miss.
type Backend[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Name() string
}
