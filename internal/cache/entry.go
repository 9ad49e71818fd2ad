package cache

import "time"

// Entry is a cached value with its bookkeeping. Entries handed out by the
// cache are copies; mutating them does not affect the cache.
type Entry[V any] struct {
	Key            string              `json:"key"`
	Value          V                   `json:"value"`
	TTL            time.Duration       `json:"ttl"`
	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
	AccessCount    int64               `json:"access_count"`
	Tags           map[string]struct{} `json:"tags,omitempty"`
	SizeBytes      int64               `json:"size_bytes"`

	// seq orders entries by insertion within a level; tick orders them by
	// last access. Both are logical counters, immune to clock resolution.
	seq  uint64
	tick uint64
}

func newEntry[V any](key string, value V, ttl time.Duration, tags map[string]struct{}, size int64, now time.Time) *Entry[V] {
	return &Entry[V]{
		Key:            key,
		Value:          value,
		TTL:            ttl,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		Tags:           tags,
		SizeBytes:      size,
	}
}

// Expired reports whether now is past the entry's expiry
func (e *Entry[V]) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// HasTag reports whether the entry carries tag
func (e *Entry[V]) HasTag(tag string) bool {
	_, ok := e.Tags[tag]
	return ok
}

// TagList returns the tags as a slice
func (e *Entry[V]) TagList() []string {
	out := make([]string, 0, len(e.Tags))
	for t := range e.Tags {
		out = append(out, t)
	}
	return out
}

func tagSet(tags []string) map[string]struct{} {
	if len(tags) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}
