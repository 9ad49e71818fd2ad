package cache

import "github.com/mir00r/cache-balancer/internal/domain"

// before reports whether a should be evicted ahead of b, ignoring ties
type before[V any] func(a, b *Entry[V]) bool

func evictionOrder[V any](strategy domain.EvictionStrategy) before[V] {
	switch strategy {
	case domain.EvictLFU:
		return func(a, b *Entry[V]) bool { return a.AccessCount < b.AccessCount }
	case domain.EvictFIFO:
		return func(a, b *Entry[V]) bool { return a.seq < b.seq }
	case domain.EvictMRU:
		return func(a, b *Entry[V]) bool { return a.tick > b.tick }
	case domain.EvictTTL:
		return func(a, b *Entry[V]) bool { return a.ExpiresAt.Before(b.ExpiresAt) }
	default:
		return func(a, b *Entry[V]) bool { return a.tick < b.tick }
	}
}

// selectVictim returns the key to evict. Ties go to the earliest inserted
// entry.
func selectVictim[V any](entries map[string]*Entry[V], first before[V]) (string, bool) {
	var victim *Entry[V]
	for _, e := range entries {
		if victim == nil || first(e, victim) || (!first(victim, e) && e.seq < victim.seq) {
			victim = e
		}
	}
	if victim == nil {
		return "", false
	}
	return victim.Key, true
}
