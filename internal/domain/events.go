package domain

import "time"

// EventKind names a notification emitted by platform components
type EventKind string

const (
	EventCacheHit    EventKind = "cache:hit"
	EventCacheMiss   EventKind = "cache:miss"
	EventCacheEvict  EventKind = "cache:evict"
	EventCacheSet    EventKind = "cache:set"
	EventCacheDelete EventKind = "cache:delete"

	EventServerSelected  EventKind = "server:selected"
	EventServerAdded     EventKind = "server:added"
	EventServerRemoved   EventKind = "server:removed"
	EventServerHealthy   EventKind = "server:healthy"
	EventServerUnhealthy EventKind = "server:unhealthy"

	EventBreakerOpened     EventKind = "circuit-breaker:opened"
	EventBreakerClosed     EventKind = "circuit-breaker:closed"
	EventBreakerHalfOpened EventKind = "circuit-breaker:half-opened"
)

// Event is a fire-and-forget notification. Only the fields relevant to
// the kind are set.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level,omitempty"`
	Key       string    `json:"key,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	Address   string    `json:"address,omitempty"`
	Method    Algorithm `json:"method,omitempty"`
	Shard     int       `json:"shard,omitempty"`
}

// Listener receives events. Implementations must not block.
type Listener interface {
	OnEvent(e Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(e Event)

// OnEvent calls f(e)
func (f ListenerFunc) OnEvent(e Event) {
	f(e)
}

// Notify stamps e and delivers it to l. A nil listener is a no-op.
func Notify(l Listener, e Event) {
	if l == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.OnEvent(e)
}
