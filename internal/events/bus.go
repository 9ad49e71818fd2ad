// Package events fans platform events out to listeners and keeps a short
// history for the admin API.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// Bus is a synchronous publish/subscribe hub. It implements domain.Listener,
// so components can publish into it directly.
type Bus struct {
	logger *logger.Logger

	subscribersMutex sync.RWMutex
	subscribers      map[uint64]domain.Listener
	nextID           uint64

	eventsMutex sync.RWMutex
	events      []domain.Event
	maxEvents   int
}

// NewBus creates a bus keeping up to maxEvents in history
func NewBus(maxEvents int, log *logger.Logger) *Bus {
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Bus{
		logger:      logger.OrNop(log).WithField("component", "event_bus"),
		subscribers: make(map[uint64]domain.Listener),
		events:      make([]domain.Event, 0, maxEvents),
		maxEvents:   maxEvents,
	}
}

// Subscribe registers l and returns a function that removes it
func (b *Bus) Subscribe(l domain.Listener) (unsubscribe func()) {
	b.subscribersMutex.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = l
	b.subscribersMutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subscribersMutex.Lock()
			delete(b.subscribers, id)
			b.subscribersMutex.Unlock()
		})
	}
}

// Publish records e and delivers it to every subscriber
func (b *Bus) Publish(e domain.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.eventsMutex.Lock()
	if len(b.events) >= b.maxEvents {
		b.events = append(b.events[1:], e)
	} else {
		b.events = append(b.events, e)
	}
	b.eventsMutex.Unlock()

	b.subscribersMutex.RLock()
	listeners := make([]domain.Listener, 0, len(b.subscribers))
	for _, l := range b.subscribers {
		listeners = append(listeners, l)
	}
	b.subscribersMutex.RUnlock()

	for _, l := range listeners {
		b.deliver(l, e)
	}
}

func (b *Bus) deliver(l domain.Listener, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(map[string]interface{}{
				"kind":  string(e.Kind),
				"panic": r,
			}).Error("Event listener panicked")
		}
	}()
	l.OnEvent(e)
}

// OnEvent makes the bus itself a listener
func (b *Bus) OnEvent(e domain.Event) {
	b.Publish(e)
}

// Recent returns up to limit of the most recent events, oldest first.
// limit <= 0 returns the whole history.
func (b *Bus) Recent(limit int) []domain.Event {
	b.eventsMutex.RLock()
	defer b.eventsMutex.RUnlock()

	if limit <= 0 || limit > len(b.events) {
		limit = len(b.events)
	}
	start := len(b.events) - limit

	result := make([]domain.Event, limit)
	copy(result, b.events[start:])
	return result
}

// SubscriberCount returns the number of registered listeners
func (b *Bus) SubscriberCount() int {
	b.subscribersMutex.RLock()
	defer b.subscribersMutex.RUnlock()
	return len(b.subscribers)
}

// ChannelListener forwards events to a buffered channel. Sends never block;
// events are dropped and counted when the buffer is full.
type ChannelListener struct {
	ch      chan domain.Event
	dropped int64
}

// NewChannelListener creates a listener with the given buffer size
func NewChannelListener(buffer int) *ChannelListener {
	if buffer <= 0 {
		buffer = 10
	}
	return &ChannelListener{ch: make(chan domain.Event, buffer)}
}

// OnEvent performs a non-blocking send
func (c *ChannelListener) OnEvent(e domain.Event) {
	select {
	case c.ch <- e:
	default:
		atomic.AddInt64(&c.dropped, 1)
	}
}

// C returns the receive side of the channel
func (c *ChannelListener) C() <-chan domain.Event {
	return c.ch
}

// Dropped returns how many events were discarded
func (c *ChannelListener) Dropped() int64 {
	return atomic.LoadInt64(&c.dropped)
}
