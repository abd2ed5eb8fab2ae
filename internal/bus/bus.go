// Package bus is the in-process event fan-out: one topic per run category,
// many subscribers per topic. The websocket feed publishes envelopes here
// and correlators subscribe.
package bus

import (
	"sync"

	"github.com/personadesk/run-orchestrator/internal/domain"
)

const subscriberBuffer = 64

// Bus fans envelopes out to per-category subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[domain.RunCategory]map[*Subscription]struct{}
}

// Subscription is one subscriber's view of a category topic. Read envelopes
// from C; the channel closes on Unsubscribe.
type Subscription struct {
	C chan domain.EventEnvelope

	bus      *Bus
	category domain.RunCategory
	once     sync.Once
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[domain.RunCategory]map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber on the category topic.
func (b *Bus) Subscribe(category domain.RunCategory) *Subscription {
	sub := &Subscription{
		C:        make(chan domain.EventEnvelope, subscriberBuffer),
		bus:      b,
		category: category,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[category] == nil {
		b.subs[category] = make(map[*Subscription]struct{})
	}
	b.subs[category][sub] = struct{}{}
	return sub
}

// Publish delivers an envelope to every subscriber on the category topic.
// Slow subscribers that have filled their buffer miss the envelope rather
// than blocking the publisher; the poll-based snapshot path reconciles them.
func (b *Bus) Publish(category domain.RunCategory, env domain.EventEnvelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[category] {
		select {
		case sub.C <- env:
		default:
		}
	}
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.category], s)
		s.bus.mu.Unlock()
		close(s.C)
	})
}

// SubscriberCount returns the number of subscribers on a category topic.
func (b *Bus) SubscriberCount(category domain.RunCategory) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[category])
}
