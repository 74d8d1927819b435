package service

import (
	"sync"
	"time"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/port"
)

const subscriberBuffer = 64

// EventBus fans every published event out to all subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	subscribers map[chan domain.Event]struct{}
	seq         int64
	dropped     int64
	mu          sync.Mutex
	now         func() time.Time
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[chan domain.Event]struct{}),
		now:         time.Now,
	}
}

func (eb *EventBus) Subscribe() chan domain.Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan domain.Event, subscriberBuffer)
	eb.subscribers[ch] = struct{}{}
	return ch
}

func (eb *EventBus) Unsubscribe(ch chan domain.Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, ok := eb.subscribers[ch]; ok {
		delete(eb.subscribers, ch)
		close(ch)
	}
}

// Publish stamps event with the next sequence number and the current time.
// Sequence numbers are assigned under the same lock as delivery, so every
// subscriber sees them in increasing order.
func (eb *EventBus) Publish(event domain.Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.seq++
	event.Seq = eb.seq
	event.Timestamp = eb.now().UTC()

	for ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is slow
			eb.dropped++
		}
	}
}

func (eb *EventBus) SubscriberCount() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.subscribers)
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (eb *EventBus) Dropped() int64 {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return eb.dropped
}

var _ port.EventPublisher = (*EventBus)(nil)
