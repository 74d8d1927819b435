package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/reencode/internal/domain"
)

func TestEventBus_BroadcastsToAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	a := bus.Subscribe()
	b := bus.Subscribe()
	require.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(domain.JobStatusEvent(7, domain.JobStatusProcessing, nil))

	for _, ch := range []chan domain.Event{a, b} {
		ev := <-ch
		assert.Equal(t, domain.EventJobStatus, ev.Type)
		assert.Equal(t, int64(7), ev.JobID)
		assert.Equal(t, int64(1), ev.Seq)
		assert.Equal(t, fixed, ev.Timestamp)
	}
}

func TestEventBus_SequenceIncreases(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(domain.QueueUpdateEvent(i, nil))
	}

	var last int64
	for i := 0; i < 5; i++ {
		ev := <-ch
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

func TestEventBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(domain.QueueUpdateEvent(i, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Len(t, slow, subscriberBuffer)
	assert.Equal(t, int64(10), bus.Dropped())
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	bus.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())

	// second unsubscribe is a no-op
	assert.NotPanics(t, func() { bus.Unsubscribe(ch) })
	assert.NotPanics(t, func() { bus.Publish(domain.QueueUpdateEvent(0, nil)) })
}
