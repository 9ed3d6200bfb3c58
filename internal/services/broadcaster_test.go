package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thanush-07/aegis/internal/models"
)

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(8)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	b.Publish(&models.AuditLog{EventType: models.AuditEventLoginSuccess})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case got := <-sub.Events():
			assert.Equal(t, models.AuditEventLoginSuccess, got.EventType)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBroadcaster_SlowSubscriberDropsOldest(t *testing.T) {
	b := NewBroadcaster(2)
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(&models.AuditLog{EventType: fmt.Sprintf("event_%d", i)})
	}

	// Three of five were evicted, newest two remain.
	assert.Equal(t, int64(3), sub.TakeGap())
	assert.Equal(t, int64(0), sub.TakeGap(), "gap counter resets after being taken")

	got := []string{(<-sub.Events()).EventType, (<-sub.Events()).EventType}
	assert.Equal(t, []string{"event_3", "event_4"}, got)
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster(1)
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&models.AuditLog{EventType: models.AuditEventLoginFailed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBroadcaster_CloseUnsubscribes(t *testing.T) {
	b := NewBroadcaster(8)
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	sub.Close() // idempotent

	assert.Equal(t, 0, b.SubscriberCount())
	b.Publish(&models.AuditLog{EventType: models.AuditEventLogout})

	_, open := <-sub.Events()
	assert.False(t, open, "channel closes with the subscription")
}

func TestBroadcaster_ConcurrentPublishAndConsume(t *testing.T) {
	const events = 500

	b := NewBroadcaster(events)
	sub := b.Subscribe()

	var received int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range sub.Events() {
			received++
		}
	}()

	for i := 0; i < events; i++ {
		b.Publish(&models.AuditLog{EventType: models.AuditEventTokenRefreshed})
	}
	// Drain completes once Close shuts the channel.
	time.Sleep(50 * time.Millisecond)
	sub.Close()
	wg.Wait()

	assert.Equal(t, events, received+int(sub.TakeGap()))
}
