package services

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Thanush-07/aegis/internal/models"
)

// Broadcaster fans audit events out to live subscribers. Publishing never
// blocks: when a subscriber's buffer is full, the oldest buffered event is
// discarded and the subscriber's gap counter is incremented so the consumer
// can surface a gap marker on its feed.
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[string]*Subscriber
	bufferSize int
}

type Subscriber struct {
	id      string
	ch      chan *models.AuditLog
	dropped atomic.Int64
	parent  *Broadcaster
	once    sync.Once
}

func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Broadcaster{
		subs:       make(map[string]*Subscriber),
		bufferSize: bufferSize,
	}
}

func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:     uuid.NewString(),
		ch:     make(chan *models.AuditLog, b.bufferSize),
		parent: b,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Publish delivers the event to every subscriber without blocking the
// caller. Slow consumers lose their oldest buffered events, not new ones.
func (b *Broadcaster) Publish(event *models.AuditLog) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		sub.offer(event)
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (s *Subscriber) offer(event *models.AuditLog) {
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		// Buffer full. Evict the oldest event and retry; a concurrent
		// reader may win the race for it, which also frees a slot.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Events is the subscriber's receive channel. It is closed by Close.
func (s *Subscriber) Events() <-chan *models.AuditLog {
	return s.ch
}

// TakeGap returns the number of events dropped since the last call and
// resets the counter. A non-zero result means the feed has a hole.
func (s *Subscriber) TakeGap() int64 {
	return s.dropped.Swap(0)
}

func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.parent.remove(s.id)
		close(s.ch)
	})
}
