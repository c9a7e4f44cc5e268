// Package broadcast is the in-process fan-out hub feeding SSE clients:
// each subscriber gets a bounded delivery queue with drop-oldest
// back-pressure, new subscribers are seeded from a replay buffer, and a
// keep-alive tick keeps idle connections open through intermediaries.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/esp32fleet/core/internal/events"
)

const (
	replayCap          = 500
	subscriberQueueCap = 256
	keepAliveInterval  = 15 * time.Second
)

type queueItem struct {
	keepAlive bool
	event     events.Event
}

// Subscriber is a single SSE client's delivery queue.
type Subscriber struct {
	id     uint64
	mu     sync.Mutex
	queue  []queueItem
	notify chan struct{}
	closed bool
}

func newSubscriber(id uint64) *Subscriber {
	return &Subscriber{id: id, notify: make(chan struct{}, 1)}
}

func (s *Subscriber) enqueue(item queueItem) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= subscriberQueueCap {
		// Freshness-preferring: drop the oldest undelivered event, not the newest.
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) popFront() (queueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return queueItem{}, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	return item, true
}

// Next blocks until at least one item is available, ctx is cancelled, or
// the subscriber is closed. ok is false only when the subscriber closed
// with nothing left to deliver.
func (s *Subscriber) Next(ctx context.Context) (events.Event, bool, bool) {
	for {
		if item, ok := s.popFront(); ok {
			return item.event, item.keepAlive, true
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return events.Event{}, false, false
		}
		select {
		case <-ctx.Done():
			return events.Event{}, false, false
		case <-s.notify:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Broadcaster is the process-wide, singleton publish-subscribe bus.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	replay []events.Event

	stop chan struct{}
	once sync.Once
}

// New constructs a Broadcaster and starts its keep-alive ticker.
func New() *Broadcaster {
	b := &Broadcaster{
		subs: make(map[uint64]*Subscriber),
		stop: make(chan struct{}),
	}
	go b.runKeepAlive()
	return b
}

// Subscribe registers a new subscriber, seeding its queue with the
// current replay buffer. Replay entries are guaranteed to be enqueued
// before any event published after Subscribe returns (both happen under
// the same lock as Publish).
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newSubscriber(b.nextID)
	b.nextID++
	for _, ev := range b.replay {
		sub.enqueue(queueItem{event: ev})
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub from the subscriber list and releases it.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish appends ev to the replay buffer and fans it out to every
// subscriber. Never blocks on a slow subscriber.
func (b *Broadcaster) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replay = append(b.replay, ev)
	if len(b.replay) > replayCap {
		b.replay = b.replay[len(b.replay)-replayCap:]
	}
	for _, sub := range b.subs {
		sub.enqueue(queueItem{event: ev})
	}
}

// Buffer returns a snapshot of the current replay buffer.
func (b *Broadcaster) Buffer() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.replay))
	copy(out, b.replay)
	return out
}

// SubscriberCount reports the number of currently connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) runKeepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			for _, sub := range b.subs {
				sub.enqueue(queueItem{keepAlive: true})
			}
			b.mu.Unlock()
		}
	}
}

// Close stops the keep-alive ticker. Safe to call multiple times.
func (b *Broadcaster) Close() {
	b.once.Do(func() { close(b.stop) })
}
