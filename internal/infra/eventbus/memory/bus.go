// Package memory provides an in-memory, per-scan publish/subscribe bus.
// Events are not persisted and a subscriber only sees events published after
// it subscribed.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

// DefaultQueueLimit is the per-subscriber soft bound used when none is given.
const DefaultQueueLimit = 1024

// DropFunc is told about every log event dropped for a slow subscriber.
type DropFunc func(id domain.ScanID, ev domain.Event)

// topic holds the subscribers of a single scan. Its own lock keeps
// connect/disconnect on one scan from stalling publishes to another.
type topic struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*Subscription
}

// Bus fans events out to every subscriber registered for a scan id.
type Bus struct {
	mu     sync.Mutex
	topics map[domain.ScanID]*topic

	queueLimit int
	onDrop     DropFunc
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueLimit sets the per-subscriber soft bound for log events.
func WithQueueLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueLimit = n
		}
	}
}

// WithDropHook registers a callback for dropped log events.
func WithDropHook(fn DropFunc) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topics:     make(map[domain.ScanID]*topic),
		queueLimit: DefaultQueueLimit,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers ev to every current subscriber of id, in call order per
// subscriber. It never blocks on a subscriber.
func (b *Bus) Publish(id domain.ScanID, ev domain.Event) {
	b.mu.Lock()
	t, ok := b.topics[id]
	b.mu.Unlock()
	if !ok {
		return
	}

	// Publishes to one scan are serialized so every subscriber observes the
	// same order. Pushes never block, so the critical section stays short.
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		if dropped, ok := sub.push(ev); ok && b.onDrop != nil {
			b.onDrop(id, dropped)
		}
	}
}

// Subscribe registers a new subscriber for id.
func (b *Bus) Subscribe(id domain.ScanID) domain.Subscriber {
	return b.subscribe(id)
}

func (b *Bus) subscribe(id domain.ScanID) *Subscription {
	sub := &Subscription{
		id:     uuid.New(),
		scanID: id,
		limit:  b.queueLimit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sub.release = func() { b.remove(sub) }

	b.mu.Lock()
	t, ok := b.topics[id]
	if !ok {
		t = &topic{subs: make(map[uuid.UUID]*Subscription)}
		b.topics[id] = t
	}
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()
	b.mu.Unlock()

	return sub
}

// Unsubscribe closes sub. It is idempotent and safe after the scan ended.
func (b *Bus) Unsubscribe(sub domain.Subscriber) {
	if sub != nil {
		sub.Close()
	}
}

// Subscribers returns how many subscribers id currently has.
func (b *Bus) Subscribers(id domain.ScanID) int {
	b.mu.Lock()
	t, ok := b.topics[id]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.scanID]
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub.id)
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(b.topics, sub.scanID)
	}
}

// Subscription is a single subscriber's ordered queue.
type Subscription struct {
	id     uuid.UUID
	scanID domain.ScanID
	limit  int

	mu      sync.Mutex
	queue   []domain.Event
	closed  bool
	dropped int

	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	release func()
}

func (s *Subscription) ID() string { return s.id.String() }

// ScanID returns the scan this subscription is bound to.
func (s *Subscription) ScanID() domain.ScanID { return s.scanID }

// Dropped returns how many log events were discarded for this subscriber.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push enqueues ev. When the queue is at its bound the oldest queued log event
// is discarded; other kinds are never dropped. It reports the dropped event.
func (s *Subscription) push(ev domain.Event) (domain.Event, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Event{}, false
	}

	var dropped domain.Event
	var didDrop bool
	if len(s.queue) >= s.limit {
		idx := -1
		for i, q := range s.queue {
			if q.Type == domain.EventLog {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			dropped, didDrop = s.queue[idx], true
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		case ev.Type == domain.EventLog:
			s.dropped++
			s.mu.Unlock()
			return ev, true
		}
	}
	if didDrop {
		s.dropped++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped, didDrop
}

// Next returns the next queued event, blocking until one arrives, ctx is done
// or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (domain.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.Event{}, domain.ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = domain.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Close unregisters the subscription and wakes a blocked Next.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}
