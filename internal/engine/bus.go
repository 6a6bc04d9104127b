package engine

import (
	"sync"
	"time"
)

const (
	// busQueueSize bounds the central queue between publishers and the
	// fan-out goroutine.
	busQueueSize = 1024

	// subscriberBuffer bounds each subscriber's delivery channel. A slow
	// subscriber loses its oldest buffered events, never newer ones.
	subscriberBuffer = 256

	// publishTimeout caps how long a publisher waits on a full central
	// queue before the event is dropped. The scheduler must never stall
	// on observers.
	publishTimeout = 100 * time.Millisecond
)

// Bus broadcasts engine events to subscribers. A single fan-out goroutine
// drains the central queue, so per-subscriber delivery order matches
// emission order.
type Bus struct {
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

type subscriber struct {
	ch     chan Event
	lagged bool
}

func NewBus() *Bus {
	b := &Bus{
		events: make(chan Event, busQueueSize),
		done:   make(chan struct{}),
		subs:   make(map[string]*subscriber),
	}
	go b.fanOut()
	return b
}

// Publish queues an event for broadcast. A missing timestamp is filled in.
// When the central queue stays full past publishTimeout the event is
// dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case b.events <- ev:
		return
	case <-b.done:
		return
	default:
	}
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case b.events <- ev:
	case <-b.done:
	case <-timer.C:
	}
}

// Subscribe registers a named subscriber and returns its delivery channel
// plus a cancel function. The channel is closed on cancel and on bus
// shutdown.
func (b *Bus) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if old, ok := b.subs[name]; ok {
		close(old.ch)
	}
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.subs[name] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[name]; ok && cur == sub {
			delete(b.subs, name)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Close drains queued events to subscribers, then closes every delivery
// channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) fanOut() {
	for {
		select {
		case ev := <-b.events:
			b.broadcast(ev)
		case <-b.done:
			for {
				select {
				case ev := <-b.events:
					b.broadcast(ev)
				default:
					b.mu.Lock()
					for name, sub := range b.subs {
						delete(b.subs, name)
						close(sub.ch)
					}
					b.mu.Unlock()
					return
				}
			}
		}
	}
}

func (b *Bus) broadcast(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.deliver(ev)
	}
}

// deliver pushes one event into the subscriber's buffer. When the buffer is
// full the oldest event is dropped and the next delivered event is marked
// detail="lagged" so the subscriber knows it missed some.
func (s *subscriber) deliver(ev Event) {
	for {
		out := ev
		if s.lagged {
			if out.Detail == "" {
				out.Detail = "lagged"
			} else {
				out.Detail += "; lagged"
			}
		}
		select {
		case s.ch <- out:
			s.lagged = false
			return
		default:
		}
		select {
		case <-s.ch:
			s.lagged = true
		default:
		}
	}
}
