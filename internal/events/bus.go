package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Handler is a function that handles events
type Handler func(event Event)

type subscription struct {
	id      uint64
	kind    Kind
	all     bool
	once    bool
	handler Handler
}

// Bus handles event subscription and publishing.
//
// Published events are queued and delivered in order on a single goroutine
// owned by the bus, never on the publisher's stack. A panic raised by a
// handler is recovered and logged; it does not reach the publisher and does
// not stop delivery to other handlers.
type Bus struct {
	mu       sync.Mutex
	handlers map[Kind][]*subscription
	all      []*subscription
	nextID   uint64
	queue    []Event
	closed   bool

	wake chan struct{}
	done chan struct{}
	log  zerolog.Logger
}

// NewBus creates a new event bus and starts its delivery goroutine
func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		handlers: make(map[Kind][]*subscription),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		log:      log,
	}
	go b.run()
	return b
}

// Subscribe subscribes to an event kind. The returned function removes the
// subscription.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	return b.add(&subscription{kind: kind, handler: handler})
}

// Once subscribes to the next event of the given kind only
func (b *Bus) Once(kind Kind, handler Handler) func() {
	return b.add(&subscription{kind: kind, once: true, handler: handler})
}

// SubscribeAll subscribes to every event published on the bus
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.add(&subscription{all: true, handler: handler})
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub.id = b.nextID
	if sub.all {
		b.all = append(b.all, sub)
	} else {
		b.handlers[sub.kind] = append(b.handlers[sub.kind], sub)
	}

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.all {
		b.all = without(b.all, sub.id)
		return
	}
	b.handlers[sub.kind] = without(b.handlers[sub.kind], sub.id)
}

func without(subs []*subscription, id uint64) []*subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Wait blocks until the next event of the given kind is published or ctx is
// done.
func (b *Bus) Wait(ctx context.Context, kind Kind) (Event, error) {
	ch := make(chan Event, 1)
	unsub := b.Once(kind, func(event Event) {
		ch <- event
	})

	select {
	case event := <-ch:
		return event, nil
	case <-ctx.Done():
		unsub()
		return nil, ctx.Err()
	}
}

// Publish queues an event for delivery to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Debug().Str("event", event.Kind().String()).Msg("dropping event published after close")
		return
	}
	b.queue = append(b.queue, event)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Unsubscribe removes all handlers for an event kind
func (b *Bus) Unsubscribe(kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, kind)
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Kind][]*subscription)
	b.all = nil
}

// Close delivers the events that are already queued and stops the bus.
// Events published afterwards are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.mu.Unlock()
			<-b.wake
			b.mu.Lock()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}

		event := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		subs := b.take(event.Kind())
		b.mu.Unlock()

		for _, sub := range subs {
			b.deliver(sub.handler, event)
		}
	}
}

// take returns the subscriptions interested in kind and drops the one-shot
// ones. It must be called with b.mu held.
func (b *Bus) take(kind Kind) []*subscription {
	current := b.handlers[kind]
	subs := make([]*subscription, 0, len(current)+len(b.all))
	subs = append(subs, current...)
	subs = append(subs, b.all...)

	kept := current[:0:0]
	for _, s := range current {
		if !s.once {
			kept = append(kept, s)
		}
	}
	b.handlers[kind] = kept
	return subs
}

func (b *Bus) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event", event.Kind().String()).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	handler(event)
}
