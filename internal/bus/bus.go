// Package bus is the in-process relay between the push-channel layer and
// its consumers. A room that is not currently open still receives its
// unread/lastMessage updates through here, so the transport never needs to
// know what is mounted.
package bus

import (
	"sync"

	"github.com/chatsync/internal/logger"
)

// Handler consumes one published event.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus dispatches events synchronously, in registration order, on the
// publisher's goroutine. Each handler runs to completion before the next
// event is dispatched, which keeps state mutation single-file.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind][]subscription
}

func New() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers fn for events of the given kind and returns an
// unsubscribe func. Safe to call from handlers.
func (b *Bus) Subscribe(kind Kind, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		for i, s := range subs {
			if s.id == id {
				b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to all subscribers of its kind. A panicking handler is
// logged and skipped; one bad consumer must not kill the reconciliation loop.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Kind()]
	targets := make([]Handler, len(subs))
	for i, s := range subs {
		targets[i] = s.fn
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("bus: handler panic on %s: %v", ev.Kind(), r)
		}
	}()
	fn(ev)
}
