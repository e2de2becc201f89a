package events

import "sync"

// Handler consumes a delivered event.
type Handler func(Event)

// Bus is an in-process event dispatcher keyed by Kind. Subscribing
// returns an unsubscribe function; there is deliberately no per-event
// string registry anywhere else in the repository.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind]map[uint64]Handler
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[Kind]map[uint64]Handler),
	}
}

// Subscribe registers h for events of the given kind (or KindAny for
// all kinds). The returned function removes the subscription and is
// safe to call more than once.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]Handler)
	}
	b.subs[kind][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[kind], id)
			if len(b.subs[kind]) == 0 {
				delete(b.subs, kind)
			}
		})
	}
}

// Publish delivers ev synchronously to every handler subscribed to its
// kind and to KindAny. Handlers run on the caller's goroutine; the
// client runtime is cooperatively scheduled, so this preserves
// within-tab ordering.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Kind])+len(b.subs[KindAny]))
	for _, h := range b.subs[ev.Kind] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[KindAny] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// SubscriberCount returns the number of handlers for a kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
