// Package client implements the tab-side runtime: the websocket
// connection manager with backoff and a retry budget, the cross-tab
// leader election coordinator, the per-tab credential lifecycle state
// machine and the fallback poller used once reconnection attempts are
// exhausted. One Client corresponds to one browser tab; tabs of the
// same session share state through a Broadcast, never through the
// server.
package client

import (
	"sync"
	"time"

	"github.com/beaconhq/beacon/events"
)

// MessageKind tags a cross-tab broadcast message.
type MessageKind string

const (
	// MessageClaim carries a leadership claim.
	MessageClaim MessageKind = "claim"
	// MessageEvent rebroadcasts a lifecycle event the leader received
	// through the fallback poller to its sibling tabs.
	MessageEvent MessageKind = "event"
	// MessageActivity shares a tab's last user-activity timestamp so
	// the leader can judge session idleness across all tabs.
	MessageActivity MessageKind = "activity"
)

// Message is the unit exchanged between tabs of one browsing context.
type Message struct {
	Kind       MessageKind   `json:"kind"`
	FromTab    string        `json:"from_tab"`
	Claim      *Claim        `json:"claim,omitempty"`
	Event      *events.Event `json:"event,omitempty"`
	ActivityAt time.Time     `json:"activity_at,omitempty"`
}

// Broadcast is the same-origin fan-out primitive connecting the tabs
// of one browsing context. Delivery is best-effort and may include the
// sender's own handler; receivers filter on FromTab.
type Broadcast interface {
	Send(msg Message)
	Subscribe(fn func(Message)) (unsubscribe func())
	Close()
}

// InProcBroadcast links tabs running in one process. It backs tests
// and embedded deployments; a browser runtime would substitute its
// native broadcast channel behind the same interface.
type InProcBroadcast struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Message)
	closed bool
}

func NewInProcBroadcast() *InProcBroadcast {
	return &InProcBroadcast{subs: make(map[uint64]func(Message))}
}

// Send fans msg out to every handler synchronously. Receivers drop
// messages carrying their own FromTab.
func (b *InProcBroadcast) Send(msg Message) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]func(Message), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func (b *InProcBroadcast) Subscribe(fn func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

func (b *InProcBroadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64]func(Message))
}
