// Package hub implements the channel hierarchy: every authenticated
// connection is a member of exactly one channel at each of the four
// levels (user, device, session, tab), and lifecycle events fan out
// through that tree. Channels are an arena keyed by "type:key" with
// membership held as index sets of connection ids; there are no
// parent/child pointers to traverse or clean up.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/resilient"
)

// fanoutPrefix namespaces hub traffic on the store's pub/sub surface.
const fanoutPrefix = "fanout:"

// Identity carries the four hierarchy keys of an authenticated
// connection.
type Identity struct {
	UserID    string
	DeviceID  string
	SessionID string
	TabID     string
}

// Complete reports whether all four levels are present. The gateway
// only registers connections whose handshake was accepted, and an
// identity with a missing level is treated as unauthenticated.
func (id Identity) Complete() bool {
	return id.UserID != "" && id.DeviceID != "" && id.SessionID != "" && id.TabID != ""
}

// Channels returns the connection's channel at each hierarchy level,
// outermost first.
func (id Identity) Channels() [4]events.ChannelID {
	return [4]events.ChannelID{
		{Type: events.ChannelUser, Key: id.UserID},
		{Type: events.ChannelDevice, Key: id.DeviceID},
		{Type: events.ChannelSession, Key: id.SessionID},
		{Type: events.ChannelTab, Key: id.TabID},
	}
}

// Contains reports whether ch lies on this identity's path, i.e.
// whether the connection sits at or below ch in the tree.
func (id Identity) Contains(ch events.ChannelID) bool {
	switch ch.Type {
	case events.ChannelGlobal:
		return true
	case events.ChannelUser:
		return id.UserID == ch.Key
	case events.ChannelDevice:
		return id.DeviceID == ch.Key
	case events.ChannelSession:
		return id.SessionID == ch.Key
	case events.ChannelTab:
		return id.TabID == ch.Key
	}
	return false
}

// Sink receives an event for one connection. It must not block;
// returning false means the event could not be queued (slow client)
// and is counted as a drop.
type Sink func(events.Event) bool

type member struct {
	id       string
	identity Identity
	sink     Sink
	joinedAt time.Time
}

// ConnectionInfo is the admin-facing view of a registered connection.
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	SessionID    string    `json:"session_id"`
	TabID        string    `json:"tab_id"`
	JoinedAt     time.Time `json:"joined_at"`
}

// envelope is the cross-process fan-out frame. Origin filters out our
// own publications echoed back by the store.
type envelope struct {
	Origin      string             `json:"origin"`
	Propagation events.Propagation `json:"propagation"`
	Event       events.Event       `json:"event"`
}

type Hub struct {
	mu       sync.RWMutex
	members  map[string]*member
	channels map[string]map[string]struct{}

	origin string
	store  *resilient.Store
}

// New builds a hub. store may be nil for single-process deployments
// and tests; cross-process fan-out is then disabled.
func New(store *resilient.Store) *Hub {
	return &Hub{
		members:  make(map[string]*member),
		channels: make(map[string]map[string]struct{}),
		origin:   uuid.NewString(),
		store:    store,
	}
}

// Join registers the connection at all four hierarchy levels
// atomically, creating missing channels. An incomplete identity is
// rejected as unauthenticated.
func (h *Hub) Join(connectionID string, identity Identity, sink Sink) error {
	if !identity.Complete() {
		return consts.ErrUnauthorized
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.members[connectionID]; exists {
		h.detachLocked(connectionID)
	}

	h.members[connectionID] = &member{
		id:       connectionID,
		identity: identity,
		sink:     sink,
		joinedAt: time.Now(),
	}
	for _, ch := range identity.Channels() {
		name := ch.String()
		set, ok := h.channels[name]
		if !ok {
			set = make(map[string]struct{})
			h.channels[name] = set
			metrics.ChannelsCurrent.WithLabelValues(string(ch.Type)).Inc()
		}
		set[connectionID] = struct{}{}
	}

	logger.Debug("connection joined hierarchy",
		"connection_id", connectionID,
		"user_id", identity.UserID,
		"session_id", identity.SessionID,
		"tab_id", identity.TabID)
	return nil
}

// Leave removes the connection from all four levels and prunes
// channels that reach zero membership. Safe to call for unknown ids.
func (h *Hub) Leave(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(connectionID)
}

func (h *Hub) detachLocked(connectionID string) {
	m, ok := h.members[connectionID]
	if !ok {
		return
	}
	delete(h.members, connectionID)
	for _, ch := range m.identity.Channels() {
		name := ch.String()
		set, ok := h.channels[name]
		if !ok {
			continue
		}
		delete(set, connectionID)
		if len(set) == 0 {
			delete(h.channels, name)
			metrics.ChannelsCurrent.WithLabelValues(string(ch.Type)).Dec()
		}
	}
}

// Publish delivers ev to the target channel's live members, expanding
// per propagation, and forwards it to peer processes through the
// store. Publishing to a channel with no members is a no-op.
func (h *Hub) Publish(ctx context.Context, ev events.Event, propagation events.Propagation) error {
	if err := ev.Validate(); err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return consts.ErrMalformedEvent
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()

	if h.store != nil {
		frame, err := json.Marshal(envelope{Origin: h.origin, Propagation: propagation, Event: ev})
		if err == nil {
			// Publish degrades to local-only delivery internally; the
			// hub never surfaces fan-out trouble to the emitter.
			_ = h.store.Publish(ctx, fanoutPrefix+ev.Channel.String(), frame)
		}
	}

	h.deliver(ev, propagation)
	return nil
}

// deliver resolves the recipient set and invokes sinks outside the
// lock. Each connection receives at most one copy regardless of how
// many expanded channels it belongs to.
func (h *Hub) deliver(ev events.Event, propagation events.Propagation) {
	h.mu.RLock()
	recipients := h.recipientsLocked(ev.Channel, propagation)
	h.mu.RUnlock()

	for _, m := range recipients {
		if m.sink(ev) {
			metrics.EventsDelivered.Inc()
		} else {
			metrics.EventsDropped.WithLabelValues("slow_client").Inc()
			logger.Warn("event dropped for slow connection",
				"connection_id", m.id, "kind", string(ev.Kind), "channel", ev.Channel.String())
		}
	}
}

func (h *Hub) recipientsLocked(target events.ChannelID, propagation events.Propagation) []*member {
	seen := make(map[string]struct{})
	var out []*member
	add := func(connectionID string) {
		if _, dup := seen[connectionID]; dup {
			return
		}
		seen[connectionID] = struct{}{}
		if m, ok := h.members[connectionID]; ok {
			out = append(out, m)
		}
	}

	switch propagation {
	case events.PropagateDown:
		// Everything at or below the target. A connection sits below
		// the target exactly when the target lies on its identity
		// path, so a single membership scan covers tabs with no
		// subscribers at intermediate levels.
		for id, m := range h.members {
			if m.identity.Contains(target) {
				add(id)
			}
		}
	case events.PropagateUp:
		// Direct members plus the members of each ancestor channel of
		// every direct member.
		for id := range h.channels[target.String()] {
			add(id)
			m, ok := h.members[id]
			if !ok {
				continue
			}
			for _, ancestor := range m.identity.Channels() {
				if ancestor == target {
					break
				}
				for peer := range h.channels[ancestor.String()] {
					add(peer)
				}
			}
		}
	default:
		for id := range h.channels[target.String()] {
			add(id)
		}
	}
	return out
}

// Run consumes the cross-process fan-out stream until ctx is
// cancelled. Frames originated by this process are skipped; malformed
// frames are dropped without stalling later deliveries.
func (h *Hub) Run(ctx context.Context) error {
	if h.store == nil {
		<-ctx.Done()
		return nil
	}

	ch, err := h.store.Subscribe(ctx, fanoutPrefix+"*")
	if err != nil {
		return err
	}
	logger.Info("hub fan-out subscription established", "origin", h.origin)

	for msg := range ch {
		var frame envelope
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			logger.Warn("dropping malformed fan-out frame", "channel", msg.Channel, "error", err)
			continue
		}
		if frame.Origin == h.origin {
			continue
		}
		if err := frame.Event.Validate(); err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			logger.Warn("dropping invalid fan-out event", "channel", msg.Channel, "error", err)
			continue
		}
		h.deliver(frame.Event, frame.Propagation)
	}
	return ctx.Err()
}

// MemberCount returns the live membership of a channel.
func (h *Hub) MemberCount(ch events.ChannelID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[ch.String()])
}

// ChannelCount returns the number of live channels.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Connections lists registered connections for the admin API,
// optionally filtered by user id.
func (h *Hub) Connections(userID string) []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(h.members))
	for _, m := range h.members {
		if userID != "" && m.identity.UserID != userID {
			continue
		}
		out = append(out, ConnectionInfo{
			ConnectionID: m.id,
			UserID:       m.identity.UserID,
			DeviceID:     m.identity.DeviceID,
			SessionID:    m.identity.SessionID,
			TabID:        m.identity.TabID,
			JoinedAt:     m.joinedAt,
		})
	}
	return out
}

// ConnectionsFor returns the connection ids currently under ch. Used
// by the gateway's kick path.
func (h *Hub) ConnectionsFor(ch events.ChannelID) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for id, m := range h.members {
		if m.identity.Contains(ch) {
			out = append(out, id)
		}
	}
	return out
}
