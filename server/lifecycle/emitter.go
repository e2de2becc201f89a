// Package lifecycle watches credential/session expiry on the server
// side, emits lifecycle events into the channel hierarchy, and keeps a
// bounded replay buffer serving the fallback poll contract.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/server/hub"
)

// Publisher is the hub surface the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event, propagation events.Propagation) error
}

var _ Publisher = (*hub.Hub)(nil)

// seqKey holds the reserved id base in the resilience store, keeping
// ids monotonic across process restarts.
const seqKey = "lifecycle:seq"

// seqReserveBlock is the id range claimed per process start. A run
// never burns through a full block, so ids from consecutive runs
// cannot collide.
const seqReserveBlock = 1 << 32

// SequenceStore persists the emitter's id base across restarts.
type SequenceStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Emitter assigns monotonic event ids, buffers recent events for
// replay, and fans them out through the hub. RestoreSequence resumes
// the id space past the previous run's reserved block; ids restart at
// 1 only when that stored base is lost.
type Emitter struct {
	hub Publisher

	mu   sync.RWMutex
	seq  uint64
	ring []events.Event
	cap  int
}

func NewEmitter(h Publisher, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Emitter{
		hub:  h,
		ring: make([]events.Event, 0, bufferSize),
		cap:  bufferSize,
	}
}

// Emit builds an immutable event, records it for replay and publishes
// it. payload may be nil.
func (e *Emitter) Emit(ctx context.Context, kind events.Kind, channel events.ChannelID, payload any, propagation events.Propagation) (events.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return events.Event{}, err
		}
		raw = b
	}

	// Id assignment and the ring append share one critical section so
	// the ring stays ascending under concurrent emits.
	e.mu.Lock()
	e.seq++
	ev := events.Event{
		ID:        e.seq,
		Kind:      kind,
		Channel:   channel,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Nonce:     uuid.NewString(),
	}
	if len(e.ring) == e.cap {
		e.ring = append(e.ring[:0], e.ring[1:]...)
	}
	e.ring = append(e.ring, ev)
	e.mu.Unlock()

	if err := e.hub.Publish(ctx, ev, propagation); err != nil {
		return events.Event{}, err
	}

	logger.Debug("lifecycle event emitted",
		"event_id", ev.ID, "kind", string(kind), "channel", channel.String())
	return ev, nil
}

// EventsSince returns buffered events with id > lastID, ascending.
// Repeated calls with the same id return the same set; events older
// than the buffer are gone, which the at-least-once contract permits.
func (e *Emitter) EventsSince(lastID uint64) []events.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// Ring is ordered by id; find the first entry past lastID.
	idx := len(e.ring)
	for i, ev := range e.ring {
		if ev.ID > lastID {
			idx = i
			break
		}
	}
	out := make([]events.Event, len(e.ring)-idx)
	copy(out, e.ring[idx:])
	return out
}

// LastEventID returns the most recently assigned id.
func (e *Emitter) LastEventID() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// RestoreSequence resumes the id space from the stored base and
// reserves the next block for this run. Emitted ids then stay above
// every id the previous run could have assigned, so reconnecting
// clients keep their watermarks and still receive new events.
func (e *Emitter) RestoreSequence(ctx context.Context, store SequenceStore) error {
	var base uint64
	cur, err := store.Get(ctx, seqKey)
	switch {
	case err == nil:
		base, err = strconv.ParseUint(cur, 10, 64)
		if err != nil {
			logger.Warn("lifecycle sequence base unreadable, restarting id space", "value", cur, "error", err)
			base = 0
		}
	case errors.Is(err, consts.ErrKeyNotFound):
	default:
		return err
	}

	if err := store.Set(ctx, seqKey, strconv.FormatUint(base+seqReserveBlock, 10), 0); err != nil {
		return err
	}

	e.mu.Lock()
	e.seq = base
	e.mu.Unlock()
	logger.Info("lifecycle event ids resumed", "base", base)
	return nil
}
