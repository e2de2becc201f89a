package resilient

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/beaconhq/beacon/consts"
)

type localEntry struct {
	value string
	timer *time.Timer
}

type localSub struct {
	pattern string

	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// send delivers msg unless the subscription is already closed. The
// per-sub lock serializes sends against close, so a publisher that
// snapshotted this sub before a cancel can never hit a closed channel.
func (s *localSub) send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *localSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LocalBackend is the in-process fallback behind the circuit breaker.
// Keys support exact and wildcard ('*', '?') matching; TTLs are
// enforced with timers. It holds only this process's view of the
// world, which is exactly the degradation the breaker trades into.
type LocalBackend struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string]string
	subs    map[uint64]*localSub
	nextSub uint64
	closed  bool
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		entries: make(map[string]*localEntry),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		subs:    make(map[uint64]*localSub),
	}
}

func (l *LocalBackend) Get(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return "", consts.ErrKeyNotFound
	}
	return e.value, nil
}

func (l *LocalBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.entries[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &localEntry{value: value}
	if ttl > 0 {
		e.timer = time.AfterFunc(ttl, func() { l.expire(key, e) })
	}
	l.entries[key] = e
	return nil
}

// expire removes key only if it still holds the same entry; a Set that
// raced the timer wins.
func (l *LocalBackend) expire(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.entries[key]; ok && cur == e {
		delete(l.entries, key)
	}
}

func (l *LocalBackend) Delete(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		if e, ok := l.entries[key]; ok {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(l.entries, key)
		}
		delete(l.sets, key)
		delete(l.hashes, key)
	}
	return nil
}

func (l *LocalBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return consts.ErrKeyNotFound
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if ttl > 0 {
		e.timer = time.AfterFunc(ttl, func() { l.expire(key, e) })
	}
	return nil
}

func (l *LocalBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for k := range l.entries {
		if matched, _ := path.Match(pattern, k); matched {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (l *LocalBackend) SAdd(_ context.Context, key string, members ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.sets[key]
	if !ok {
		set = make(map[string]struct{})
		l.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (l *LocalBackend) SRem(_ context.Context, key string, members ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(l.sets, key)
	}
	return nil
}

func (l *LocalBackend) SMembers(_ context.Context, key string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	members := make([]string, 0, len(l.sets[key]))
	for m := range l.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (l *LocalBackend) HSet(_ context.Context, key, field, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hashes[key]
	if !ok {
		h = make(map[string]string)
		l.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (l *LocalBackend) HGet(_ context.Context, key, field string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.hashes[key][field]
	if !ok {
		return "", consts.ErrKeyNotFound
	}
	return v, nil
}

func (l *LocalBackend) HGetAll(_ context.Context, key string) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.hashes[key]))
	for f, v := range l.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (l *LocalBackend) HDel(_ context.Context, key string, fields ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(l.hashes, key)
	}
	return nil
}

// Publish delivers to every local subscriber whose pattern matches.
// Slow subscribers are skipped rather than blocking the publisher.
func (l *LocalBackend) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.Lock()
	subs := make([]*localSub, 0, len(l.subs))
	for _, s := range l.subs {
		if matched, _ := path.Match(s.pattern, channel); matched {
			subs = append(subs, s)
		}
	}
	l.mu.Unlock()

	for _, s := range subs {
		s.send(Message{Channel: channel, Payload: payload})
	}
	return nil
}

// Subscribe registers a pattern subscription on the local backend.
func (l *LocalBackend) Subscribe(_ context.Context, pattern string) (<-chan Message, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSub++
	id := l.nextSub
	sub := &localSub{pattern: pattern, ch: make(chan Message, 64)}
	l.subs[id] = sub

	cancel := func() {
		l.mu.Lock()
		s, ok := l.subs[id]
		if ok {
			delete(l.subs, id)
		}
		l.mu.Unlock()
		if ok {
			s.close()
		}
	}
	return sub.ch, cancel, nil
}

func (l *LocalBackend) Ping(context.Context) error {
	return nil
}

func (l *LocalBackend) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, e := range l.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	subs := make([]*localSub, 0, len(l.subs))
	for id, s := range l.subs {
		delete(l.subs, id)
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	return nil
}
