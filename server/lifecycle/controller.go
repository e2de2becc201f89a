package lifecycle

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beaconhq/beacon/authority"
	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
)

type timerKind int

const (
	timerWarn timerKind = iota
	timerExpire
)

type timer struct {
	sessionID string
	fireAt    time.Time
	kind      timerKind
	index     int
}

// timerHeap is a min-heap ordered by fire time.
type timerHeap []*timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)        { t := x.(*timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// expiryPayload is attached to credential-expiring and
// session-timeout-warning events.
type expiryPayload struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Controller is the server half of the token/session lifecycle: it
// rescans the authority for sessions nearing credential expiry, emits
// credential-expiring with lead time on the session channel, and emits
// session-terminated when expiry passes without a refresh.
//
// In cluster mode only the leader node runs timers; SetActive is wired
// to the cluster's leadership callback so followers stay passive.
type Controller struct {
	auth    authority.Authority
	emitter *Emitter

	leadTime       time.Duration
	idleThreshold  time.Duration
	rescanInterval time.Duration

	active atomic.Bool

	mu        sync.Mutex
	heap      timerHeap
	scheduled map[string]time.Time // sessionID -> expiry the warn timer was computed from
	wake      chan struct{}
}

func NewController(auth authority.Authority, emitter *Emitter, cfg config.LifecycleConfig) (*Controller, error) {
	leadTime, err := cfg.GetExpiryLeadTime()
	if err != nil {
		return nil, err
	}
	idle, err := cfg.GetIdleThreshold()
	if err != nil {
		return nil, err
	}
	rescan, err := cfg.GetRescanInterval()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		auth:           auth,
		emitter:        emitter,
		leadTime:       leadTime,
		idleThreshold:  idle,
		rescanInterval: rescan,
		scheduled:      make(map[string]time.Time),
		wake:           make(chan struct{}, 1),
	}
	c.active.Store(true)
	return c, nil
}

// SetActive enables or disables timer processing. Pending timers are
// retained; a node that regains leadership resumes from the schedule
// built by its own rescans.
func (c *Controller) SetActive(active bool) {
	was := c.active.Swap(active)
	if was != active {
		logger.Info("lifecycle scheduler activity changed", "active", active)
	}
	if active {
		c.poke()
	}
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives the rescan loop and the timer heap until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) error {
	rescan := time.NewTicker(c.rescanInterval)
	defer rescan.Stop()

	c.rescanOnce(ctx)

	for {
		var fire <-chan time.Time
		var ft *time.Timer
		if next := c.nextFireAt(); !next.IsZero() {
			ft = time.NewTimer(time.Until(next))
			fire = ft.C
		}

		select {
		case <-ctx.Done():
			if ft != nil {
				ft.Stop()
			}
			return ctx.Err()
		case <-rescan.C:
			c.rescanOnce(ctx)
		case <-c.wake:
		case <-fire:
			c.fireDue(ctx)
		}
		if ft != nil {
			ft.Stop()
		}
	}
}

func (c *Controller) nextFireAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.heap) == 0 {
		return time.Time{}
	}
	return c.heap[0].fireAt
}

func (c *Controller) rescanOnce(ctx context.Context) {
	if !c.active.Load() {
		return
	}
	horizon := c.leadTime + 2*c.rescanInterval
	sessions, err := c.auth.ListExpiring(ctx, horizon)
	if err != nil {
		logger.Warn("lifecycle rescan failed", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range sessions {
		if prev, ok := c.scheduled[s.SessionID]; ok && prev.Equal(s.ExpiresAt) {
			continue
		}
		c.scheduled[s.SessionID] = s.ExpiresAt
		warnAt := s.ExpiresAt.Add(-c.leadTime)
		heap.Push(&c.heap, &timer{sessionID: s.SessionID, fireAt: warnAt, kind: timerWarn})
	}
	c.poke()
}

func (c *Controller) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		c.mu.Lock()
		if len(c.heap) == 0 || c.heap[0].fireAt.After(now) {
			c.mu.Unlock()
			return
		}
		t := heap.Pop(&c.heap).(*timer)
		c.mu.Unlock()

		if !c.active.Load() {
			continue
		}
		switch t.kind {
		case timerWarn:
			c.handleWarn(ctx, t.sessionID)
		case timerExpire:
			c.handleExpire(ctx, t.sessionID)
		}
	}
}

func (c *Controller) handleWarn(ctx context.Context, sessionID string) {
	s, err := c.auth.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, consts.ErrSessionNotFound) {
			logger.Warn("lifecycle warn lookup failed", "session_id", sessionID, "error", err)
		}
		c.forget(sessionID)
		return
	}
	if s.Revoked {
		c.forget(sessionID)
		return
	}

	now := time.Now()
	warnAt := s.ExpiresAt.Add(-c.leadTime)
	if warnAt.After(now) {
		// Refreshed since scheduling; push the warn out to the new
		// expiry.
		c.reschedule(sessionID, s.ExpiresAt, warnAt, timerWarn)
		return
	}

	channel := events.ChannelID{Type: events.ChannelSession, Key: sessionID}
	payload := expiryPayload{SessionID: sessionID, ExpiresAt: s.ExpiresAt}
	if _, err := c.emitter.Emit(ctx, events.KindCredentialExpiring, channel, payload, events.PropagateNone); err != nil {
		logger.Warn("failed to emit credential-expiring", "session_id", sessionID, "error", err)
	}
	if s.IdleSince(now) >= c.idleThreshold {
		if _, err := c.emitter.Emit(ctx, events.KindSessionTimeoutWarning, channel, payload, events.PropagateNone); err != nil {
			logger.Warn("failed to emit session-timeout-warning", "session_id", sessionID, "error", err)
		}
	}

	c.mu.Lock()
	heap.Push(&c.heap, &timer{sessionID: sessionID, fireAt: s.ExpiresAt, kind: timerExpire})
	c.mu.Unlock()
	c.poke()
}

func (c *Controller) handleExpire(ctx context.Context, sessionID string) {
	s, err := c.auth.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, consts.ErrSessionNotFound) {
			logger.Warn("lifecycle expiry lookup failed", "session_id", sessionID, "error", err)
		}
		c.forget(sessionID)
		return
	}

	now := time.Now()
	if s.ExpiresAt.After(now) {
		// Refreshed in the lead window; restart the cycle from the new
		// warn point.
		c.reschedule(sessionID, s.ExpiresAt, s.ExpiresAt.Add(-c.leadTime), timerWarn)
		return
	}

	channel := events.ChannelID{Type: events.ChannelSession, Key: sessionID}
	if _, err := c.emitter.Emit(ctx, events.KindSessionTerminated, channel,
		expiryPayload{SessionID: sessionID, ExpiresAt: s.ExpiresAt}, events.PropagateNone); err != nil {
		logger.Warn("failed to emit session-terminated", "session_id", sessionID, "error", err)
	}
	c.forget(sessionID)
}

func (c *Controller) forget(sessionID string) {
	c.mu.Lock()
	delete(c.scheduled, sessionID)
	c.mu.Unlock()
}

func (c *Controller) reschedule(sessionID string, expiresAt, fireAt time.Time, kind timerKind) {
	c.mu.Lock()
	c.scheduled[sessionID] = expiresAt
	heap.Push(&c.heap, &timer{sessionID: sessionID, fireAt: fireAt, kind: kind})
	c.mu.Unlock()
	c.poke()
}

// Refresh extends a session through the authority and announces the
// new lifetime: credential-refreshed to the session's tabs and
// session-extended alongside it. The refresh endpoint is idempotent
// from the tabs' point of view; a duplicate leader at worst refreshes
// twice.
func (c *Controller) Refresh(ctx context.Context, sessionID string) (*authority.Session, error) {
	s, err := c.auth.RefreshCredential(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	channel := events.ChannelID{Type: events.ChannelSession, Key: sessionID}
	payload := expiryPayload{SessionID: sessionID, ExpiresAt: s.ExpiresAt}
	if _, err := c.emitter.Emit(ctx, events.KindCredentialRefreshed, channel, payload, events.PropagateNone); err != nil {
		return nil, err
	}
	if _, err := c.emitter.Emit(ctx, events.KindSessionExtended, channel, payload, events.PropagateNone); err != nil {
		return nil, err
	}

	c.reschedule(sessionID, s.ExpiresAt, s.ExpiresAt.Add(-c.leadTime), timerWarn)
	return s, nil
}

// Revoke marks the session revoked at the authority and announces
// credential-revoked down the session channel.
func (c *Controller) Revoke(ctx context.Context, sessionID string) error {
	if err := c.auth.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	channel := events.ChannelID{Type: events.ChannelSession, Key: sessionID}
	_, err := c.emitter.Emit(ctx, events.KindCredentialRevoked, channel,
		expiryPayload{SessionID: sessionID}, events.PropagateDown)
	c.forget(sessionID)
	return err
}

// RevokeUser announces credential-revoked down the whole user subtree,
// reaching every tab of every device. Used for password changes.
func (c *Controller) RevokeUser(ctx context.Context, userID string) error {
	channel := events.ChannelID{Type: events.ChannelUser, Key: userID}
	_, err := c.emitter.Emit(ctx, events.KindCredentialRevoked, channel, map[string]string{"user_id": userID}, events.PropagateDown)
	return err
}

// SecurityAlert force-terminates every tab under the target channel.
func (c *Controller) SecurityAlert(ctx context.Context, channel events.ChannelID, detail string) error {
	_, err := c.emitter.Emit(ctx, events.KindSecurityAlert, channel,
		map[string]string{"detail": detail}, events.PropagateDown)
	return err
}
