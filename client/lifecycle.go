package client

import (
	"context"
	"sync"
	"time"

	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
)

// TabState is the per-tab credential state machine.
type TabState string

const (
	StateValid       TabState = "valid"
	StateExpiring    TabState = "expiring"
	StateRefreshing  TabState = "refreshing"
	StateTerminating TabState = "terminating"
)

const defaultIdleThreshold = 5 * time.Minute

// refreshFunc performs one credential refresh round trip.
type refreshFunc func(ctx context.Context) error

// lifecycle reacts to pushed lifecycle events. Every tab tracks the
// state; only the leader performs the refresh side effect, and only
// when the session has seen activity within the idle threshold. An
// idle session is deliberately allowed to lapse.
type lifecycle struct {
	tabID         string
	coord         *Coordinator
	broadcast     Broadcast
	refresh       refreshFunc
	idleThreshold time.Duration

	mu           sync.Mutex
	state        TabState
	lastActivity time.Time
}

func newLifecycle(tabID string, coord *Coordinator, broadcast Broadcast, refresh refreshFunc, idleThreshold time.Duration) *lifecycle {
	if idleThreshold <= 0 {
		idleThreshold = defaultIdleThreshold
	}
	return &lifecycle{
		tabID:         tabID,
		coord:         coord,
		broadcast:     broadcast,
		refresh:       refresh,
		idleThreshold: idleThreshold,
		state:         StateValid,
		lastActivity:  time.Now(),
	}
}

// State returns the current tab state.
func (l *lifecycle) State() TabState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// recordActivity notes local user activity and shares the timestamp
// with sibling tabs, so a session active anywhere counts as active.
func (l *lifecycle) recordActivity(at time.Time) {
	l.mu.Lock()
	if at.After(l.lastActivity) {
		l.lastActivity = at
	}
	l.mu.Unlock()
	l.broadcast.Send(Message{Kind: MessageActivity, FromTab: l.tabID, ActivityAt: at})
}

// observeActivity merges an activity timestamp shared by a sibling.
func (l *lifecycle) observeActivity(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at.After(l.lastActivity) {
		l.lastActivity = at
	}
}

// handle applies one lifecycle event to the state machine.
func (l *lifecycle) handle(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindCredentialExpiring:
		l.onExpiring(ctx)
	case events.KindCredentialRefreshed, events.KindSessionExtended:
		l.transition(StateValid)
	case events.KindSecurityAlert, events.KindSessionTerminated,
		events.KindCredentialRevoked, events.KindCredentialInvalid:
		l.transition(StateTerminating)
	case events.KindSessionTimeoutWarning:
		// Informational; the expiry handling decides whether the
		// session lapses.
	}
}

func (l *lifecycle) onExpiring(ctx context.Context) {
	l.mu.Lock()
	if l.state == StateTerminating {
		l.mu.Unlock()
		return
	}
	l.state = StateExpiring
	idle := time.Since(l.lastActivity)
	l.mu.Unlock()

	if !l.coord.IsLeader() {
		return
	}
	if idle >= l.idleThreshold {
		logger.Info("session idle past threshold, letting credential lapse",
			"tab_id", l.tabID, "idle", idle.String())
		return
	}

	l.transition(StateRefreshing)
	if err := l.refresh(ctx); err != nil {
		logger.Warn("credential refresh failed", "tab_id", l.tabID, "error", err)
		// Stay in expiring; the server will re-warn or terminate.
		l.compareAndTransition(StateRefreshing, StateExpiring)
		return
	}
	// The refresh response is authoritative for this tab; siblings
	// return to valid when credential-refreshed fans out.
	l.transition(StateValid)
}

func (l *lifecycle) transition(to TabState) {
	l.mu.Lock()
	from := l.state
	if from == StateTerminating && to != StateTerminating {
		// Terminating is absorbing; only a fresh session leaves it.
		l.mu.Unlock()
		return
	}
	l.state = to
	l.mu.Unlock()
	if from != to {
		logger.Info("tab state changed", "tab_id", l.tabID, "from", string(from), "to", string(to))
	}
}

func (l *lifecycle) compareAndTransition(from, to TabState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == from {
		l.state = to
	}
}

// reset returns the machine to valid after a successful handshake with
// a fresh credential.
func (l *lifecycle) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateValid
}
