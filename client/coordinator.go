package client

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/beaconhq/beacon/logger"
)

// Leadership priority weights. The exact scores are heuristic
// tunables; only the ordering matters: a visible tab outranks a
// hidden one, an older tab outranks a younger one, and the random
// component breaks ties between otherwise identical tabs.
const (
	visibilityBonus  = 1 << 20
	ageBonusPerSec   = 16
	ageBonusCap      = 1 << 16
	tieBreakRange    = 1 << 12
	defaultHeartbeat = 30 * time.Second
)

// Claim is one tab's assertion of leadership. Claims are compared by
// priority, then by claimed-at (older wins), then by tab id, so every
// tab that has seen the same claim set names the same leader.
type Claim struct {
	TabID     string    `json:"tab_id"`
	Priority  int64     `json:"priority"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Better reports whether c should supersede other as the
// authoritative claim.
func (c Claim) Better(other Claim) bool {
	if c.Priority != other.Priority {
		return c.Priority > other.Priority
	}
	if !c.ClaimedAt.Equal(other.ClaimedAt) {
		return c.ClaimedAt.Before(other.ClaimedAt)
	}
	return c.TabID < other.TabID
}

// Coordinator elects a single leader among the tabs of one browsing
// context. Each tab broadcasts its claim on a heartbeat; every tab
// tracks all observed claims and independently computes the maximum.
// A claim silent for two heartbeats is discarded, so a closed or
// crashed tab loses leadership without an explicit goodbye.
//
// Leadership only gates side-effecting work. Two tabs briefly both
// believing they lead duplicates an idempotent refresh or poll, never
// corrupts state.
type Coordinator struct {
	tabID     string
	broadcast Broadcast
	heartbeat time.Duration
	tieBreak  int64
	openedAt  time.Time

	mu       sync.Mutex
	visible  bool
	claimed  time.Time
	observed map[string]observedClaim

	onChange []func(isLeader bool)

	unsubscribe func()
}

type observedClaim struct {
	claim  Claim
	seenAt time.Time
}

// NewCoordinator creates a coordinator for one tab. It does not claim
// leadership until Run is called.
func NewCoordinator(tabID string, broadcast Broadcast, heartbeat time.Duration, visible bool) *Coordinator {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	c := &Coordinator{
		tabID:     tabID,
		broadcast: broadcast,
		heartbeat: heartbeat,
		tieBreak:  rand.Int63n(tieBreakRange),
		openedAt:  time.Now(),
		visible:   visible,
		claimed:   time.Now(),
		observed:  make(map[string]observedClaim),
	}
	c.unsubscribe = broadcast.Subscribe(c.onMessage)
	return c
}

// priority recomputes this tab's score from its current visibility and
// age. Caller holds c.mu.
func (c *Coordinator) priorityLocked(now time.Time) int64 {
	score := c.tieBreak
	age := int64(now.Sub(c.openedAt) / time.Second * ageBonusPerSec)
	if age > ageBonusCap {
		age = ageBonusCap
	}
	score += age
	if c.visible {
		score += visibilityBonus
	}
	return score
}

func (c *Coordinator) ownClaimLocked(now time.Time) Claim {
	return Claim{
		TabID:     c.tabID,
		Priority:  c.priorityLocked(now),
		ClaimedAt: c.claimed,
	}
}

// Run broadcasts this tab's claim on the heartbeat interval until the
// context ends, then withdraws the subscription.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	defer c.unsubscribe()

	c.announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.announce()
		}
	}
}

func (c *Coordinator) announce() {
	now := time.Now()
	c.mu.Lock()
	claim := c.ownClaimLocked(now)
	c.observed[c.tabID] = observedClaim{claim: claim, seenAt: now}
	c.mu.Unlock()

	c.broadcast.Send(Message{Kind: MessageClaim, FromTab: c.tabID, Claim: &claim})
	c.recompute()
}

func (c *Coordinator) onMessage(msg Message) {
	if msg.Kind != MessageClaim || msg.Claim == nil || msg.FromTab == c.tabID {
		return
	}
	c.mu.Lock()
	c.observed[msg.FromTab] = observedClaim{claim: *msg.Claim, seenAt: time.Now()}
	c.mu.Unlock()
	c.recompute()
}

// recompute evaluates the current leader from all live claims and
// fires change callbacks on a transition.
func (c *Coordinator) recompute() {
	now := time.Now()

	c.mu.Lock()
	wasLeader := c.leaderLocked(now) == c.tabID
	for tab, oc := range c.observed {
		if tab != c.tabID && now.Sub(oc.seenAt) > 2*c.heartbeat {
			delete(c.observed, tab)
		}
	}
	c.observed[c.tabID] = observedClaim{claim: c.ownClaimLocked(now), seenAt: now}
	isLeader := c.leaderLocked(now) == c.tabID
	callbacks := c.onChange
	c.mu.Unlock()

	if wasLeader == isLeader {
		return
	}
	logger.Info("tab leadership changed", "tab_id", c.tabID, "leader", isLeader)
	for _, fn := range callbacks {
		fn(isLeader)
	}
}

// leaderLocked returns the tab id of the best live claim. Caller
// holds c.mu.
func (c *Coordinator) leaderLocked(now time.Time) string {
	var best Claim
	var bestTab string
	for tab, oc := range c.observed {
		if tab != c.tabID && now.Sub(oc.seenAt) > 2*c.heartbeat {
			continue
		}
		if bestTab == "" || oc.claim.Better(best) {
			best = oc.claim
			bestTab = tab
		}
	}
	return bestTab
}

// IsLeader reports whether this tab currently holds the best claim.
func (c *Coordinator) IsLeader() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed[c.tabID] = observedClaim{claim: c.ownClaimLocked(now), seenAt: now}
	return c.leaderLocked(now) == c.tabID
}

// LeaderTab returns the tab id of the current leader.
func (c *Coordinator) LeaderTab() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderLocked(time.Now())
}

// SetVisible records a visibility change and immediately re-announces
// with the recomputed priority.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	changed := c.visible != visible
	c.visible = visible
	c.mu.Unlock()
	if changed {
		c.announce()
	}
}

// OnLeadershipChange registers a callback fired when this tab gains or
// loses leadership. Callbacks run on the goroutine that observed the
// transition.
func (c *Coordinator) OnLeadershipChange(fn func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Resign withdraws this tab's claim immediately. Used on shutdown so
// sibling tabs do not wait out the heartbeat timeout.
func (c *Coordinator) Resign() {
	c.mu.Lock()
	delete(c.observed, c.tabID)
	expired := Claim{TabID: c.tabID, Priority: -1, ClaimedAt: time.Now()}
	c.mu.Unlock()
	c.broadcast.Send(Message{Kind: MessageClaim, FromTab: c.tabID, Claim: &expired})
}
