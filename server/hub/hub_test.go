package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/events"
)

type recorder struct {
	mu     sync.Mutex
	got    []events.Event
	refuse bool
}

func (r *recorder) sink(ev events.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return false
	}
	r.got = append(r.got, ev)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func identity(user, device, session, tab string) Identity {
	return Identity{UserID: user, DeviceID: device, SessionID: session, TabID: tab}
}

func event(kind events.Kind, ch events.ChannelID) events.Event {
	return events.Event{ID: 1, Kind: kind, Channel: ch, Nonce: "n"}
}

func TestJoinRejectsIncompleteIdentity(t *testing.T) {
	h := New(nil)
	err := h.Join("c1", Identity{UserID: "u1", TabID: "t1"}, (&recorder{}).sink)
	assert.ErrorIs(t, err, consts.ErrUnauthorized)
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestJoinRegistersAllFourLevels(t *testing.T) {
	h := New(nil)
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), (&recorder{}).sink))

	assert.Equal(t, 1, h.MemberCount(events.ChannelID{Type: events.ChannelUser, Key: "u1"}))
	assert.Equal(t, 1, h.MemberCount(events.ChannelID{Type: events.ChannelDevice, Key: "d1"}))
	assert.Equal(t, 1, h.MemberCount(events.ChannelID{Type: events.ChannelSession, Key: "s1"}))
	assert.Equal(t, 1, h.MemberCount(events.ChannelID{Type: events.ChannelTab, Key: "t1"}))
	assert.Equal(t, 4, h.ChannelCount())
}

func TestLeavePrunesEmptyChannels(t *testing.T) {
	h := New(nil)
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), (&recorder{}).sink))
	require.NoError(t, h.Join("c2", identity("u1", "d1", "s1", "t2"), (&recorder{}).sink))

	h.Leave("c2")
	// Shared channels survive, the tab channel is pruned.
	assert.Equal(t, 1, h.MemberCount(events.ChannelID{Type: events.ChannelUser, Key: "u1"}))
	assert.Equal(t, 0, h.MemberCount(events.ChannelID{Type: events.ChannelTab, Key: "t2"}))
	assert.Equal(t, 4, h.ChannelCount())

	h.Leave("c1")
	assert.Equal(t, 0, h.ChannelCount())

	// Leaving twice is harmless.
	h.Leave("c1")
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestPublishToEmptyChannelIsNoOp(t *testing.T) {
	h := New(nil)
	rec := &recorder{}
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), rec.sink))

	ev := event(events.KindSessionExtended, events.ChannelID{Type: events.ChannelSession, Key: "nobody"})
	require.NoError(t, h.Publish(context.Background(), ev, events.PropagateNone))
	assert.Equal(t, 0, rec.count())
}

func TestPublishRejectsMalformedEvent(t *testing.T) {
	h := New(nil)
	err := h.Publish(context.Background(), events.Event{Kind: "made-up"}, events.PropagateNone)
	assert.ErrorIs(t, err, consts.ErrMalformedEvent)
}

func TestPublishDirectDelivery(t *testing.T) {
	h := New(nil)
	rec1, rec2 := &recorder{}, &recorder{}
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), rec1.sink))
	require.NoError(t, h.Join("c2", identity("u2", "d2", "s2", "t2"), rec2.sink))

	ev := event(events.KindCredentialExpiring, events.ChannelID{Type: events.ChannelSession, Key: "s1"})
	require.NoError(t, h.Publish(context.Background(), ev, events.PropagateNone))

	assert.Equal(t, 1, rec1.count())
	assert.Equal(t, 0, rec2.count())
}

func TestPropagateDownReachesEveryTabExactlyOnce(t *testing.T) {
	h := New(nil)

	// u1 has two devices; one device carries two tabs in one session.
	recs := map[string]*recorder{}
	join := func(id string, ident Identity) {
		rec := &recorder{}
		recs[id] = rec
		require.NoError(t, h.Join(id, ident, rec.sink))
	}
	join("c1", identity("u1", "d1", "s1", "t1"))
	join("c2", identity("u1", "d1", "s1", "t2"))
	join("c3", identity("u1", "d2", "s2", "t3"))
	join("c4", identity("u2", "d3", "s3", "t4"))

	ev := event(events.KindCredentialRevoked, events.ChannelID{Type: events.ChannelUser, Key: "u1"})
	require.NoError(t, h.Publish(context.Background(), ev, events.PropagateDown))

	assert.Equal(t, 1, recs["c1"].count())
	assert.Equal(t, 1, recs["c2"].count())
	assert.Equal(t, 1, recs["c3"].count())
	assert.Equal(t, 0, recs["c4"].count())
}

func TestPropagateDownFromGlobal(t *testing.T) {
	h := New(nil)
	rec1, rec2 := &recorder{}, &recorder{}
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), rec1.sink))
	require.NoError(t, h.Join("c2", identity("u2", "d2", "s2", "t2"), rec2.sink))

	ev := event(events.KindSecurityAlert, events.ChannelID{Type: events.ChannelGlobal, Key: "all"})
	require.NoError(t, h.Publish(context.Background(), ev, events.PropagateDown))

	assert.Equal(t, 1, rec1.count())
	assert.Equal(t, 1, rec2.count())
}

func TestPropagateUpReachesAncestorMembers(t *testing.T) {
	h := New(nil)
	rec1, rec2, rec3 := &recorder{}, &recorder{}, &recorder{}
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), rec1.sink))
	// Sibling tab, same session: member of s1/d1/u1 channels.
	require.NoError(t, h.Join("c2", identity("u1", "d1", "s1", "t2"), rec2.sink))
	// Different user entirely.
	require.NoError(t, h.Join("c3", identity("u2", "d2", "s2", "t3"), rec3.sink))

	ev := event(events.KindSessionExtended, events.ChannelID{Type: events.ChannelTab, Key: "t1"})
	require.NoError(t, h.Publish(context.Background(), ev, events.PropagateUp))

	assert.Equal(t, 1, rec1.count())
	assert.Equal(t, 1, rec2.count())
	assert.Equal(t, 0, rec3.count())
}

func TestSlowConnectionDoesNotStallOthers(t *testing.T) {
	h := New(nil)
	slow := &recorder{refuse: true}
	ok := &recorder{}
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), slow.sink))
	require.NoError(t, h.Join("c2", identity("u1", "d1", "s1", "t2"), ok.sink))

	ev := event(events.KindSessionTimeoutWarning, events.ChannelID{Type: events.ChannelSession, Key: "s1"})
	require.NoError(t, h.Publish(context.Background(), ev, events.PropagateNone))

	assert.Equal(t, 0, slow.count())
	assert.Equal(t, 1, ok.count())
}

func TestRejoinReplacesExistingRegistration(t *testing.T) {
	h := New(nil)
	recOld, recNew := &recorder{}, &recorder{}
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), recOld.sink))
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), recNew.sink))

	assert.Equal(t, 1, h.ConnectionCount())
	ev := event(events.KindCredentialRefreshed, events.ChannelID{Type: events.ChannelSession, Key: "s1"})
	require.NoError(t, h.Publish(context.Background(), ev, events.PropagateNone))
	assert.Equal(t, 0, recOld.count())
	assert.Equal(t, 1, recNew.count())
}

func TestConnectionsForChannel(t *testing.T) {
	h := New(nil)
	require.NoError(t, h.Join("c1", identity("u1", "d1", "s1", "t1"), (&recorder{}).sink))
	require.NoError(t, h.Join("c2", identity("u1", "d2", "s2", "t2"), (&recorder{}).sink))
	require.NoError(t, h.Join("c3", identity("u2", "d3", "s3", "t3"), (&recorder{}).sink))

	ids := h.ConnectionsFor(events.ChannelID{Type: events.ChannelUser, Key: "u1"})
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)

	infos := h.Connections("u1")
	assert.Len(t, infos, 2)
	all := h.Connections("")
	assert.Len(t, all, 3)
}
