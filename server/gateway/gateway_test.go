package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon/authority"
	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/server/hub"
)

func testGateway(t *testing.T, rateLimit config.RateLimitConfig) (*Gateway, *hub.Hub, *authority.MemoryAuthority, *httptest.Server) {
	t.Helper()

	auth := authority.NewMemoryAuthority(time.Hour)
	auth.AddSession(authority.Session{
		SessionID:    "s1",
		UserID:       "u1",
		DeviceID:     "d1",
		ExpiresAt:    time.Now().Add(time.Hour),
		LastActivity: time.Now(),
	}, "cred-1", "csrf-1")

	h := hub.New(nil)
	g, err := New(config.GatewayConfig{
		Path:         "/sync",
		PingInterval: "100ms",
		WriteTimeout: "1s",
		RateLimit:    rateLimit,
	}, h, auth)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(g.HandleSync))
	t.Cleanup(srv.Close)
	return g, h, auth, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync?" + query
}

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func rejectReason(t *testing.T, resp *http.Response) consts.RejectReason {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var rb rejectBody
	require.NoError(t, json.Unmarshal(body, &rb))
	return rb.Reason
}

func TestHandshakeAcceptedAndDelivers(t *testing.T) {
	g, h, _, srv := testGateway(t, config.RateLimitConfig{})

	conn, _, err := dial(t, srv, "credential=cred-1&forgery_token=csrf-1&tab_id=t1&fingerprint=fp")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	ev := events.Event{
		ID:      1,
		Kind:    events.KindCredentialExpiring,
		Channel: events.ChannelID{Type: events.ChannelSession, Key: "s1"},
		Nonce:   "n1",
	}
	require.NoError(t, h.Publish(context.Background(), ev, events.PropagateNone))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var got events.Event
	require.NoError(t, json.Unmarshal(frame, &got))
	assert.Equal(t, events.KindCredentialExpiring, got.Kind)
	assert.Equal(t, uint64(1), got.ID)
}

func TestHandshakeRejectsUnknownCredential(t *testing.T) {
	_, _, _, srv := testGateway(t, config.RateLimitConfig{})

	_, resp, err := dial(t, srv, "credential=bogus&forgery_token=csrf-1&tab_id=t1")
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, consts.ReasonUnauthorized, rejectReason(t, resp))
}

func TestHandshakeRejectsForgedToken(t *testing.T) {
	_, _, _, srv := testGateway(t, config.RateLimitConfig{})

	_, resp, err := dial(t, srv, "credential=cred-1&forgery_token=evil&tab_id=t1")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, consts.ReasonForged, rejectReason(t, resp))
}

func TestHandshakeRejectsExpiredCredential(t *testing.T) {
	_, _, auth, srv := testGateway(t, config.RateLimitConfig{})
	auth.AddSession(authority.Session{
		SessionID: "s2",
		UserID:    "u1",
		DeviceID:  "d1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}, "cred-old", "csrf-old")

	_, resp, err := dial(t, srv, "credential=cred-old&forgery_token=csrf-old&tab_id=t1")
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, consts.ReasonExpired, rejectReason(t, resp))
}

func TestHandshakeRejectsMissingParameters(t *testing.T) {
	_, _, _, srv := testGateway(t, config.RateLimitConfig{})

	_, resp, err := dial(t, srv, "credential=cred-1&forgery_token=csrf-1")
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, consts.ReasonUnauthorized, rejectReason(t, resp))
}

func TestHandshakeRateLimited(t *testing.T) {
	_, _, _, srv := testGateway(t, config.RateLimitConfig{
		Enabled:    true,
		PerSecond:  0.001,
		Burst:      1,
		MaxEntries: 10,
	})

	conn, _, err := dial(t, srv, "credential=cred-1&forgery_token=csrf-1&tab_id=t1")
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err := dial(t, srv, "credential=cred-1&forgery_token=csrf-1&tab_id=t2")
	require.Error(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, consts.ReasonRateLimited, rejectReason(t, resp))
}

func TestSendToUnknownConnection(t *testing.T) {
	g, _, _, _ := testGateway(t, config.RateLimitConfig{})

	err := g.Send("no-such-id", events.Event{})
	assert.ErrorIs(t, err, consts.ErrConnectionNotFound)
}

func TestKickChannelClosesConnections(t *testing.T) {
	g, h, _, srv := testGateway(t, config.RateLimitConfig{})

	conn, _, err := dial(t, srv, "credential=cred-1&forgery_token=csrf-1&tab_id=t1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	kicked := g.KickChannel(events.ChannelID{Type: events.ChannelUser, Key: "u1"})
	assert.Equal(t, 1, kicked)
	assert.Equal(t, 0, g.ConnectionCount())
	assert.Equal(t, 0, h.ConnectionCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectCleansHierarchy(t *testing.T) {
	g, h, _, srv := testGateway(t, config.RateLimitConfig{})

	conn, _, err := dial(t, srv, "credential=cred-1&forgery_token=csrf-1&tab_id=t1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return g.ConnectionCount() == 0 && h.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSinkDuringCloseDoesNotPanic(t *testing.T) {
	ev := events.Event{ID: 1, Kind: events.KindSessionExtended}

	for i := 0; i < 500; i++ {
		c := newClient("c1", hub.Identity{}, nil, 4, time.Second, time.Second)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					c.sink(ev)
				}
			}()
		}
		c.close()
		wg.Wait()
		assert.False(t, c.sink(ev))
	}
}
