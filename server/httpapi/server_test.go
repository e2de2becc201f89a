package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon/authority"
	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/server/gateway"
	"github.com/beaconhq/beacon/server/hub"
	"github.com/beaconhq/beacon/server/lifecycle"
)

const testAPIKey = "test-api-key"

type fixture struct {
	srv     *Server
	auth    *authority.MemoryAuthority
	emitter *lifecycle.Emitter
	hub     *hub.Hub
	ts      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	auth := authority.NewMemoryAuthority(time.Hour)
	auth.AddSession(authority.Session{
		SessionID:    "s1",
		UserID:       "u1",
		DeviceID:     "d1",
		ExpiresAt:    time.Now().Add(10 * time.Minute),
		LastActivity: time.Now(),
	}, "cred-1", "csrf-1")

	h := hub.New(nil)
	emitter := lifecycle.NewEmitter(h, 64)
	controller, err := lifecycle.NewController(auth, emitter, config.LifecycleConfig{
		ExpiryLeadTime: "2m",
		IdleThreshold:  "5m",
		RescanInterval: "1m",
	})
	require.NoError(t, err)

	gw, err := gateway.New(config.GatewayConfig{PingInterval: "1s", WriteTimeout: "1s"}, h, auth)
	require.NoError(t, err)

	srv, err := New(Options{
		Config:     config.APIConfig{Addr: ":0", APIKey: testAPIKey},
		Auth:       auth,
		Emitter:    emitter,
		Controller: controller,
		Hub:        h,
		Gateway:    gw,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, auth: auth, emitter: emitter, hub: h, ts: ts}
}

func (f *fixture) post(t *testing.T, path string, body any, apiKey string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) emit(t *testing.T, kind events.Kind, ch events.ChannelID) events.Event {
	t.Helper()
	ev, err := f.emitter.Emit(context.Background(), kind, ch, nil, events.PropagateNone)
	require.NoError(t, err)
	return ev
}

func decodePoll(t *testing.T, resp *http.Response) PollResponse {
	t.Helper()
	var pr PollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
	return pr
}

func TestPollRejectsBadCredential(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/v1/events/poll", PollRequest{Credential: "bogus", ForgeryToken: "csrf-1"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPollReturnsAscendingVisibleEvents(t *testing.T) {
	f := newFixture(t)

	sessionCh := events.ChannelID{Type: events.ChannelSession, Key: "s1"}
	otherCh := events.ChannelID{Type: events.ChannelSession, Key: "someone-else"}
	f.emit(t, events.KindCredentialExpiring, sessionCh)
	f.emit(t, events.KindSessionExtended, otherCh)
	f.emit(t, events.KindCredentialRefreshed, sessionCh)

	resp := f.post(t, "/api/v1/events/poll", PollRequest{
		Credential:   "cred-1",
		ForgeryToken: "csrf-1",
		LastEventID:  0,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pr := decodePoll(t, resp)
	require.Len(t, pr.Events, 2)
	assert.Equal(t, events.KindCredentialExpiring, pr.Events[0].Kind)
	assert.Equal(t, events.KindCredentialRefreshed, pr.Events[1].Kind)
	assert.Less(t, pr.Events[0].ID, pr.Events[1].ID)
}

func TestPollIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sessionCh := events.ChannelID{Type: events.ChannelSession, Key: "s1"}
	f.emit(t, events.KindCredentialExpiring, sessionCh)

	req := PollRequest{Credential: "cred-1", ForgeryToken: "csrf-1", LastEventID: 0}
	first := decodePoll(t, f.post(t, "/api/v1/events/poll", req, ""))
	second := decodePoll(t, f.post(t, "/api/v1/events/poll", req, ""))
	assert.Equal(t, first, second)

	// Advancing past everything returns the empty set.
	req.LastEventID = first.Events[len(first.Events)-1].ID
	drained := decodePoll(t, f.post(t, "/api/v1/events/poll", req, ""))
	assert.Empty(t, drained.Events)
}

func TestRefreshExtendsAndAnnounces(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/v1/sessions/refresh", RefreshRequest{
		Credential:   "cred-1",
		ForgeryToken: "csrf-1",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rr RefreshResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	assert.Equal(t, "s1", rr.SessionID)
	assert.True(t, rr.ExpiresAt.After(time.Now().Add(30*time.Minute)))

	// credential-refreshed and session-extended are now in the replay
	// buffer for pollers.
	evs := f.emitter.EventsSince(0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindCredentialRefreshed, evs[0].Kind)
	assert.Equal(t, events.KindSessionExtended, evs[1].Kind)
}

func TestAdminRequiresAPIKey(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/v1/admin/connections/kick", KickRequest{ChannelType: "user", ChannelKey: "u1"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.post(t, "/api/v1/admin/connections/kick", KickRequest{ChannelType: "user", ChannelKey: "u1"}, "wrong-key")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminKick(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/v1/admin/connections/kick", KickRequest{ChannelType: "user", ChannelKey: "u1"}, testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0, body["kicked"])
}

func TestAdminRevokeSession(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/v1/admin/sessions/s1/revoke", nil, testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := f.auth.ValidateCredential(context.Background(), "cred-1", "csrf-1")
	assert.Error(t, err)

	resp = f.post(t, "/api/v1/admin/sessions/missing/revoke", nil, testAPIKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminSecurityAlert(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/v1/admin/alerts", AlertRequest{
		ChannelType: "user",
		ChannelKey:  "u1",
		Detail:      "password changed from new location",
	}, testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	evs := f.emitter.EventsSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindSecurityAlert, evs[0].Kind)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionStats(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/admin/connections/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 0, stats["connections"])
}
