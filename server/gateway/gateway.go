// Package gateway terminates the persistent websocket connections that
// carry lifecycle events to browser tabs. Each handshake is
// authenticated against the session/credential authority before the
// upgrade; accepted connections are registered in the channel
// hierarchy and tracked by the liveness sweep.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beaconhq/beacon/authority"
	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/server/hub"
)

type Gateway struct {
	cfg      config.GatewayConfig
	hub      *hub.Hub
	auth     authority.Authority
	limiter  *handshakeLimiter
	upgrader websocket.Upgrader

	pingInterval     time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	sendBuffer       int

	mu      sync.RWMutex
	clients map[string]*client
}

func New(cfg config.GatewayConfig, h *hub.Hub, auth authority.Authority) (*Gateway, error) {
	pingInterval, err := cfg.GetPingInterval()
	if err != nil {
		return nil, err
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		return nil, err
	}
	handshakeTimeout, err := cfg.GetHandshakeTimeout()
	if err != nil {
		return nil, err
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}

	g := &Gateway{
		cfg:              cfg,
		hub:              h,
		auth:             auth,
		limiter:          newHandshakeLimiter(cfg.RateLimit),
		pingInterval:     pingInterval,
		writeTimeout:     writeTimeout,
		handshakeTimeout: handshakeTimeout,
		sendBuffer:       sendBuffer,
		clients:          make(map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin:      g.checkOrigin,
	}
	return g, nil
}

// checkOrigin accepts same-host and local origins. The sync endpoint
// is same-origin only; cross-origin pages have no business here.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := origin
	if i := strings.Index(origin, "://"); i >= 0 {
		host = origin[i+3:]
	}
	if host == r.Host {
		return true
	}
	bare := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		bare = h
	}
	return bare == "localhost" || bare == "127.0.0.1" || bare == "::1"
}

type rejectBody struct {
	Reason consts.RejectReason `json:"reason"`
}

func rejectStatus(reason consts.RejectReason) int {
	switch reason {
	case consts.ReasonForged:
		return http.StatusForbidden
	case consts.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, reason consts.RejectReason, fields ...any) {
	metrics.HandshakeAttempts.WithLabelValues(string(reason)).Inc()
	args := append([]any{"reason", string(reason), "remote", remoteIP(r)}, fields...)
	logger.Warn("handshake rejected", args...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rejectStatus(reason))
	json.NewEncoder(w).Encode(rejectBody{Reason: reason})
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// credentialFrom extracts the short-lived credential: Authorization
// bearer for API clients, query parameter for browsers (the WebSocket
// API cannot set headers).
func credentialFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("credential")
}

// HandleSync is the websocket handshake endpoint. Rejections are
// written pre-upgrade as JSON with a machine-readable reason.
func (g *Gateway) HandleSync(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !g.limiter.allow(ip) {
		g.reject(w, r, consts.ReasonRateLimited)
		return
	}

	q := r.URL.Query()
	credential := credentialFrom(r)
	forgeryToken := q.Get("forgery_token")
	tabID := q.Get("tab_id")
	fingerprint := q.Get("fingerprint")
	if credential == "" || forgeryToken == "" || tabID == "" {
		g.reject(w, r, consts.ReasonUnauthorized, "tab_id", tabID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.handshakeTimeout)
	defer cancel()
	session, err := g.auth.ValidateCredential(ctx, credential, forgeryToken)
	if err != nil {
		g.reject(w, r, consts.ReasonForError(err), "tab_id", tabID, "fingerprint", fingerprint)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		metrics.HandshakeAttempts.WithLabelValues("upgrade_failed").Inc()
		logger.Warn("websocket upgrade failed", "remote", ip, "error", err)
		return
	}

	connectionID := uuid.NewString()
	identity := hub.Identity{
		UserID:    session.UserID,
		DeviceID:  session.DeviceID,
		SessionID: session.SessionID,
		TabID:     tabID,
	}
	c := newClient(connectionID, identity, conn, g.sendBuffer, g.pingInterval, g.writeTimeout)

	if err := g.hub.Join(connectionID, identity, c.sink); err != nil {
		conn.Close()
		metrics.HandshakeAttempts.WithLabelValues(string(consts.ReasonForError(err))).Inc()
		logger.Warn("hierarchy join refused", "connection_id", connectionID, "error", err)
		return
	}

	g.mu.Lock()
	g.clients[connectionID] = c
	g.mu.Unlock()

	metrics.HandshakeAttempts.WithLabelValues("accepted").Inc()
	metrics.ConnectionsCurrent.Inc()
	logger.Info("handshake accepted",
		"connection_id", connectionID,
		"user_id", session.UserID,
		"device_id", session.DeviceID,
		"session_id", session.SessionID,
		"tab_id", tabID,
		"fingerprint", fingerprint,
		"remote", ip)

	go c.writePump()
	go c.readPump(func() { g.drop(c, "closed") })
}

// drop unregisters and tears down a client. Idempotent; readPump end,
// liveness eviction and admin kick all funnel through here.
func (g *Gateway) drop(c *client, cause string) {
	g.mu.Lock()
	current, ok := g.clients[c.id]
	if !ok || current != c {
		g.mu.Unlock()
		c.close()
		return
	}
	delete(g.clients, c.id)
	g.mu.Unlock()

	g.hub.Leave(c.id)
	c.close()
	metrics.ConnectionsCurrent.Dec()
	logger.Info("connection closed",
		"connection_id", c.id,
		"user_id", c.identity.UserID,
		"tab_id", c.identity.TabID,
		"cause", cause)
}

// Send delivers an event to one connection.
func (g *Gateway) Send(connectionID string, ev events.Event) error {
	g.mu.RLock()
	c, ok := g.clients[connectionID]
	g.mu.RUnlock()
	if !ok {
		return consts.ErrConnectionNotFound
	}
	if !c.sink(ev) {
		metrics.EventsDropped.WithLabelValues("slow_client").Inc()
	}
	return nil
}

// Disconnect closes one connection. Returns false for unknown ids.
func (g *Gateway) Disconnect(connectionID, cause string) bool {
	g.mu.RLock()
	c, ok := g.clients[connectionID]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	g.drop(c, cause)
	return true
}

// KickChannel closes every connection at or below the channel and
// returns the number kicked. Used by the admin API.
func (g *Gateway) KickChannel(ch events.ChannelID) int {
	kicked := 0
	for _, id := range g.hub.ConnectionsFor(ch) {
		if g.Disconnect(id, "kicked") {
			kicked++
		}
	}
	return kicked
}

func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// RunLivenessSweep evicts connections that missed a liveness probe.
// Each sweep clears the alive flag; pong or inbound traffic sets it
// again, so a connection silent for a full interval is gone on the
// following pass.
func (g *Gateway) RunLivenessSweep(ctx context.Context) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce()
		}
	}
}

func (g *Gateway) sweepOnce() {
	g.mu.RLock()
	stale := make([]*client, 0)
	for _, c := range g.clients {
		if !c.alive.Swap(false) {
			stale = append(stale, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range stale {
		metrics.LivenessEvictions.Inc()
		logger.Info("evicting unresponsive connection",
			"connection_id", c.id, "user_id", c.identity.UserID, "tab_id", c.identity.TabID)
		g.drop(c, "liveness")
	}
}

// Serve runs the gateway's HTTP server until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	path := g.cfg.Path
	if path == "" {
		path = "/sync"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, g.HandleSync)

	srv := &http.Server{
		Addr:    g.cfg.Addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", g.cfg.Addr, "path", path, "tls", g.cfg.TLS)
		if g.cfg.TLS {
			errChan <- srv.ListenAndServeTLS(g.cfg.TLSCertFile, g.cfg.TLSKeyFile)
		} else {
			errChan <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
