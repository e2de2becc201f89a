package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/retry"
)

const defaultHandshakeTimeout = 30 * time.Second

// ConnState describes the live-connection state machine.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnPolling      ConnState = "polling"
)

// Config parameterizes one tab's client runtime.
type Config struct {
	GatewayURL   string // ws:// or wss:// sync endpoint
	PollURL      string // fallback poll endpoint
	RefreshURL   string // credential refresh endpoint
	Credential   string
	ForgeryToken string
	TabID        string // generated when empty
	Fingerprint  string // device capability survey hash
	Visible      bool   // initial tab visibility

	HandshakeTimeout time.Duration       // default 30s
	Backoff          retry.BackoffConfig // zero value means retry.DefaultBackoffConfig
	PollInterval     time.Duration       // default 5s
	Heartbeat        time.Duration       // leadership heartbeat, default 30s
	IdleThreshold    time.Duration       // default 5m

	HTTPClient *http.Client
	Broadcast  Broadcast // shared by sibling tabs; private one when nil
}

// HandshakeError is a handshake refused by the gateway, carrying the
// machine-readable reason from the reject body.
type HandshakeError struct {
	Reason consts.RejectReason
	Status int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s (status %d)", e.Reason, e.Status)
}

// Client is the runtime for one tab: connection management with
// backoff and a retry budget, leader election, the credential state
// machine and the fallback poller.
type Client struct {
	cfg        Config
	httpClient *http.Client
	bus        *events.Bus
	broadcast  Broadcast
	coord      *Coordinator
	life       *lifecycle
	poll       *poller

	mu    sync.Mutex
	cred  string
	conn  *websocket.Conn
	state ConnState

	lastEventID uint64
}

// New validates cfg, fills defaults and builds the runtime. Run must
// be called to start it.
func New(cfg Config) (*Client, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if cfg.Credential == "" || cfg.ForgeryToken == "" {
		return nil, fmt.Errorf("credential and forgery token are required")
	}
	if cfg.TabID == "" {
		cfg.TabID = uuid.New().String()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Backoff.MaxRetries == 0 && cfg.Backoff.InitialInterval == 0 {
		cfg.Backoff = retry.DefaultBackoffConfig()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.HandshakeTimeout}
	}
	if cfg.Broadcast == nil {
		cfg.Broadcast = NewInProcBroadcast()
	}

	c := &Client{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		bus:        events.NewBus(),
		broadcast:  cfg.Broadcast,
		state:      ConnDisconnected,
		cred:       cfg.Credential,
	}
	c.coord = NewCoordinator(cfg.TabID, cfg.Broadcast, cfg.Heartbeat, cfg.Visible)
	c.life = newLifecycle(cfg.TabID, c.coord, cfg.Broadcast, c.refreshCredential, cfg.IdleThreshold)
	c.poll = newPoller(c, cfg.PollInterval)
	return c, nil
}

// Run drives the connection loop until the context ends: connect with
// the retry budget, read until the transport drops, reconnect. When
// the budget is exhausted it hands off to the fallback poller, still
// probing for a live connection at the backoff ceiling.
func (c *Client) Run(ctx context.Context) error {
	unsubscribe := c.broadcast.Subscribe(c.onBroadcast)
	defer unsubscribe()
	defer c.coord.Resign()
	defer c.setState(ConnDisconnected)

	go c.coord.Run(ctx)

	for ctx.Err() == nil {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.runFallback(ctx)
			continue
		}
		c.readLoop(ctx, conn)
	}
	return nil
}

// connect dials under the retry budget. On an auth-specific rejection
// it attempts one credential refresh before the next try, so expiry
// does not masquerade as a network fault and burn the whole budget.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.setState(ConnConnecting)
	refreshTried := false
	var conn *websocket.Conn

	err := retry.WithRetry(ctx, func() error {
		ws, err := c.dial(ctx)
		if err != nil {
			var he *HandshakeError
			if errors.As(err, &he) && !refreshTried &&
				(he.Reason == consts.ReasonExpired || he.Reason == consts.ReasonUnauthorized) {
				refreshTried = true
				if rerr := c.refreshCredential(ctx); rerr != nil {
					logger.Warn("credential refresh before reconnect failed",
						"tab_id", c.cfg.TabID, "error", rerr)
				}
			}
			return err
		}
		conn = ws
		return nil
	}, c.cfg.Backoff)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = ConnConnected
	c.mu.Unlock()
	c.life.reset()
	logger.Info("live connection established", "tab_id", c.cfg.TabID)
	return conn, nil
}

// dial performs one handshake attempt, identifying the tab through the
// query parameters the gateway expects.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.GatewayURL)
	if err != nil {
		return nil, retry.Stop(fmt.Errorf("invalid gateway URL: %w", err))
	}
	q := u.Query()
	q.Set("credential", c.credential())
	q.Set("forgery_token", c.cfg.ForgeryToken)
	q.Set("tab_id", c.cfg.TabID)
	if c.cfg.Fingerprint != "" {
		q.Set("fingerprint", c.cfg.Fingerprint)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var body struct {
				Reason consts.RejectReason `json:"reason"`
			}
			if derr := json.NewDecoder(resp.Body).Decode(&body); derr == nil && body.Reason != "" {
				return nil, &HandshakeError{Reason: body.Reason, Status: resp.StatusCode}
			}
			return nil, &HandshakeError{Reason: consts.ReasonUnauthorized, Status: resp.StatusCode}
		}
		return nil, err
	}
	return conn, nil
}

// readLoop consumes pushed events until the transport drops.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.state = ConnDisconnected
		c.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn("live connection lost", "tab_id", c.cfg.TabID, "error", err)
			}
			return
		}
		c.dispatch(ctx, ev)
	}
}

// runFallback activates the poller after the retry budget is spent. A
// single reconnect probe runs at the backoff ceiling; once it lands,
// polling stops and the live loop resumes.
func (c *Client) runFallback(ctx context.Context) {
	c.setState(ConnPolling)

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.poll.run(pollCtx)
	}()

	probeInterval := c.cfg.Backoff.MaxInterval
	if probeInterval <= 0 {
		probeInterval = retry.DefaultBackoffConfig().MaxInterval
	}
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return
		case <-ticker.C:
			if probe, err := c.dial(ctx); err == nil {
				// The probe connection is discarded; the live loop
				// re-dials and registers cleanly.
				probe.Close()
				cancel()
				wg.Wait()
				return
			}
		}
	}
}

// dispatch processes one event exactly as the live path would,
// regardless of whether it arrived by push, poll or sibling
// rebroadcast. Already-seen ids are dropped, which makes redelivery
// across all three paths harmless.
func (c *Client) dispatch(ctx context.Context, ev events.Event) {
	if err := ev.Validate(); err != nil {
		logger.Warn("dropping malformed event", "tab_id", c.cfg.TabID, "error", err)
		return
	}
	for {
		cur := atomic.LoadUint64(&c.lastEventID)
		if ev.ID <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.lastEventID, cur, ev.ID) {
			break
		}
	}
	c.life.handle(ctx, ev)
	c.bus.Publish(ev)
}

func (c *Client) onBroadcast(msg Message) {
	if msg.FromTab == c.cfg.TabID {
		return
	}
	switch msg.Kind {
	case MessageEvent:
		if msg.Event != nil {
			c.dispatch(context.Background(), *msg.Event)
		}
	case MessageActivity:
		c.life.observeActivity(msg.ActivityAt)
	}
}

// refreshCredential performs one refresh round trip against the
// authority-backed refresh endpoint.
func (c *Client) refreshCredential(ctx context.Context) error {
	if c.cfg.RefreshURL == "" {
		return fmt.Errorf("no refresh endpoint configured")
	}
	payload, err := json.Marshal(map[string]string{
		"credential":    c.credential(),
		"forgery_token": c.cfg.ForgeryToken,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RefreshURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	var body struct {
		SessionID string    `json:"session_id"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}
	logger.Info("credential refreshed", "tab_id", c.cfg.TabID,
		"session_id", body.SessionID, "expires_at", body.ExpiresAt)
	return nil
}

func (c *Client) credential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

// SetCredential replaces the credential, for hosts that re-authenticate
// out of band.
func (c *Client) SetCredential(cred string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = cred
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TabState returns the credential lifecycle state.
func (c *Client) TabState() TabState {
	return c.life.State()
}

// IsLeader reports whether this tab holds cross-tab leadership.
func (c *Client) IsLeader() bool {
	return c.coord.IsLeader()
}

// SetVisible records a tab visibility change, re-ranking leadership.
func (c *Client) SetVisible(visible bool) {
	c.coord.SetVisible(visible)
}

// RecordActivity notes user activity, shared across sibling tabs for
// the idle check.
func (c *Client) RecordActivity() {
	c.life.recordActivity(time.Now())
}

// OnEvent subscribes a handler to lifecycle events of one kind, or
// events.KindAny for all. The returned function unsubscribes.
func (c *Client) OnEvent(kind events.Kind, h events.Handler) func() {
	return c.bus.Subscribe(kind, h)
}

// LastEventID returns the highest event id processed so far.
func (c *Client) LastEventID() uint64 {
	return atomic.LoadUint64(&c.lastEventID)
}

// TabID returns the tab identity used on the wire.
func (c *Client) TabID() string {
	return c.cfg.TabID
}
