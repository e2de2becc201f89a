package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
)

const defaultPollInterval = 5 * time.Second

// poller substitutes for the live connection once the retry budget is
// exhausted. Only the leader tab polls; events come back ascending by
// id, are dispatched exactly like live deliveries and then rebroadcast
// to sibling tabs. The last-seen id only moves forward, so repeated
// polls are idempotent and a poller restart never re-processes events
// the tab already handled.
type poller struct {
	client   *Client
	interval time.Duration
}

func newPoller(c *Client, interval time.Duration) *poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &poller{client: c, interval: interval}
}

// run polls until the context ends.
func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logger.Warn("live connection unavailable, fallback poller active",
		"tab_id", p.client.cfg.TabID, "interval", p.interval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.client.coord.IsLeader() {
				continue
			}
			if err := p.pollOnce(ctx); err != nil {
				logger.Warn("fallback poll failed", "tab_id", p.client.cfg.TabID, "error", err)
			}
		}
	}
}

// pollOnce performs one request/response round trip and dispatches
// whatever arrived.
func (p *poller) pollOnce(ctx context.Context) error {
	c := p.client
	reqBody := pollRequest{
		Credential:   c.credential(),
		ForgeryToken: c.cfg.ForgeryToken,
		TabID:        c.cfg.TabID,
		LastEventID:  atomic.LoadUint64(&c.lastEventID),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.PollURL, bytes.NewReader(payload))
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
		return fmt.Errorf("poll rejected with status %d", resp.StatusCode)
	}

	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode poll response: %w", err)
	}

	for _, ev := range body.Events {
		ev := ev
		c.dispatch(ctx, ev)
		c.broadcast.Send(Message{Kind: MessageEvent, FromTab: c.cfg.TabID, Event: &ev})
	}
	return nil
}

type pollRequest struct {
	Credential   string `json:"credential"`
	ForgeryToken string `json:"forgery_token"`
	TabID        string `json:"tab_id"`
	LastEventID  uint64 `json:"last_event_id"`
}

type pollResponse struct {
	Events []events.Event `json:"events"`
}
