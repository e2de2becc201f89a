package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/server/hub"
)

// client is one live websocket connection. Writes go through the
// buffered send channel and a single writePump goroutine; the hub's
// sink drops instead of blocking when the buffer is full.
type client struct {
	id       string
	identity hub.Identity
	conn     *websocket.Conn

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool

	alive    atomic.Bool
	openedAt time.Time

	pingInterval time.Duration
	writeTimeout time.Duration
}

func newClient(id string, identity hub.Identity, conn *websocket.Conn, sendBuffer int, pingInterval, writeTimeout time.Duration) *client {
	c := &client{
		id:           id,
		identity:     identity,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		openedAt:     time.Now(),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
	c.alive.Store(true)
	return c
}

// sink queues an event for delivery. Non-blocking: a full buffer means
// the client cannot keep up and the event is reported dropped. The
// send lock serializes the enqueue against close, so a hub fanout that
// snapshotted this member before it left can never write to a closed
// channel.
func (c *client) sink(ev events.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump is the sole writer on the connection. It drains the send
// channel and emits liveness pings on the fixed interval.
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames. The protocol is push-only, so
// frames are discarded; reading still drives pong handling and detects
// the peer going away.
func (c *client) readPump(onClose func()) {
	defer onClose()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("connection read error", "connection_id", c.id, "error", err)
			}
			return
		}
		c.alive.Store(true)
	}
}

// close shuts the send channel exactly once; writePump then closes the
// underlying connection.
func (c *client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
	metrics.ConnectionDuration.Observe(time.Since(c.openedAt).Seconds())
}
