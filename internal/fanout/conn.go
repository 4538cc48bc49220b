package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// inbound is a client control message.
type inbound struct {
	Action  string `json:"action"`
	ClassID string `json:"class_id,omitempty"`
	ID      string `json:"id,omitempty"`
	ScopeID string `json:"scope_id,omitempty"`
}

// conn is one WebSocket client. Outbound frames go through a buffered send
// channel drained by a single writer goroutine; a full buffer drops the
// connection rather than blocking the hub.
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	id     string
	userID string

	send chan []byte
	subs map[subKey]bool

	// sendMu serializes enqueue against close: the channel may only be
	// closed while no sender holds the lock, so a disconnect landing in the
	// middle of a broadcast cannot panic a concurrent send.
	sendMu sync.Mutex
	closed bool
}

func newConn(hub *Hub, ws *websocket.Conn, userID string) *conn {
	return &conn{
		hub:    hub,
		ws:     ws,
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		subs:   map[subKey]bool{},
	}
}

// enqueue hands a frame to the writer goroutine, reporting false when the
// connection is already closed or its buffer is full (the connection is then
// closed as too slow).
func (c *conn) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return false
	}
	select {
	case c.send <- frame:
		c.sendMu.Unlock()
		return true
	default:
		c.sendMu.Unlock()
		c.hub.logger.Warn("dropping slow subscriber",
			slog.String("conn_id", c.id),
			slog.String("user_id", c.userID),
		)
		c.close()
		return false
	}
}

func (c *conn) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *conn) sendEvent(event string, fields map[string]any) {
	msg := map[string]any{"event": event}
	for k, v := range fields {
		msg[k] = v
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// readLoop handles subscribe/unsubscribe/ping until the client disconnects.
func (c *conn) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendEvent("error", map[string]any{"message": "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *conn) handle(msg inbound) {
	switch msg.Action {
	case "ping":
		c.sendEvent("pong", nil)
	case "subscribe", "unsubscribe":
		key, ok := routeFromMessage(msg)
		if !ok {
			c.sendEvent("error", map[string]any{
				"message": "subscribe requires class_id, id, or scope_id",
			})
			return
		}
		ack := map[string]any{string(key.kind) + "_route": key.value}
		if msg.Action == "subscribe" {
			c.hub.subscribe(c, key)
			c.sendEvent("subscribed", ack)
		} else {
			c.hub.unsubscribe(c, key)
			c.sendEvent("unsubscribed", ack)
		}
	default:
		c.sendEvent("error", map[string]any{
			"message": "unknown action " + msg.Action,
		})
	}
}

// routeFromMessage maps a control message to a route key; exactly one of the
// three selectors is honored, in class/object/scope order.
func routeFromMessage(msg inbound) (subKey, bool) {
	switch {
	case msg.ClassID != "":
		return subKey{subClass, msg.ClassID}, true
	case msg.ID != "":
		return subKey{subObject, msg.ID}, true
	case msg.ScopeID != "":
		return subKey{subScope, msg.ScopeID}, true
	}
	return subKey{}, false
}

// writeLoop drains the send channel and keeps the connection alive with
// pings.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
