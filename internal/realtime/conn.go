package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Conn is one live authenticated session. It joins its rooms at register
// time and is destroyed on socket close, which triggers presence and room
// cleanup in the hub.
type Conn struct {
	id       string
	identity Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	hub      *Hub
	log      *zap.Logger
}

// shutdown stops the write pump and marks the connection dead for senders.
// The send channel is never closed: deliveries racing an unregister just
// land in a buffer nobody drains.
func (c *Conn) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// clientMessage is what a connected session may send upstream: presence
// status changes and heartbeats. Everything else flows server→client.
type clientMessage struct {
	Action string `json:"action"`
	Status string `json:"status,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

// trySend queues b without blocking; a full buffer means the client is too
// slow and the message is dropped (a missed live notification is not a
// durability violation).
func (c *Conn) trySend(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.ws.Close()
	}()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.hub.presence.Heartbeat(c.identity.AgentID)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("bad client message", zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg clientMessage) {
	agent := c.identity.AgentID
	var err error
	switch msg.Action {
	case "heartbeat":
		c.hub.presence.Heartbeat(agent)
	case "status":
		switch msg.Status {
		case "working":
			err = c.hub.presence.SetWorking(agent, msg.TaskID)
		case "idle":
			err = c.hub.presence.SetIdle(agent)
		case "away":
			err = c.hub.presence.SetAway(agent)
		case "offline":
			err = c.hub.presence.SetOffline(agent)
		default:
			c.log.Debug("unknown status", zap.String("status", msg.Status))
		}
	default:
		c.log.Debug("unknown action", zap.String("action", msg.Action))
	}
	if err != nil {
		c.log.Debug("presence change rejected",
			zap.String("agent", agent), zap.Error(err))
	}
}

func (c *Conn) writePump() {
	tick := time.NewTicker(pingPeriod)
	defer func() {
		tick.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-tick.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
