// Package realtime is the connection/room/presence layer. Room membership
// is process-local; sends also ride a shared pub/sub channel so sessions
// connected to sibling processes hear them too. Processes never mutate
// each other's state directly.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/domain"
)

// Fanout is the cross-process leg of SendToRoom/SendToAgent. The broker
// satisfies it.
type Fanout interface {
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// frame is the fanout wire format. Origin breaks the delivery loop: a
// process ignores frames it published itself.
type frame struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	rooms    map[string]map[string]*Conn
	byAgent  map[string]map[string]*Conn
	presence *Tracker
	fan      Fanout
	channel  string
	procID   string
	running  atomic.Bool
	log      *zap.Logger
}

func NewHub(fan Fanout, channel string, presence *Tracker, log *zap.Logger) *Hub {
	h := &Hub{
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		byAgent:  make(map[string]map[string]*Conn),
		presence: presence,
		fan:      fan,
		channel:  channel,
		procID:   uuid.NewString(),
		log:      log.Named("realtime"),
	}
	presence.setEmitter(func(rooms []string, env *domain.Envelope) {
		for _, room := range rooms {
			if err := h.SendToRoom(context.Background(), room, env); err != nil {
				h.log.Warn("presence broadcast failed",
					zap.String("room", room), zap.Error(err))
			}
		}
	})
	return h
}

func (h *Hub) Presence() *Tracker { return h.presence }

// Run pumps remote frames from the fanout channel into local rooms.
// Blocks until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	msgs, cancel, err := h.fan.Subscribe(ctx, h.channel)
	if err != nil {
		return errors.Wrap(err, "subscribe fanout")
	}
	defer cancel()
	h.running.Store(true)
	defer h.running.Store(false)
	h.log.Info("hub started", zap.String("process", h.procID))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgs:
			if !ok {
				return errors.New("realtime: fanout channel closed")
			}
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				h.log.Warn("bad fanout frame", zap.Error(err))
				continue
			}
			if f.Origin == h.procID {
				continue
			}
			h.deliverLocal(f.Room, f.Payload)
		}
	}
}

// Alive reports whether the fanout pump is running.
func (h *Hub) Alive() bool { return h.running.Load() }

// ServeWS binds an upgraded socket to an identity, joins its rooms and
// starts the pumps. The identity comes from the external auth check.
func (h *Hub) ServeWS(ws *websocket.Conn, identity Identity) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		hub:      h,
		log:      h.log.With(zap.String("agent", identity.AgentID)),
	}
	h.Register(c)
	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) Register(c *Conn) {
	rooms := RoomsFor(c.identity)
	h.mu.Lock()
	h.conns[c.id] = c
	for _, room := range rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[string]*Conn)
		}
		h.rooms[room][c.id] = c
	}
	if h.byAgent[c.identity.AgentID] == nil {
		h.byAgent[c.identity.AgentID] = make(map[string]*Conn)
	}
	h.byAgent[c.identity.AgentID][c.id] = c
	total := len(h.conns)
	h.mu.Unlock()

	if err := h.presence.SetOnline(c.identity.AgentID, c.identity.OrgIDs); err != nil {
		h.log.Warn("set online failed", zap.Error(err))
	}
	h.log.Info("connection registered",
		zap.String("agent", c.identity.AgentID),
		zap.Int("rooms", len(rooms)),
		zap.Int("total", total))
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for _, room := range RoomsFor(c.identity) {
		delete(h.rooms[room], c.id)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	agent := c.identity.AgentID
	delete(h.byAgent[agent], c.id)
	last := len(h.byAgent[agent]) == 0
	if last {
		delete(h.byAgent, agent)
	}
	total := len(h.conns)
	h.mu.Unlock()

	// Deliveries that snapshotted the member list before the removal may
	// still call trySend, so the send channel must outlive the unregister.
	c.shutdown()
	if last {
		_ = h.presence.SetOffline(agent)
	}
	h.log.Info("connection closed",
		zap.String("agent", agent), zap.Int("total", total))
}

// SendToRoom multicasts env to every local member and publishes a fanout
// frame for sibling processes. Per-connection delivery failures are
// dropped, never surfaced: a fanout publish failure is the only error.
func (h *Hub) SendToRoom(ctx context.Context, room string, env *domain.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	h.deliverLocal(room, b)
	fb, err := json.Marshal(frame{Origin: h.procID, Room: room, Payload: b})
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	if err := h.fan.Publish(ctx, h.channel, fb); err != nil {
		return errors.Wrap(err, "publish fanout")
	}
	return nil
}

// SendToAgent targets every session of one agent, across processes.
func (h *Hub) SendToAgent(ctx context.Context, agentID string, env *domain.Envelope) error {
	return h.SendToRoom(ctx, RoomForAgent(agentID), env)
}

func (h *Hub) deliverLocal(room string, b []byte) {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	for _, c := range members {
		if !c.trySend(b) {
			h.log.Debug("send buffer full, dropped",
				zap.String("agent", c.identity.AgentID), zap.String("room", room))
		}
	}
}

// AgentsInRoom lists the distinct agents with a live session in room.
func (h *Hub) AgentsInRoom(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range h.rooms[room] {
		if !seen[c.identity.AgentID] {
			seen[c.identity.AgentID] = true
			out = append(out, c.identity.AgentID)
		}
	}
	return out
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
