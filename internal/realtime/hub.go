package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/cryptorelay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 * 1024 * 1024
)

// EventHandler processes one decoded inbound frame for a connection. It
// returns the ack payload (or nil for no ack) to send back on the same
// AckID, if the frame carried one.
type EventHandler func(conn *Conn, raw json.RawMessage) (ack any, err error)

// Conn wraps one live WebSocket connection: the per-connection identity the
// realtime transport contract (spec.md §6) requires, plus the serialized
// write path gorilla/websocket mandates (only one goroutine may call
// WriteMessage concurrently).
type Conn struct {
	ClientID string

	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logrus.Logger

	mu        sync.Mutex
	sessionID string
	closed    bool
}

// SessionID returns the room this connection has joined, or "" if none.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Emit sends a single event frame to this connection only.
func (c *Conn) Emit(event string, payload any) {
	c.emit(Envelope{Event: event, Data: payload})
}

// emitAck sends an ack reply correlated by ackID.
func (c *Conn) emitAck(event, ackID string, payload any) {
	c.emit(Envelope{Event: event, Data: payload, AckID: ackID})
}

func (c *Conn) emit(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.WithError(err).WithField("client_id", c.ClientID).Error("marshal outbound envelope")
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop rather than block the hub's fan-out loop.
		c.logger.WithField("client_id", c.ClientID).Warn("dropping outbound frame, send buffer full")
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Hub owns one *websocket.Conn per client and the session → clients room
// index (spec.md §6's "rooms correspond 1:1 to sessionIds"). Dispatch is
// delegated to a Broker-installed handler map; the Hub itself only knows
// about connections, rooms, and framing.
type Hub struct {
	logger *logrus.Logger

	handlersMu sync.RWMutex
	handlers   map[string]EventHandler

	roomsMu sync.RWMutex
	rooms   map[string]map[string]*Conn // sessionId -> clientId -> conn

	onDisconnect func(conn *Conn)

	metrics *metrics.Metrics
}

// NewHub creates an empty Hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:   logger,
		handlers: make(map[string]EventHandler),
		rooms:    make(map[string]map[string]*Conn),
	}
}

// SetMetrics attaches a metrics recorder used to track active connection
// counts. Optional: a Hub with no recorder attached skips instrumentation.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// OnEvent registers the handler invoked for frames with the given event name.
func (h *Hub) OnEvent(event string, handler EventHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[event] = handler
}

// OnDisconnect registers a callback invoked once a connection's read loop
// exits, for any reason (client close, transport error, server shutdown).
func (h *Hub) OnDisconnect(fn func(conn *Conn)) {
	h.onDisconnect = fn
}

// JoinRoom adds conn to sessionId's room. A client already in a different
// room is not automatically removed — callers invoke LeaveRoom explicitly.
func (h *Hub) JoinRoom(sessionID string, conn *Conn) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[sessionID] = room
	}
	room[conn.ClientID] = conn
	conn.setSessionID(sessionID)
}

// LeaveRoom removes conn from sessionId's room, pruning the room if empty.
func (h *Hub) LeaveRoom(sessionID string, clientID string) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, clientID)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

// RoomMembers returns the connections currently in sessionId's room.
func (h *Hub) RoomMembers(sessionID string) []*Conn {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	room := h.rooms[sessionID]
	members := make([]*Conn, 0, len(room))
	for _, c := range room {
		members = append(members, c)
	}
	return members
}

// BroadcastToRoom sends event/payload to every connection in sessionId's
// room except excludeClientID, if non-empty.
func (h *Hub) BroadcastToRoom(sessionID, event string, payload any, excludeClientID string) {
	for _, conn := range h.RoomMembers(sessionID) {
		if conn.ClientID == excludeClientID {
			continue
		}
		conn.Emit(event, payload)
	}
}

// Serve takes ownership of an upgraded WebSocket connection, running its
// read loop until the connection closes. Call this from the HTTP upgrade
// handler in its own goroutine-driven context; it blocks until done.
func (h *Hub) Serve(ws *websocket.Conn, clientID string) {
	conn := &Conn{
		ClientID: clientID,
		ws:       ws,
		send:     make(chan []byte, 32),
		hub:      h,
		logger:   h.logger,
	}

	if h.metrics != nil {
		h.metrics.IncrementActiveConnections()
	}

	go conn.writePump()
	h.readPump(conn)
}

func (h *Hub) readPump(conn *Conn) {
	defer func() {
		if sid := conn.SessionID(); sid != "" {
			h.LeaveRoom(sid, conn.ClientID)
		}
		conn.mu.Lock()
		conn.closed = true
		conn.mu.Unlock()
		close(conn.send)
		if h.onDisconnect != nil {
			h.onDisconnect(conn)
		}
		if h.metrics != nil {
			h.metrics.DecrementActiveConnections()
		}
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(conn, raw)
	}
}

func (h *Hub) dispatch(conn *Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.WithError(err).WithField("client_id", conn.ClientID).Warn("malformed envelope")
		return
	}

	h.handlersMu.RLock()
	handler, ok := h.handlers[env.Event]
	h.handlersMu.RUnlock()
	if !ok {
		h.logger.WithFields(logrus.Fields{"client_id": conn.ClientID, "event": env.Event}).Warn("unknown event")
		return
	}

	var data json.RawMessage
	if env.Data != nil {
		data, _ = json.Marshal(env.Data)
	}

	ack, err := handler(conn, data)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"client_id": conn.ClientID, "event": env.Event}).Error("event handler error")
	}
	if env.AckID != "" && ack != nil {
		conn.emitAck(env.Event, env.AckID, ack)
	}
}
