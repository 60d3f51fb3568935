package main

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn wraps a websocket connection with a stable handle id and a write
// mutex (gorilla/websocket requires serialized writes per connection).
type wsConn struct {
	id      uuid.UUID
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.New(), conn: conn}
}

func (c *wsConn) send(frame []byte) error {
	if c == nil || c.conn == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// closeWithReason sends a close frame with an application-level reason before
// dropping the connection. Used for the two explicit rejections (name taken,
// roster full).
func (c *wsConn) closeWithReason(code int, reason string) {
	if c == nil || c.conn == nil {
		return
	}
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	c.conn.Close()
}

// Hub tracks all open connections and performs fan-out writes. It knows
// nothing about game state; recipients are chosen by the session.
type Hub struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*wsConn
}

func newHub() *Hub {
	return &Hub{conns: make(map[uuid.UUID]*wsConn)}
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()
	log.Printf("WebSocket client connected (%s). Total: %d", c.id, total)
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	total := len(h.conns)
	h.mu.Unlock()
	log.Printf("WebSocket client disconnected (%s). Total: %d", c.id, total)
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// sendFrame writes one frame to one connection. A failed write is logged and
// otherwise ignored; the read loop notices the dead socket and runs cleanup.
func (h *Hub) sendFrame(c *wsConn, who string, frame []byte) {
	if c == nil || frame == nil {
		return
	}
	LogWSMessage("OUT", who, string(frame))
	if err := c.send(frame); err != nil && err != errNotConnected {
		log.Printf("WebSocket write error to %s: %v", who, err)
	}
}

// flush delivers queued frames to each recipient independently; one slow or
// dead connection never blocks delivery to the others.
func (h *Hub) flush(queue []outbound) {
	for _, o := range queue {
		h.sendFrame(o.conn, o.who, o.frame)
	}
}

// outbound is a queued fan-out write: frames are collected while the session
// lock is held and flushed right after it is released.
type outbound struct {
	conn  *wsConn
	who   string
	frame []byte
}
