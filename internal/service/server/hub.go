package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 128
)

type (
	// Connection wraps a websocket and coordinates outbound writes through
	// a buffered channel. One connection per identity.
	Connection struct {
		Identity string

		ws    *websocket.Conn
		send  chan []byte
		once  sync.Once
		close chan struct{}
	}

	// Hub tracks the active connection per identity for event fan-out.
	Hub struct {
		mu    sync.RWMutex
		conns map[string]*Connection
	}
)

func NewConnection(identity string, ws *websocket.Conn) *Connection {
	return &Connection{
		Identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		close:    make(chan struct{}),
	}
}

// Start launches the write loop. Call exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. A slow client that fills the buffer
// is disconnected to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Connection),
	}
}

// Attach registers a connection, replacing and closing any previous session
// for the same identity.
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	previous := h.conns[conn.Identity]
	h.conns[conn.Identity] = conn
	h.mu.Unlock()

	conn.Start()
	if previous != nil {
		previous.Close(4001, "session replaced")
	}
}

// Detach removes the connection if it is still the active one.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	if current, ok := h.conns[conn.Identity]; ok && current == conn {
		delete(h.conns, conn.Identity)
	}
	h.mu.Unlock()
}

// Notify delivers payload to identity's connection. Returns false when the
// identity is offline.
func (h *Hub) Notify(identity string, payload []byte) bool {
	h.mu.RLock()
	conn := h.conns[identity]
	h.mu.RUnlock()
	if conn == nil {
		return false
	}
	return conn.Send(payload) == nil
}
