// Package realtime maintains the single persistent event connection for a
// session. Delivery is at-least-once and unordered, so every registered
// handler must be idempotent; the cache reconciler's dedup-by-id makes
// re-applying a pushed message a no-op.
package realtime

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"movemsg/internal/model"
	"movemsg/internal/status"
	"movemsg/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
	outboundBuffer = 64
)

type (
	Handler func(model.Event)

	Client struct {
		wsURL   string
		bearer  string
		monitor *status.Monitor

		mu       sync.Mutex
		handlers map[model.EventType][]Handler
		outbound chan model.Event
	}
)

// NewClient prepares a realtime client. Run must only be called while a
// live bearer credential exists; the connection is closed on credential
// loss (logout), not on view navigation.
func NewClient(wsURL, bearer string, monitor *status.Monitor) *Client {
	return &Client{
		wsURL:    wsURL,
		bearer:   bearer,
		monitor:  monitor,
		handlers: make(map[model.EventType][]Handler),
		outbound: make(chan model.Event, outboundBuffer),
	}
}

// On registers a handler for an event type. Handlers run on the read loop
// goroutine and must be idempotent.
func (c *Client) On(eventType model.EventType, h Handler) {
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
	c.mu.Unlock()
}

// Emit enqueues an outbound event (delivery/read acknowledgements — the
// only writes initiated from the realtime channel). Events are dropped when
// the buffer is full or the connection is down; the server reconstructs
// receipts from fetch traffic eventually.
func (c *Client) Emit(ev model.Event) {
	select {
	case c.outbound <- ev:
	default:
		log.Debug("realtime outbound buffer full, dropping event",
			zap.String("type", string(ev.Type)))
	}
}

// Run connects and keeps the connection alive with backoff until ctx is
// cancelled. It never returns a connection error to the caller; persistent
// failure is reflected in the status monitor and the UI degrades to
// polling.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			c.monitor.Set(status.StateDisconnected)
			return
		}

		c.monitor.Set(status.StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.monitor.Set(status.StatePolling)
			log.Debug("realtime dial failed", zap.Error(err))
			select {
			case <-ctx.Done():
				c.monitor.Set(status.StateDisconnected)
				return
			case <-time.After(jitter(backoff)):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = minBackoff
		c.monitor.Set(status.StateConnected)
		c.serve(ctx, conn)
		c.monitor.Set(status.StatePolling)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", c.bearer)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// serve runs the read and write loops until the connection drops or ctx is
// cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Debug("realtime connection closed", zap.Error(err))
				return
			}
			var ev model.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Error("unmarshal realtime event failed", zap.Error(err))
				continue
			}
			c.dispatch(ev)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
				time.Now().Add(writeWait))
			return
		case <-done:
			return
		case ev := <-c.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(&ev); err != nil {
				log.Debug("realtime write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(ev model.Event) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[ev.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
