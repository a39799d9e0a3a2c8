// Package ws wraps a single gorilla WebSocket endpoint with keep-alive and
// liveness tracking. It carries no business logic; inbound text frames are
// handed verbatim to the owning worker.
package ws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	connectTimeout = 30 * time.Second
	pingInterval   = 20 * time.Second
	pongWait       = 30 * time.Second
	writeWait      = 10 * time.Second
)

// MessageHandler receives every inbound text frame.
type MessageHandler func(msg []byte)

// CloseHandler is invoked once when the connection drops for any reason
// other than a deliberate Close.
type CloseHandler func(err error)

// Config holds per-endpoint connection settings.
type Config struct {
	URL string

	// TextPing, when non-empty, replaces protocol pings with an
	// application-level text frame (OKX requires the literal "ping").
	TextPing string
}

// Conn is one WebSocket connection. A Conn is owned by exactly one worker
// and is not reused after Close.
type Conn struct {
	cfg       Config
	onMessage MessageHandler
	onClose   CloseHandler

	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup

	connected atomic.Bool
	closing   atomic.Bool
	lastMsg   atomic.Int64 // unix nano of last inbound frame
	downOnce  sync.Once
}

// New creates an unconnected Conn.
func New(cfg Config, onMessage MessageHandler, onClose CloseHandler) *Conn {
	return &Conn{
		cfg:       cfg,
		onMessage: onMessage,
		onClose:   onClose,
		done:      make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the read and ping loops.
func (c *Conn) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.cfg.URL, err)
	}

	c.ws = ws
	c.touch()
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		c.touch()
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.connected.Store(true)

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Send writes one text frame.
func (c *Conn) Send(text string) error {
	if !c.connected.Load() {
		return fmt.Errorf("send on disconnected websocket %s", c.cfg.URL)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close tears the connection down. The CloseHandler is not invoked.
func (c *Conn) Close() {
	if c.closing.Swap(true) {
		return
	}
	c.connected.Store(false)
	close(c.done)

	if c.ws != nil {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	}
	c.wg.Wait()
}

// IsConnected reports whether the socket is up.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// LastMessageAge returns the time since the last inbound frame.
func (c *Conn) LastMessageAge() time.Duration {
	ns := c.lastMsg.Load()
	if ns == 0 {
		return time.Duration(0)
	}
	return time.Since(time.Unix(0, ns))
}

func (c *Conn) touch() {
	c.lastMsg.Store(time.Now().UnixNano())
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
			_, msg, err := c.ws.ReadMessage()
			if err != nil {
				c.markDown(err)
				return
			}
			c.touch()
			_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
			if c.onMessage != nil {
				c.onMessage(msg)
			}
		}
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			var err error
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if c.cfg.TextPing != "" {
				err = c.ws.WriteMessage(websocket.TextMessage, []byte(c.cfg.TextPing))
			} else {
				err = c.ws.WriteMessage(websocket.PingMessage, nil)
			}
			c.writeMu.Unlock()
			if err != nil {
				c.markDown(err)
				return
			}
		}
	}
}

// markDown flips connected to false and reports the failure exactly once.
// The worker and monitor decide the reaction.
func (c *Conn) markDown(err error) {
	c.connected.Store(false)
	if c.closing.Load() {
		return
	}
	c.downOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}
