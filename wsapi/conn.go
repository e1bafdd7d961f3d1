package wsapi

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MS-tegart/treadmill/pubsub"
)

// sendQueueSize is the per-connection outbound buffer. Deliveries beyond a
// full queue are dropped and reported to the caller.
const sendQueueSize = 256

// errQueueFull is returned by Send when the subscriber cannot keep up.
var errQueueFull = errors.New("wsapi: send queue full")

// errorFrame is the wire shape of a connection-scoped error.
type errorFrame struct {
	Error string `json:"_error"`
	When  string `json:"when"`
}

func newErrorFrame(msg string) errorFrame {
	return errorFrame{
		Error: msg,
		When:  time.Now().UTC().Format(time.RFC3339),
	}
}

// wsConn adapts a websocket connection to the hub's Conn contract. All
// writes funnel through a single writer goroutine fed by a buffered queue;
// the hub's watch loop never blocks on a slow client.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	sendq  chan any
	closed bool
}

func newWSConn(id string, ws *websocket.Conn, logger *slog.Logger) *wsConn {
	c := &wsConn{
		id:     id,
		ws:     ws,
		logger: logger,
		sendq:  make(chan any, sendQueueSize),
	}
	go c.writeLoop()
	return c
}

// Active reports whether the session can still receive messages.
func (c *wsConn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send queues a message for delivery.
func (c *wsConn) Send(msg pubsub.Message) error {
	return c.enqueue(msg)
}

// SendError queues an error frame, closing the connection afterwards when
// closeConn is set.
func (c *wsConn) SendError(errStr string, closeConn bool) {
	c.logger.Info("sending error frame", "session", c.id, "error", errStr)
	if err := c.enqueue(newErrorFrame(errStr)); err != nil {
		c.logger.Warn("error frame dropped", "session", c.id, "error", err)
	}
	if closeConn {
		_ = c.Close()
	}
}

// Close marks the session inactive and lets the writer drain what is
// already queued before closing the socket.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.sendq)
	return nil
}

func (c *wsConn) enqueue(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("wsapi: connection closed")
	}
	select {
	case c.sendq <- msg:
		return nil
	default:
		return errQueueFull
	}
}

// writeLoop is the connection's single writer. It ends when the queue is
// closed or a write fails, then tears down the socket.
func (c *wsConn) writeLoop() {
	for msg := range c.sendq {
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.Debug("write failed", "session", c.id, "error", err)
			break
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
	_ = c.Close()
}

// Compile-time interface check.
var _ pubsub.Conn = (*wsConn)(nil)
