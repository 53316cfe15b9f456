package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/metrics"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after a ping before
	// it considers the peer gone.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Chat content is limited to 512
	// characters, which is at most 2 KiB of UTF-8 plus the JSON envelope.
	maxMessageSize = 4096

	// sendBufferSize is the capacity of the per-client outbound queue. A
	// client that falls this far behind is dropped by the hub.
	sendBufferSize = 64
)

// Close codes sent to the peer.
const (
	CloseNormal = websocket.CloseNormalClosure

	CloseInternalError = websocket.CloseInternalServerErr

	// CloseGoingAway is sent when the server refuses sessions while
	// shutting down.
	CloseGoingAway = websocket.CloseGoingAway

	// CloseForbidden is sent when the identity may not join the target.
	CloseForbidden = 4403
)

// ErrClientClosed is returned by Send after the client has been closed.
var ErrClientClosed = errors.New("websocket: client closed")

// ErrSendBufferFull is returned by Send when the outbound queue is full.
var ErrSendBufferFull = errors.New("websocket: send buffer full")

// upgrader performs the HTTP -> WebSocket protocol upgrade. Origin validation
// is left to the reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single connected WebSocket peer. The write pump starts as soon
// as the client is created; the caller drives the read side with ReadLoop.
//
// The send channel is the handoff point between Deliver and the write pump.
// It is closed exactly once, by Close, under mu, so Deliver never sends on a
// closed channel.
type Client struct {
	conn   *websocket.Conn
	owner  string
	logger *zap.Logger

	metrics *metrics.Metrics

	mu        sync.Mutex
	send      chan []byte
	closed    bool
	closeCode int
	closeText string

	// done is closed when the write pump has exited.
	done chan struct{}
}

// Upgrade completes the WebSocket handshake and starts the write pump. owner
// is the authenticated username the connection belongs to.
func Upgrade(w http.ResponseWriter, r *http.Request, owner string, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		owner:   owner,
		logger:  logger.With(zap.String("remote_addr", r.RemoteAddr), zap.String("username", owner)),
		metrics: m,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
	m.ClientConnected()
	go c.writePump()
	return c, nil
}

func (c *Client) Owner() string { return c.owner }

// Deliver queues payload without blocking. It returns ErrClientClosed after
// Close and ErrSendBufferFull when the client has fallen behind.
func (c *Client) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Send encodes frame and queues it for this client only.
func (c *Client) Send(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("websocket: encode frame: %w", err)
	}
	return c.Deliver(payload)
}

// Kick closes the connection because the server is going away or the client
// cannot keep up.
func (c *Client) Kick() {
	c.Close(websocket.CloseGoingAway, "")
}

// Close stops accepting frames. The write pump flushes what is already
// queued, sends a close frame with code and text, and closes the connection.
// Only the first call has an effect.
func (c *Client) Close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

// Wait blocks until the write pump has exited and the connection is closed.
// It must be called after Close.
func (c *Client) Wait() {
	<-c.done
}

// ReadLoop reads text frames and passes each one to handle, sequentially,
// until the peer disconnects, the connection is closed, or handle returns an
// error. A normal client disconnect yields a nil error.
func (c *Client) ReadLoop(handle func(payload []byte) error) error {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("websocket: set read deadline: %w", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("ws: read ended", zap.Error(err))
			}
			return nil
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := handle(payload); err != nil {
			return err
		}
	}
}

// writePump is the only goroutine that writes to conn; gorilla/websocket
// connections do not support concurrent writers.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.metrics.ClientDisconnected()
		close(c.done)
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.abandon()
				return
			}
			if !ok {
				c.mu.Lock()
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				c.mu.Unlock()
				_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("ws: write error", zap.Error(err))
				c.abandon()
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.abandon()
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ws: ping error", zap.Error(err))
				c.abandon()
				return
			}
		}
	}
}

// abandon marks the client closed after a write failure so later Deliver and
// Send calls fail fast instead of filling a queue nobody drains.
func (c *Client) abandon() {
	c.Close(websocket.CloseAbnormalClosure, "")
}
