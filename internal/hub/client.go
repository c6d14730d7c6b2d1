package hub

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/protocol"
	"github.com/hearth-chat/hearth/internal/session"
)

const (
	sendBufferSize    = 256
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 10 * time.Second
	maxFrameSize      = 64 << 10
)

// Client is one chat connection. ReadPump, WritePump and HeartbeatLoop run on
// their own goroutines; session, detached and the close bookkeeping are only
// touched on the hub goroutine.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	ip     string
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	session  *session.Session
	detached bool

	closed    atomic.Bool
	closeCode websocket.StatusCode
}

// NewClient wraps an accepted connection. id is the connection id announced
// to the client; clientIP is recorded on the session. The client context
// carries serverCtx's values but is only cancelled once the connection has
// closed: cancelling a pending read would race the hub's close code.
func NewClient(h *Hub, conn *websocket.Conn, id, clientIP string, serverCtx context.Context) *Client {
	ctx, cancel := context.WithCancel(context.WithoutCancel(serverCtx))
	if conn != nil {
		conn.SetReadLimit(maxFrameSize)
	}
	return &Client{
		hub:    h,
		conn:   conn,
		id:     id,
		ip:     clientIP,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Resume seeds the client with a session taken from Hub.Resume. It must be
// called before Register.
func (c *Client) Resume(s *session.Session) {
	c.session = s
}

// ReadPump reads frames until the connection fails, answering keep-alive
// pings itself and handing everything else to the hub.
func (c *Client) ReadPump() {
	defer c.hub.Unregister(c)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				slog.Debug("read ended", "conn", c.id, "error", err)
			}
			return
		}
		if typ == websocket.MessageText && string(data) == protocol.Ping {
			c.writeDirect(protocol.Pong)
			continue
		}
		if !c.hub.submit(c.ctx, inboundFrame{client: c, typ: typ, data: data}) {
			return
		}
	}
}

func (c *Client) writeDirect(text string) {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		slog.Debug("keep-alive reply failed", "conn", c.id, "error", err)
	}
}

// WritePump drains the send channel onto the connection. It exits when the
// hub closes the channel or a write fails.
func (c *Client) WritePump() {
	defer c.close(websocket.StatusNormalClosure, "")

	for msg := range c.send {
		ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			slog.Debug("write failed", "conn", c.id, "error", err)
			return
		}
	}
}

// HeartbeatLoop pings the peer periodically and closes the connection when a
// pong does not arrive in time.
func (c *Client) HeartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, heartbeatTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Info("heartbeat failed", "conn", c.id, "error", err)
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// close closes the underlying connection once and then cancels the client
// context. Later calls are no-ops.
func (c *Client) close(code websocket.StatusCode, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeCode = code
	if c.conn == nil {
		c.cancel()
		return
	}
	go func() {
		defer c.cancel()
		if err := c.conn.Close(code, reason); err != nil {
			slog.Debug("close failed", "conn", c.id, "error", err)
		}
	}()
}

// deliver queues a frame without blocking. A full buffer drops the frame.
func (c *Client) deliver(frame []byte) bool {
	if c.detached || c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.BroadcastDrops.Inc()
		slog.Warn("send buffer full, dropping frame", "conn", c.id)
		return false
	}
}
