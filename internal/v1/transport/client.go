// Package transport owns the WebSocket mechanics: upgrade, token
// extraction, per-connection read/write pumps and frame encoding. It knows
// nothing about rooms or locks; inbound frames are handed to a
// FrameHandler.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/auth"
	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/metrics"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

// wsConnection is the subset of *websocket.Conn the client needs; tests
// substitute a mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// FrameHandler receives decoded inbound frames and the disconnect signal.
// The gateway's dispatcher implements it.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Client, frame protocol.Frame)
	HandleDisconnect(c *Client)
}

// Metadata captures handshake facts recorded on admission.
type Metadata struct {
	RemoteAddr  string    `json:"remoteAddr"`
	UserAgent   string    `json:"userAgent"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Client represents a single authenticated WebSocket connection.
type Client struct {
	// ID is the server-assigned connection id, unique per connection.
	ID   string
	User *auth.AuthenticatedUser
	Meta Metadata

	conn    wsConnection
	handler FrameHandler

	pingInterval time.Duration
	pingTimeout  time.Duration
	writeWait    time.Duration

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

// NewClient wraps an upgraded connection. Pumps are not started; call
// Start once the connection has been admitted.
func NewClient(id string, user *auth.AuthenticatedUser, meta Metadata, conn wsConnection, handler FrameHandler, pingInterval, pingTimeout time.Duration) *Client {
	return &Client{
		ID:           id,
		User:         user,
		Meta:         meta,
		conn:         conn,
		handler:      handler,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		writeWait:    10 * time.Second,
		send:         make(chan []byte, 256),
	}
}

// UserID returns the authenticated user id, or "" pre-auth.
func (c *Client) UserID() string {
	if c.User == nil {
		return ""
	}
	return c.User.UserID
}

// Username returns the authenticated username, or "" pre-auth.
func (c *Client) Username() string {
	if c.User == nil {
		return ""
	}
	return c.User.Username
}

// Start launches the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Send encodes and queues an outbound frame. Sends to a closed client are
// dropped with a log line; a slow client never blocks the caller. A client
// whose buffer overflows is disconnected — once a frame is lost its view
// of room and lock state has diverged, so it must reconnect and resync.
func (c *Client) Send(event string, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("connectionId", c.ID), zap.String("event", event))
		return
	}
	c.mu.RUnlock()

	data, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode outbound frame", zap.String("event", event), zap.Error(err))
		return
	}

	// The pump may close the channel concurrently with a late send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing client", zap.String("connectionId", c.ID), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full, disconnecting slow client",
			zap.String("connectionId", c.ID), zap.String("event", event))
		c.Disconnect()
	}
}

// SendError emits the uniform socket:error DTO for err.
func (c *Client) SendError(err error, eventName string) {
	c.Send(protocol.EventSocketError, protocol.ToSocketError(err, c.ID, c.UserID(), eventName))
}

// Disconnect closes the send channel; the write pump drains buffered
// frames, writes the close frame and closes the connection. Safe to call
// multiple times. Queued frames are flushed before the close, which gives
// the emit-then-close ordering rejections rely on.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// IsClosed reports whether Disconnect has been called.
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// readPump processes inbound messages until the connection drops, then
// runs the disconnect chain.
func (c *Client) readPump() {
	defer func() {
		if c.handler != nil {
			c.handler.HandleDisconnect(c)
		}
		c.Disconnect()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	if c.pingTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		})
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping malformed frame", zap.String("connectionId", c.ID), zap.Error(err))
			c.SendError(err, "")
			continue
		}

		if c.handler != nil {
			c.handler.HandleFrame(context.Background(), c, frame)
		}
	}
}

func (c *Client) writePump() {
	var ticker *time.Ticker
	var pings <-chan time.Time
	if c.pingInterval > 0 {
		ticker = time.NewTicker(c.pingInterval)
		pings = ticker.C
		defer ticker.Stop()
	}
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.GetLogger().Debug("error writing message", zap.String("connectionId", c.ID), zap.Error(err))
				return
			}
		case <-pings:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
