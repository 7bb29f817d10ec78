package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Client is one websocket connection. A chat client is keyed by user, a
// family-status client (familyId != 0) by family.
type Client struct {
	id       string
	userId   int64
	familyId int64

	conn    *websocket.Conn
	gateway *Gateway
	log     *zap.Logger

	send chan []byte
	stop chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce    sync.Once
	connectedAt  time.Time
	lastActivity atomic.Int64
}

func NewClient(conn *websocket.Conn, userId, familyId int64, g *Gateway, l *zap.Logger) *Client {
	id := shortid.MustGenerate()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		id:          id,
		userId:      userId,
		familyId:    familyId,
		conn:        conn,
		gateway:     g,
		log:         l.With(zap.String("conn_id", id), zap.Int64("user_id", userId)),
		send:        make(chan []byte, sendBufferSize),
		stop:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now().UTC(),
	}
	c.touch()

	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() int64 {
	return c.userId
}

func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load()).UTC()
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send queues payload for the write pump without blocking. A client that
// cannot keep up returns ErrSendBufferFull and should be evicted.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.stop:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.stop:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to serialize message", zap.Error(err))
		return false
	}

	if err := c.Send(b); err != nil {
		c.log.Warn("failed to queue message", zap.Error(err))
		return false
	}

	return true
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.sendMessage(websocket.TextMessage, msg) {
				c.close(0, "")
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				c.close(0, "")
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer c.log.Debug("read exiting")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Info("ws: read", zap.Error(err))
			}
			c.close(0, "")
			return
		}
		c.touch()

		if err := c.gateway.handleMessage(c, raw); err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.log.Warn("closing connection", zap.Error(err))
				c.close(websocket.CloseUnsupportedData, pe.Reason)
				return
			}
			c.log.Error("handle message", zap.Error(err))
		}
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Info("write message", zap.Error(err))
		}
		return false
	}

	return true
}

// close tears the connection down once, whichever path gets here first.
// The registry entry is released before the close frame is written. A zero
// code closes the socket without a close frame.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.cancel()
		c.gateway.release(c)

		if code != 0 {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		}
		c.conn.Close()
	})
}
