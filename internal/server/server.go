// Package server owns the websocket connections of this process: it
// authenticates them, keeps the session registry current and routes inbound
// frames.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/famchat-relay/internal/database"
	"github.com/npezzotti/famchat-relay/internal/registry"
	"github.com/npezzotti/famchat-relay/internal/relay"
	"github.com/npezzotti/famchat-relay/internal/stats"
	"github.com/npezzotti/famchat-relay/internal/types"
	"go.uber.org/zap"
)

const (
	presenceTimeout = 5 * time.Second
	presenceStripes = 64
)

type Authenticator interface {
	VerifyCredential(ctx context.Context, token string) (int64, error)
}

type MessageRelay interface {
	HandleInbound(ctx context.Context, userId int64, draft types.ChatMessageEvent, originConnId string) (types.ChatMessageEvent, error)
}

type PresenceTracker interface {
	OnConnectionChange(ctx context.Context, userId int64, online bool)
	Snapshot(ctx context.Context, familyId int64) ([]types.PresenceStatus, error)
}

type Store interface {
	FamilyOf(ctx context.Context, userId int64) (int64, bool, error)
	MarkRead(ctx context.Context, userId, chatRoomId, messageId int64) error
}

// Gateway is the only writer of the session registry.
type Gateway struct {
	log      *zap.Logger
	registry *registry.Registry
	auth     Authenticator
	relay    MessageRelay
	presence PresenceTracker
	store    Store
	stats    stats.StatsProvider
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	draining bool
	wg       sync.WaitGroup

	// userLocks order a user's registry change together with the presence
	// update it triggers, so a quick reconnect cannot publish offline after
	// the new connection's online.
	userLocks [presenceStripes]sync.Mutex
}

func NewGateway(logger *zap.Logger, reg *registry.Registry, auth Authenticator, mr MessageRelay,
	pt PresenceTracker, store Store, su stats.StatsProvider, allowedOrigins []string) *Gateway {
	su.RegisterMetric(stats.ActiveConnections)
	su.RegisterMetric(stats.FamilyConnections)

	return &Gateway{
		log:      logger,
		registry: reg,
		auth:     auth,
		relay:    mr,
		presence: pt,
		store:    store,
		stats:    su,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}

				return slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// ServeChat upgrades r and, once token is verified, registers the
// connection under its user.
func (g *Gateway) ServeChat(w http.ResponseWriter, r *http.Request, token string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	userId, err := g.auth.VerifyCredential(r.Context(), token)
	if err != nil {
		g.log.Info("rejecting chat connection", zap.Error(err))
		g.Reject(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.draining {
		g.Reject(conn, websocket.CloseServiceRestart, "server shutting down")
		return
	}

	c := NewClient(conn, userId, 0, g, g.log)
	g.stats.Incr(stats.ActiveConnections)
	g.registerUser(userId, c)
	c.log.Info("chat connection established")

	g.start(c)
}

// ServeFamily upgrades r into a family-status connection. The user must
// belong to the requested family.
func (g *Gateway) ServeFamily(w http.ResponseWriter, r *http.Request, token, familyParam string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	userId, err := g.auth.VerifyCredential(r.Context(), token)
	if err != nil {
		g.log.Info("rejecting family connection", zap.Error(err))
		g.Reject(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	familyId, err := strconv.ParseInt(familyParam, 10, 64)
	if err != nil || familyId <= 0 {
		g.Reject(conn, websocket.ClosePolicyViolation, "invalid family id")
		return
	}

	memberOf, ok, err := g.store.FamilyOf(r.Context(), userId)
	if err != nil {
		g.log.Error("resolve family", zap.Int64("user_id", userId), zap.Error(err))
		g.Reject(conn, websocket.CloseInternalServerErr, "internal server error")
		return
	}
	if !ok || memberOf != familyId {
		g.Reject(conn, websocket.ClosePolicyViolation, "not a member of this family")
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.draining {
		g.Reject(conn, websocket.CloseServiceRestart, "server shutting down")
		return
	}

	c := NewClient(conn, userId, familyId, g, g.log)
	g.stats.Incr(stats.FamilyConnections)
	g.registry.RegisterFamily(familyId, c)
	c.log.Info("family connection established", zap.Int64("family_id", familyId))

	statuses, err := g.presence.Snapshot(r.Context(), familyId)
	if err != nil {
		c.log.Error("presence snapshot", zap.Error(err))
	} else if frame, err := EncodePresence(statuses); err != nil {
		c.log.Error("encode presence snapshot", zap.Error(err))
	} else if err := c.Send(frame); err != nil {
		c.log.Warn("failed to queue presence snapshot", zap.Error(err))
	}

	g.start(c)
}

func (g *Gateway) start(c *Client) {
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.Write()
	}()
	go func() {
		defer g.wg.Done()
		c.Read()
	}()
}

// Reject closes a connection that was never registered.
func (g *Gateway) Reject(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	conn.Close()
}

// Evict drops a connection that failed a send.
func (g *Gateway) Evict(conn registry.Conn) {
	if c, ok := conn.(*Client); ok {
		c.log.Info("evicting connection")
		c.close(websocket.CloseTryAgainLater, "connection too slow")
		return
	}

	g.deregisterUser(conn.UserID(), conn)
}

func (g *Gateway) lockUser(userId int64) func() {
	mu := &g.userLocks[uint64(userId)%presenceStripes]
	mu.Lock()
	return mu.Unlock
}

func (g *Gateway) registerUser(userId int64, c registry.Conn) {
	defer g.lockUser(userId)()

	if g.registry.Register(userId, c) {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		g.presence.OnConnectionChange(ctx, userId, true)
	}
}

func (g *Gateway) deregisterUser(userId int64, c registry.Conn) {
	defer g.lockUser(userId)()

	if g.registry.Deregister(userId, c) {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		g.presence.OnConnectionChange(ctx, userId, false)
	}
}

// release removes c from the registry. It runs exactly once per client.
func (g *Gateway) release(c *Client) {
	if c.familyId != 0 {
		g.registry.DeregisterFamily(c.familyId, c)
		g.stats.Decr(stats.FamilyConnections)
		return
	}

	g.stats.Decr(stats.ActiveConnections)
	g.deregisterUser(c.userId, c)
	c.log.Info("connection closed")
}

func (g *Gateway) handleMessage(c *Client, raw []byte) error {
	msg, err := decodeClientMessage(raw)
	if err != nil {
		return err
	}

	if c.familyId != 0 && msg.Type != InboundPing {
		return &ProtocolError{Reason: fmt.Sprintf("%s not accepted on family connection", msg.Type)}
	}

	switch msg.Type {
	case InboundChatMessage:
		return g.handleChatMessage(c, msg)
	case InboundReadReceipt:
		g.handleReadReceipt(c, msg)
	case InboundPing:
		c.queueMessage(Pong(msg.Id))
	}

	return nil
}

func (g *Gateway) handleChatMessage(c *Client, msg *ClientMessage) error {
	if msg.Message.SenderId != c.userId {
		return &ProtocolError{Reason: "sender does not match authenticated user"}
	}

	persisted, err := g.relay.HandleInbound(c.ctx, c.userId, msg.Message.Event(), c.id)

	var storeErr *relay.StoreError
	switch {
	case err == nil:
		c.queueMessage(NoErrAccepted(msg.Id, persisted.MessageId, msg.Message.ClientId))
	case errors.Is(err, relay.ErrInvalidDraft):
		c.queueMessage(ErrInvalidMessage(msg.Id, err.Error()))
	case errors.As(err, &storeErr):
		c.log.Error("store message", zap.Error(err))
		c.queueMessage(ErrMessageNotSaved(msg.Id, msg.Message.ClientId))
	default:
		c.log.Error("handle inbound", zap.Error(err))
		c.queueMessage(ErrInternalError(msg.Id))
	}

	return nil
}

func (g *Gateway) handleReadReceipt(c *Client, msg *ClientMessage) {
	rr := msg.Receipt
	if rr.ChatRoomId <= 0 || rr.MessageId <= 0 {
		c.queueMessage(ErrInvalidMessage(msg.Id, "chat room id and message id are required"))
		return
	}

	err := g.store.MarkRead(c.ctx, c.userId, rr.ChatRoomId, rr.MessageId)
	switch {
	case err == nil:
		c.queueMessage(NoErrOK(msg.Id, nil))
	case errors.Is(err, database.ErrNotParticipant):
		c.queueMessage(ErrForbidden(msg.Id))
	default:
		c.log.Error("mark read", zap.Error(err))
		c.queueMessage(ErrInternalError(msg.Id))
	}
}

// Shutdown closes every local connection with 1001, which releases each one
// and publishes offline presence, then waits for the pumps to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()

	conns := g.registry.Conns()
	g.log.Info("closing connections", zap.Int("count", len(conns)))
	for _, conn := range conns {
		if c, ok := conn.(*Client); ok {
			c.close(websocket.CloseGoingAway, "server shutting down")
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}
