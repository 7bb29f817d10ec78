// Package bridge delivers bus events to the connections registered on this
// process.
package bridge

import (
	"context"
	"sync"

	"github.com/npezzotti/famchat-relay/internal/bus"
	"github.com/npezzotti/famchat-relay/internal/registry"
	"github.com/npezzotti/famchat-relay/internal/server"
	"github.com/npezzotti/famchat-relay/internal/stats"
	"github.com/npezzotti/famchat-relay/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultFallbackConcurrency = 8
	// pending fallbacks allowed per concurrent slot before new ones are dropped
	fallbackBacklog = 256
)

type Sessions interface {
	SessionsFor(userId int64) []registry.Conn
	SessionsForFamily(familyId int64) []registry.Conn
}

type Store interface {
	ParticipantsOf(ctx context.Context, chatRoomId int64) ([]int64, error)
	FamilyOf(ctx context.Context, userId int64) (int64, bool, error)
}

type Evictor interface {
	Evict(conn registry.Conn)
}

type Notifier interface {
	MaybeNotify(ctx context.Context, recipientId int64, msg types.ChatMessageEvent)
}

// OnlineChecker answers whether a user has a live connection on any
// process.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userId int64) (bool, error)
}

type Bridge struct {
	sessions Sessions
	store    Store
	evictor  Evictor
	notifier Notifier
	online   OnlineChecker
	stats    stats.StatsProvider
	log      *zap.Logger

	limit   int
	running *semaphore.Weighted
	pending *semaphore.Weighted
	wg      sync.WaitGroup
}

// New returns a Bridge. online may be nil, in which case fallback is
// decided from this process's sessions alone.
func New(sessions Sessions, store Store, evictor Evictor, notifier Notifier, online OnlineChecker,
	su stats.StatsProvider, log *zap.Logger) *Bridge {
	su.RegisterMetric(stats.DeliveriesFailed)
	su.RegisterMetric(stats.FallbacksDropped)

	b := &Bridge{
		sessions: sessions,
		store:    store,
		evictor:  evictor,
		notifier: notifier,
		online:   online,
		stats:    su,
		log:      log,
	}
	b.SetFallbackLimit(defaultFallbackConcurrency)

	return b
}

// SetFallbackLimit bounds how many push fallbacks run concurrently. Values
// below one are ignored. It must be called before the first message.
func (b *Bridge) SetFallbackLimit(n int) {
	if n <= 0 {
		return
	}
	b.limit = n
	b.running = semaphore.NewWeighted(int64(n))
	b.pending = semaphore.NewWeighted(int64(n * fallbackBacklog))
}

// Drain waits for queued fallbacks to finish or for ctx to be done.
func (b *Bridge) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnBusMessage handles one bus payload. It is the bus.Handler of the
// process.
func (b *Bridge) OnBusMessage(ctx context.Context, raw []byte) {
	env, err := bus.Decode(raw)
	if err != nil {
		b.log.Warn("dropping bus message", zap.Error(err))
		return
	}

	switch env.Type {
	case bus.EnvelopeChatMessage:
		b.deliverChat(ctx, env.SkipConnection, *env.Message)
	case bus.EnvelopePresence:
		b.deliverPresence(ctx, env.FamilyId, *env.Presence)
	}
}

func (b *Bridge) deliverChat(ctx context.Context, skipConn string, msg types.ChatMessageEvent) {
	log := b.log.With(zap.Int64("message_id", msg.MessageId), zap.Int64("chat_room_id", msg.ChatRoomId))

	participants, err := b.store.ParticipantsOf(ctx, msg.ChatRoomId)
	if err != nil {
		log.Error("resolve participants", zap.Error(err))
		return
	}

	frame, err := server.EncodeChatMessage(msg)
	if err != nil {
		log.Error("encode chat message", zap.Error(err))
		return
	}

	for _, userId := range participants {
		delivered := b.send(b.sessions.SessionsFor(userId), frame, skipConn)
		if delivered || userId == msg.SenderId {
			continue
		}

		b.queueFallback(ctx, userId, msg)
	}
}

// queueFallback runs the fallback for recipientId in the background so push
// latency never holds up the bus handler. When the backlog is full the
// fallback is dropped.
func (b *Bridge) queueFallback(ctx context.Context, recipientId int64, msg types.ChatMessageEvent) {
	if !b.pending.TryAcquire(1) {
		b.log.Warn("fallback backlog full, dropping push",
			zap.Int64("recipient_id", recipientId), zap.Int64("message_id", msg.MessageId))
		b.stats.Incr(stats.FallbacksDropped)
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.pending.Release(1)

		if err := b.running.Acquire(ctx, 1); err != nil {
			return
		}
		defer b.running.Release(1)

		b.fallback(ctx, recipientId, msg)
	}()
}

// send writes frame to every connection except skipConn and reports whether
// at least one connection took it. A skipped connection counts as delivered
// since it is the one the message came from.
func (b *Bridge) send(conns []registry.Conn, frame []byte, skipConn string) bool {
	delivered := false
	for _, c := range conns {
		if c.ID() == skipConn {
			delivered = true
			continue
		}

		if err := c.Send(frame); err != nil {
			b.log.Info("send failed, evicting connection",
				zap.String("conn_id", c.ID()), zap.Int64("user_id", c.UserID()), zap.Error(err))
			b.stats.Incr(stats.DeliveriesFailed)
			b.evictor.Evict(c)
			continue
		}
		delivered = true
	}

	return delivered
}

func (b *Bridge) fallback(ctx context.Context, recipientId int64, msg types.ChatMessageEvent) {
	if b.online != nil {
		online, err := b.online.IsOnline(ctx, recipientId)
		if err != nil {
			b.log.Warn("presence lookup failed, falling back to push",
				zap.Int64("recipient_id", recipientId), zap.Error(err))
		} else if online {
			return
		}
	}

	b.notifier.MaybeNotify(ctx, recipientId, msg)
}

func (b *Bridge) deliverPresence(ctx context.Context, familyId int64, ev types.PresenceEvent) {
	if familyId == 0 {
		id, ok, err := b.store.FamilyOf(ctx, ev.UserId)
		if err != nil {
			b.log.Error("resolve family", zap.Int64("user_id", ev.UserId), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		familyId = id
	}

	conns := b.sessions.SessionsForFamily(familyId)
	if len(conns) == 0 {
		return
	}

	frame, err := server.EncodePresence([]types.PresenceStatus{ev.Status()})
	if err != nil {
		b.log.Error("encode presence", zap.Error(err))
		return
	}

	b.send(conns, frame, "")
}
