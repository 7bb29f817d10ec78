// Package fallback notifies participants who could not receive a message
// over a live connection.
package fallback

import (
	"context"
	"fmt"
	"strconv"

	"github.com/npezzotti/famchat-relay/internal/push"
	"github.com/npezzotti/famchat-relay/internal/stats"
	"github.com/npezzotti/famchat-relay/internal/types"
	"go.uber.org/zap"
)

const notificationTitle = "New message"

type Store interface {
	NotificationEnabled(ctx context.Context, userId, chatRoomId int64) (bool, error)
	PushToken(ctx context.Context, userId int64) (token string, ok bool, err error)
}

type Dispatcher struct {
	store  Store
	sender push.Sender
	dedupe Deduper
	stats  stats.StatsProvider
	log    *zap.Logger
}

func NewDispatcher(store Store, sender push.Sender, dedupe Deduper, su stats.StatsProvider, log *zap.Logger) *Dispatcher {
	su.RegisterMetric(stats.FallbackPushes)

	return &Dispatcher{
		store:  store,
		sender: sender,
		dedupe: dedupe,
		stats:  su,
		log:    log,
	}
}

// MaybeNotify sends a push notification about msg to recipientId unless one
// was already sent for this message, the recipient disabled notifications
// for the room or has no device registered. Failures are logged and never
// returned.
func (d *Dispatcher) MaybeNotify(ctx context.Context, recipientId int64, msg types.ChatMessageEvent) {
	log := d.log.With(zap.Int64("recipient_id", recipientId), zap.Int64("message_id", msg.MessageId))

	claimed, err := d.dedupe.Claim(ctx, dedupeKey(msg.MessageId, recipientId))
	if err != nil {
		log.Warn("fallback dedupe unavailable, notifying anyway", zap.Error(err))
		claimed = true
	}
	if !claimed {
		log.Debug("fallback already claimed")
		return
	}

	enabled, err := d.store.NotificationEnabled(ctx, recipientId, msg.ChatRoomId)
	if err != nil {
		log.Error("notification preference lookup", zap.Error(err))
		return
	}
	if !enabled {
		return
	}

	token, ok, err := d.store.PushToken(ctx, recipientId)
	if err != nil {
		log.Error("push token lookup", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	data := map[string]string{
		"chatRoomId": strconv.FormatInt(msg.ChatRoomId, 10),
		"messageId":  strconv.FormatInt(msg.MessageId, 10),
		"type":       string(msg.MessageType),
	}

	if err := d.sender.SendPush(ctx, token, notificationTitle, Summary(msg), data); err != nil {
		log.Error("send push", zap.Error(err))
		return
	}

	d.stats.Incr(stats.FallbackPushes)
}

// Summary is the notification body for msg.
func Summary(msg types.ChatMessageEvent) string {
	sender := msg.SenderName
	if sender == "" {
		sender = "Someone"
	}

	switch msg.MessageType {
	case types.MessageKindText:
		return sender + ": " + msg.Content
	case types.MessageKindImage:
		if n := len(msg.ImageUrls); n > 1 {
			return fmt.Sprintf("%s sent %d photos", sender, n)
		}
		return sender + " sent a photo"
	case types.MessageKindVideo:
		return sender + " sent a video"
	}

	return "You have a new message"
}
