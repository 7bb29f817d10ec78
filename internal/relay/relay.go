// Package relay validates and persists inbound chat messages and hands them
// to the bus for delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/famchat-relay/internal/bus"
	"github.com/npezzotti/famchat-relay/internal/stats"
	"github.com/npezzotti/famchat-relay/internal/types"
	"go.uber.org/zap"
)

var ErrInvalidDraft = errors.New("invalid message")

// StoreError is returned when a valid draft could not be persisted.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return "message not saved: " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

type MessageStore interface {
	PersistMessage(ctx context.Context, draft types.ChatMessageEvent) (types.ChatMessageEvent, error)
}

type Relay struct {
	store  MessageStore
	pub    bus.Publisher
	stats  stats.StatsProvider
	origin string
	log    *zap.Logger
}

func New(store MessageStore, pub bus.Publisher, su stats.StatsProvider, origin string, log *zap.Logger) *Relay {
	su.RegisterMetric(stats.MessagesRelayed)
	su.RegisterMetric(stats.PublishFailures)

	return &Relay{
		store:  store,
		pub:    pub,
		stats:  su,
		origin: origin,
		log:    log,
	}
}

// HandleInbound validates a draft sent by userId over connection
// originConnId, persists it and publishes the persisted message. Nothing is
// published unless the message was stored. A failed publish is not returned
// to the caller since the message is already durable.
func (r *Relay) HandleInbound(ctx context.Context, userId int64, draft types.ChatMessageEvent, originConnId string) (types.ChatMessageEvent, error) {
	if err := validate(userId, draft); err != nil {
		return types.ChatMessageEvent{}, err
	}

	msg, err := r.store.PersistMessage(ctx, draft)
	if err != nil {
		return types.ChatMessageEvent{}, &StoreError{Err: err}
	}

	log := r.log.With(
		zap.Int64("message_id", msg.MessageId),
		zap.Int64("chat_room_id", msg.ChatRoomId),
		zap.Int64("sender_id", msg.SenderId),
	)

	payload, err := bus.NewChatEnvelope(r.origin, originConnId, msg).Encode()
	if err != nil {
		log.Error("encode chat envelope", zap.Error(err))
		r.stats.Incr(stats.PublishFailures)
		return msg, nil
	}

	if err := r.pub.Publish(ctx, bus.ChatTopic(), payload); err != nil {
		log.Error("publish chat message, live delivery skipped", zap.Error(err))
		r.stats.Incr(stats.PublishFailures)
		return msg, nil
	}

	r.stats.Incr(stats.MessagesRelayed)
	log.Debug("relayed message")

	return msg, nil
}

func validate(userId int64, draft types.ChatMessageEvent) error {
	if draft.ChatRoomId <= 0 {
		return fmt.Errorf("%w: chat room id is required", ErrInvalidDraft)
	}
	if draft.SenderId != userId {
		return fmt.Errorf("%w: sender does not match connection user", ErrInvalidDraft)
	}

	switch draft.MessageType {
	case types.MessageKindText:
		if strings.TrimSpace(draft.Content) == "" {
			return fmt.Errorf("%w: text message requires content", ErrInvalidDraft)
		}
	case types.MessageKindImage:
		if len(draft.ImageUrls) == 0 {
			return fmt.Errorf("%w: image message requires at least one image url", ErrInvalidDraft)
		}
	case types.MessageKindVideo:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidDraft, draft.MessageType)
	}

	return nil
}
