package database

import (
	"context"
	"errors"

	"github.com/npezzotti/famchat-relay/internal/types"
)

var ErrNotParticipant = errors.New("sender is not a participant of the chat room")

// Repository is everything the relay reads from or writes to Postgres.
type Repository interface {
	Ping(ctx context.Context) error
	// PersistMessage stores a draft and returns it with the server assigned
	// id, timestamp and sender profile filled in.
	PersistMessage(ctx context.Context, draft types.ChatMessageEvent) (types.ChatMessageEvent, error)
	ParticipantsOf(ctx context.Context, chatRoomId int64) ([]int64, error)
	// NotificationEnabled reports the user's push preference for a room.
	// Users without a stored preference have notifications enabled.
	NotificationEnabled(ctx context.Context, userId, chatRoomId int64) (bool, error)
	PushToken(ctx context.Context, userId int64) (token string, ok bool, err error)
	FamilyOf(ctx context.Context, userId int64) (familyId int64, ok bool, err error)
	FamilyMembers(ctx context.Context, familyId int64) ([]int64, error)
	MarkRead(ctx context.Context, userId, chatRoomId, messageId int64) error
	Close() error
}
