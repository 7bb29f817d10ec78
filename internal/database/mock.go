package database

import (
	"context"

	"github.com/npezzotti/famchat-relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) PersistMessage(ctx context.Context, draft types.ChatMessageEvent) (types.ChatMessageEvent, error) {
	args := m.Called(ctx, draft)
	return args.Get(0).(types.ChatMessageEvent), args.Error(1)
}
func (m *MockRepository) ParticipantsOf(ctx context.Context, chatRoomId int64) ([]int64, error) {
	args := m.Called(ctx, chatRoomId)
	if ids, ok := args.Get(0).([]int64); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) NotificationEnabled(ctx context.Context, userId, chatRoomId int64) (bool, error) {
	args := m.Called(ctx, userId, chatRoomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) PushToken(ctx context.Context, userId int64) (string, bool, error) {
	args := m.Called(ctx, userId)
	return args.String(0), args.Bool(1), args.Error(2)
}
func (m *MockRepository) FamilyOf(ctx context.Context, userId int64) (int64, bool, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}
func (m *MockRepository) FamilyMembers(ctx context.Context, familyId int64) ([]int64, error) {
	args := m.Called(ctx, familyId)
	if ids, ok := args.Get(0).([]int64); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) MarkRead(ctx context.Context, userId, chatRoomId, messageId int64) error {
	args := m.Called(ctx, userId, chatRoomId, messageId)
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
