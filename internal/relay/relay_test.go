package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/famchat-relay/internal/bus"
	"github.com/npezzotti/famchat-relay/internal/database"
	"github.com/npezzotti/famchat-relay/internal/stats"
	"github.com/npezzotti/famchat-relay/internal/testutil"
	"github.com/npezzotti/famchat-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, db *database.MockRepository, pub *bus.MockBus, su *stats.MockStatsUpdater) *Relay {
	su.On("RegisterMetric", mock.Anything).Return()
	return New(db, pub, su, "inst-a", testutil.TestLogger(t))
}

func textDraft(userId int64, content string) types.ChatMessageEvent {
	return types.ChatMessageEvent{
		ChatRoomId:  7,
		SenderId:    userId,
		MessageType: types.MessageKindText,
		Content:     content,
	}
}

func TestHandleInboundPublishesPersistedMessage(t *testing.T) {
	ctx := context.Background()
	draft := textDraft(2, "hi")
	persisted := draft
	persisted.MessageId = 41
	persisted.SenderName = "B"
	persisted.CreatedAt = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	db.On("PersistMessage", ctx, draft).Return(persisted, nil).Once()

	pub := &bus.MockBus{}
	defer pub.AssertExpectations(t)
	pub.On("Publish", ctx, bus.ChatTopic(), mock.Anything).Return(nil).Once()

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MessagesRelayed).Once()
	defer su.AssertExpectations(t)

	r := newTestRelay(t, db, pub, su)
	msg, err := r.HandleInbound(ctx, 2, draft, "conn-b1")
	require.NoError(t, err, "expected message to be accepted")
	assert.Equal(t, persisted, msg, "expected persisted message to be returned")

	env, err := bus.Decode(pub.Calls[0].Arguments.Get(2).([]byte))
	require.NoError(t, err)
	assert.Equal(t, bus.EnvelopeChatMessage, env.Type)
	assert.Equal(t, "conn-b1", env.SkipConnection, "expected originating connection to be skipped on fan-out")
	assert.Equal(t, "inst-a", env.Origin)
	assert.Equal(t, persisted, *env.Message)
}

func TestHandleInboundStoreErrorPublishesNothing(t *testing.T) {
	ctx := context.Background()
	draft := textDraft(2, "hi")
	storeErr := errors.New("disk full")

	db := &database.MockRepository{}
	db.On("PersistMessage", ctx, draft).Return(types.ChatMessageEvent{}, storeErr)

	pub := &bus.MockBus{}
	su := &stats.MockStatsUpdater{}

	r := newTestRelay(t, db, pub, su)
	_, err := r.HandleInbound(ctx, 2, draft, "conn-b1")

	var se *StoreError
	require.ErrorAs(t, err, &se, "expected a store error")
	assert.ErrorIs(t, err, storeErr, "expected store error to wrap the cause")
	assert.Len(t, pub.Calls, 0, "expected zero bus events after a store error")
	su.AssertNotCalled(t, "Incr", stats.MessagesRelayed)
}

func TestHandleInboundPublishFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	draft := textDraft(2, "hi")
	persisted := draft
	persisted.MessageId = 41

	db := &database.MockRepository{}
	db.On("PersistMessage", ctx, draft).Return(persisted, nil)

	pub := &bus.MockBus{}
	pub.On("Publish", ctx, bus.ChatTopic(), mock.Anything).Return(errors.New("bus down"))

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.PublishFailures).Once()
	defer su.AssertExpectations(t)

	r := newTestRelay(t, db, pub, su)
	msg, err := r.HandleInbound(ctx, 2, draft, "conn-b1")
	assert.NoError(t, err, "expected durable message to be reported as accepted")
	assert.Equal(t, int64(41), msg.MessageId)
}

func TestHandleInboundValidation(t *testing.T) {
	tcs := []struct {
		name  string
		draft types.ChatMessageEvent
	}{
		{
			name:  "missing chat room",
			draft: types.ChatMessageEvent{SenderId: 2, MessageType: types.MessageKindText, Content: "hi"},
		},
		{
			name:  "sender mismatch",
			draft: types.ChatMessageEvent{ChatRoomId: 7, SenderId: 3, MessageType: types.MessageKindText, Content: "hi"},
		},
		{
			name:  "blank text",
			draft: types.ChatMessageEvent{ChatRoomId: 7, SenderId: 2, MessageType: types.MessageKindText, Content: "   "},
		},
		{
			name:  "image without urls",
			draft: types.ChatMessageEvent{ChatRoomId: 7, SenderId: 2, MessageType: types.MessageKindImage},
		},
		{
			name:  "unknown kind",
			draft: types.ChatMessageEvent{ChatRoomId: 7, SenderId: 2, MessageType: "sticker", Content: "x"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			pub := &bus.MockBus{}
			r := newTestRelay(t, db, pub, &stats.MockStatsUpdater{})

			_, err := r.HandleInbound(context.Background(), 2, tc.draft, "conn-b1")
			assert.ErrorIs(t, err, ErrInvalidDraft, "expected invalid draft error")
			db.AssertNotCalled(t, "PersistMessage", mock.Anything, mock.Anything)
			assert.Len(t, pub.Calls, 0, "expected nothing published for an invalid draft")
		})
	}
}

func TestValidateAcceptsEveryKind(t *testing.T) {
	drafts := []types.ChatMessageEvent{
		{ChatRoomId: 7, SenderId: 2, MessageType: types.MessageKindText, Content: "hi"},
		{ChatRoomId: 7, SenderId: 2, MessageType: types.MessageKindImage, ImageUrls: []string{"https://img/1.jpg"}},
		{ChatRoomId: 7, SenderId: 2, MessageType: types.MessageKindVideo, Content: "https://vid/1.mp4"},
	}

	for _, d := range drafts {
		assert.NoError(t, validate(2, d), "expected %s draft to be valid", d.MessageType)
	}
}
